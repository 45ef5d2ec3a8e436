// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

func TestLoadTailConfig(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `room: "#general:example.org"
cache: /var/cache/loom/general.db
hide_threaded: true
mark_read: true
timezone: Local
page_size: 40
max_items: 500
backfill: 200
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		config, err := loadTailConfig(path, true)
		if err != nil {
			t.Fatalf("loadTailConfig failed: %v", err)
		}
		if config.Room != "#general:example.org" {
			t.Errorf("Room = %q", config.Room)
		}
		if config.Cache != "/var/cache/loom/general.db" {
			t.Errorf("Cache = %q", config.Cache)
		}
		if !config.HideThreaded || !config.MarkRead {
			t.Errorf("bools not loaded: %+v", config)
		}
		if config.Timezone != "Local" {
			t.Errorf("Timezone = %q", config.Timezone)
		}
		if config.PageSize != 40 || config.MaxItems != 500 || config.Backfill != 200 {
			t.Errorf("ints not loaded: %+v", config)
		}
	})

	t.Run("missing default path is fine", func(t *testing.T) {
		config, err := loadTailConfig(filepath.Join(t.TempDir(), "absent.yaml"), false)
		if err != nil {
			t.Fatalf("missing default config: %v", err)
		}
		if *config != (tailConfig{}) {
			t.Errorf("expected zero config, got %+v", config)
		}
	})

	t.Run("missing explicit path errors", func(t *testing.T) {
		if _, err := loadTailConfig(filepath.Join(t.TempDir(), "absent.yaml"), true); err == nil {
			t.Fatal("expected error for missing explicit config")
		}
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("room: [unclosed"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadTailConfig(path, true); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestOverrideConfig(t *testing.T) {
	flags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	tf := registerTailFlags(flags)
	if err := flags.Parse([]string{"--room", "#ops:example.org", "--backfill", "50", "--mark-read"}); err != nil {
		t.Fatal(err)
	}

	config := &tailConfig{
		Room:     "#general:example.org",
		Cache:    "/tmp/cache.db",
		Backfill: 200,
		PageSize: 40,
	}
	tf.overrideConfig(flags, config)

	if config.Room != "#ops:example.org" {
		t.Errorf("Room not overridden: %q", config.Room)
	}
	if config.Backfill != 50 {
		t.Errorf("Backfill not overridden: %d", config.Backfill)
	}
	if !config.MarkRead {
		t.Error("MarkRead not overridden")
	}
	// Flags the user did not set leave config-file values alone.
	if config.Cache != "/tmp/cache.db" {
		t.Errorf("Cache clobbered: %q", config.Cache)
	}
	if config.PageSize != 40 {
		t.Errorf("PageSize clobbered: %d", config.PageSize)
	}
}

func TestLoadSyncFilter(t *testing.T) {
	t.Run("strips comments and trailing commas", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "filter.jsonc")
		content := `{
  // narrow the timeline
  "room": {
    "timeline": { "limit": 5, },
  },
}
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		filter, err := loadSyncFilter(path)
		if err != nil {
			t.Fatalf("loadSyncFilter failed: %v", err)
		}
		if filter != `{"room":{"timeline":{"limit":5}}}` {
			t.Errorf("filter = %q", filter)
		}
	})

	t.Run("invalid json errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "filter.jsonc")
		if err := os.WriteFile(path, []byte("{broken"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadSyncFilter(path); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		if _, err := loadSyncFilter(filepath.Join(t.TempDir(), "absent.jsonc")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestResolveRoom(t *testing.T) {
	t.Run("room ID passes through without a directory hit", func(t *testing.T) {
		roomID, err := resolveRoom(context.Background(), nil, "!abc:example.org")
		if err != nil {
			t.Fatalf("resolveRoom failed: %v", err)
		}
		if roomID.String() != "!abc:example.org" {
			t.Errorf("roomID = %s", roomID)
		}
	})

	t.Run("alias resolves via the directory", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/directory/room/") {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			writer.Header().Set("Content-Type", "application/json")
			writer.Write([]byte(`{"room_id": "!resolved:example.org", "servers": ["example.org"]}`))
		}))
		t.Cleanup(server.Close)

		client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
		if err != nil {
			t.Fatal(err)
		}
		session, err := client.SessionFromToken(ref.MustParseUserID("@test:example.org"), ref.DeviceID{}, "token")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { session.Close() })

		roomID, err := resolveRoom(context.Background(), session, "#general:example.org")
		if err != nil {
			t.Fatalf("resolveRoom failed: %v", err)
		}
		if roomID.String() != "!resolved:example.org" {
			t.Errorf("roomID = %s", roomID)
		}
	})

	t.Run("junk reference errors", func(t *testing.T) {
		if _, err := resolveRoom(context.Background(), nil, "general"); err == nil {
			t.Fatal("expected error for missing sigil")
		}
	})
}

func TestResolveLocation(t *testing.T) {
	if loc, err := resolveLocation(""); err != nil || loc != time.UTC {
		t.Errorf("empty: %v, %v", loc, err)
	}
	if loc, err := resolveLocation("UTC"); err != nil || loc != time.UTC {
		t.Errorf("UTC: %v, %v", loc, err)
	}
	if loc, err := resolveLocation("Local"); err != nil || loc != time.Local {
		t.Errorf("Local: %v, %v", loc, err)
	}
	if _, err := resolveLocation("Nowhere/Invalid"); err == nil {
		t.Error("expected error for unknown zone")
	}
}
