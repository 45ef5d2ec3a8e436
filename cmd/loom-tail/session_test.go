// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/loom/lib/secret"
)

func testPassphrase(t *testing.T, text string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(text))
	if err != nil {
		t.Fatalf("building passphrase buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func TestSessionSealRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.age")
	passphrase := testPassphrase(t, "correct horse battery staple")

	saved := &tailSession{
		UserID:      "@alice:example.org",
		DeviceID:    "LOOMDEV",
		AccessToken: "syt_secret_token",
		Homeserver:  "https://matrix.example.org",
	}
	if err := saveSession(saved, path, passphrase); err != nil {
		t.Fatalf("saveSession failed: %v", err)
	}

	// The ciphertext must not leak the token.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "syt_secret_token") {
		t.Fatal("session file contains the access token in cleartext")
	}

	loaded, err := loadSession(path, passphrase)
	if err != nil {
		t.Fatalf("loadSession failed: %v", err)
	}
	if *loaded != *saved {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", loaded, saved)
	}
}

func TestLoadSessionWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.age")
	if err := saveSession(&tailSession{
		UserID:      "@alice:example.org",
		AccessToken: "token",
		Homeserver:  "https://matrix.example.org",
	}, path, testPassphrase(t, "right")); err != nil {
		t.Fatal(err)
	}

	_, err := loadSession(path, testPassphrase(t, "wrong"))
	if err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
	if !strings.Contains(err.Error(), "unsealing") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadSessionMissingFile(t *testing.T) {
	_, err := loadSession(filepath.Join(t.TempDir(), "absent.age"), testPassphrase(t, "pw"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "loom-tail login") {
		t.Errorf("error should point at the login subcommand: %v", err)
	}
}

func TestLoadSessionIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.age")
	passphrase := testPassphrase(t, "pw")
	// No homeserver recorded.
	if err := saveSession(&tailSession{
		UserID:      "@alice:example.org",
		AccessToken: "token",
	}, path, passphrase); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSession(path, passphrase); err == nil || !strings.Contains(err.Error(), "homeserver") {
		t.Errorf("expected homeserver validation error, got %v", err)
	}
}

func TestReadSecretFile(t *testing.T) {
	t.Run("strips trailing newlines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "secret")
		if err := os.WriteFile(path, []byte("hunter2\r\n"), 0600); err != nil {
			t.Fatal(err)
		}
		buffer, err := readSecretFile(path)
		if err != nil {
			t.Fatalf("readSecretFile failed: %v", err)
		}
		defer buffer.Close()
		if buffer.String() != "hunter2" {
			t.Errorf("secret = %q", buffer.String())
		}
	})

	t.Run("empty file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "secret")
		if err := os.WriteFile(path, []byte("\n\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := readSecretFile(path); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})
}

func TestSessionFilePathOverride(t *testing.T) {
	t.Setenv("LOOM_SESSION_FILE", "/tmp/elsewhere.age")
	if got := sessionFilePath(); got != "/tmp/elsewhere.age" {
		t.Errorf("sessionFilePath = %q", got)
	}

	t.Setenv("LOOM_SESSION_FILE", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := sessionFilePath(); got != "/xdg/loom/session.age" {
		t.Errorf("sessionFilePath = %q", got)
	}
}
