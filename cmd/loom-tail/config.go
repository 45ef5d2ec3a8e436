// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// tailConfig holds the tail subcommand's settings. Values come from
// the YAML config file with flags overriding; zero values fall back to
// the defaults documented on the flags.
type tailConfig struct {
	// Room is the room to follow: an alias (#room:server) or a room ID
	// (!opaque:server).
	Room string `yaml:"room"`

	// Session is the path to the sealed session file. Empty uses the
	// well-known path (see sessionFilePath).
	Session string `yaml:"session"`

	// Cache is the path to the encrypted event cache database. Empty
	// disables caching.
	Cache string `yaml:"cache"`

	// Filter is the path to a JSONC sync filter that replaces the
	// built-in room-scoped filter on /sync requests.
	Filter string `yaml:"filter"`

	// HideThreaded drops threaded replies from the live view.
	HideThreaded bool `yaml:"hide_threaded"`

	// MarkRead advances the private read receipt as items arrive.
	MarkRead bool `yaml:"mark_read"`

	// Timezone is the IANA zone name day dividers are computed in
	// ("Local" for the system zone). Empty means UTC.
	Timezone string `yaml:"timezone"`

	PageSize int `yaml:"page_size"`
	MaxItems int `yaml:"max_items"`
	Backfill int `yaml:"backfill"`
}

// configFilePath returns the default config file path:
// ~/.config/loom/config.yaml, honoring XDG_CONFIG_HOME.
func configFilePath() string {
	configDirectory := os.Getenv("XDG_CONFIG_HOME")
	if configDirectory == "" {
		homeDirectory, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDirectory = filepath.Join(homeDirectory, ".config")
	}
	return filepath.Join(configDirectory, "loom", "config.yaml")
}

// loadTailConfig reads the YAML config at path. When explicit is
// false (default path) a missing file yields the zero config; when the
// user named the path a missing file is an error.
func loadTailConfig(path string, explicit bool) (*tailConfig, error) {
	config := &tailConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return config, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

// loadSyncFilter reads a sync filter file. The file is JSONC —
// JSON with // and /* */ comments and trailing commas — and the
// returned string is the plain-JSON form, compacted for use as an
// inline filter query parameter.
func loadSyncFilter(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading filter %s: %w", path, err)
	}
	var parsed any
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return "", fmt.Errorf("parsing filter %s: %w", path, err)
	}
	var compact strings.Builder
	encoder := json.NewEncoder(&compact)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(parsed); err != nil {
		return "", fmt.Errorf("encoding filter %s: %w", path, err)
	}
	return strings.TrimSuffix(compact.String(), "\n"), nil
}

// resolveRoom turns a room reference — alias or room ID — into a room
// ID, consulting the homeserver's directory for aliases.
func resolveRoom(ctx context.Context, session *messaging.Session, raw string) (ref.RoomID, error) {
	switch {
	case strings.HasPrefix(raw, "!"):
		roomID, err := ref.ParseRoomID(raw)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("invalid room ID %q: %w", raw, err)
		}
		return roomID, nil
	case strings.HasPrefix(raw, "#"):
		alias, err := ref.ParseRoomAlias(raw)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("invalid room alias %q: %w", raw, err)
		}
		roomID, err := session.ResolveAlias(ctx, alias)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("resolving %s: %w", alias, err)
		}
		return roomID, nil
	default:
		return ref.RoomID{}, fmt.Errorf("room reference %q must start with '#' (alias) or '!' (room ID)", raw)
	}
}

// resolveLocation maps the config timezone name to a time.Location.
func resolveLocation(name string) (*time.Location, error) {
	switch name {
	case "", "UTC":
		return time.UTC, nil
	case "Local":
		return time.Local, nil
	default:
		location, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
		}
		return location, nil
	}
}
