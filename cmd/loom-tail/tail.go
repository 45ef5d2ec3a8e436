// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/lib/secret"
	"github.com/bureau-foundation/loom/messaging"
	"github.com/bureau-foundation/loom/store"
	"github.com/bureau-foundation/loom/timeline"
)

// tailFlags binds the tail subcommand's flags so overrideConfig can
// apply only the ones the user actually set on top of the config file.
type tailFlags struct {
	room     string
	session  string
	cache    string
	filter   string
	timezone string

	hideThreaded bool
	markRead     bool

	backfill int
	pageSize int
	maxItems int
}

func registerTailFlags(flags *pflag.FlagSet) *tailFlags {
	f := &tailFlags{}
	flags.StringVar(&f.room, "room", "", "room alias (#room:server) or room ID (!id:server) to follow")
	flags.StringVar(&f.session, "session", "", "sealed session file path (default: "+sessionFilePath()+")")
	flags.StringVar(&f.cache, "cache", "", "encrypted event cache database path (empty disables caching)")
	flags.StringVar(&f.filter, "filter", "", "JSONC sync filter file replacing the built-in filter")
	flags.StringVar(&f.timezone, "timezone", "", `day-divider timezone: "UTC", "Local", or an IANA name (default UTC)`)
	flags.BoolVar(&f.hideThreaded, "hide-threaded", false, "drop threaded replies from the live view")
	flags.BoolVar(&f.markRead, "mark-read", false, "advance the private read receipt as items arrive")
	flags.IntVar(&f.backfill, "backfill", 0, "load at least this many items of history before following")
	flags.IntVar(&f.pageSize, "page-size", 0, "events per pagination request")
	flags.IntVar(&f.maxItems, "max-items", 0, "evict oldest items beyond this count (0 = unbounded)")
	return f
}

// overrideConfig copies flag values the user set over the config file
// values. Unset flags leave the config alone.
func (f *tailFlags) overrideConfig(flags *pflag.FlagSet, config *tailConfig) {
	if flags.Changed("room") {
		config.Room = f.room
	}
	if flags.Changed("session") {
		config.Session = f.session
	}
	if flags.Changed("cache") {
		config.Cache = f.cache
	}
	if flags.Changed("filter") {
		config.Filter = f.filter
	}
	if flags.Changed("timezone") {
		config.Timezone = f.timezone
	}
	if flags.Changed("hide-threaded") {
		config.HideThreaded = f.hideThreaded
	}
	if flags.Changed("mark-read") {
		config.MarkRead = f.markRead
	}
	if flags.Changed("backfill") {
		config.Backfill = f.backfill
	}
	if flags.Changed("page-size") {
		config.PageSize = f.pageSize
	}
	if flags.Changed("max-items") {
		config.MaxItems = f.maxItems
	}
}

// filteredSync overrides the sync filter on its way to the session.
// RunLive builds a room-scoped filter itself; a --filter file replaces
// it wholesale.
type filteredSync struct {
	source timeline.SyncSource
	filter string
}

func (f filteredSync) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	options.Filter = f.filter
	return f.source.Sync(ctx, options)
}

func runTail(args []string) error {
	flags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	var (
		configPath     string
		passphraseFile string
		threadRoot     string
		contextEvent   string
		contextWindow  int
		logLevel       string
	)
	flags.StringVar(&configPath, "config", "", "YAML config file (default: "+configFilePath()+")")
	flags.StringVar(&passphraseFile, "passphrase-file", "", "read the session passphrase from this file instead of prompting")
	flags.StringVar(&threadRoot, "thread", "", "follow a single thread rooted at this event ID")
	flags.StringVar(&contextEvent, "context", "", "print the window around this event ID and exit")
	flags.IntVar(&contextWindow, "window", 0, "events around the --context anchor (default 20)")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	tf := registerTailFlags(flags)
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	config, err := loadTailConfig(pickConfigPath(configPath), configPath != "")
	if err != nil {
		return err
	}
	tf.overrideConfig(flags, config)

	if config.Room == "" {
		return fmt.Errorf("no room given (use --room or set room: in the config file)")
	}
	if threadRoot != "" && contextEvent != "" {
		return fmt.Errorf("--thread and --context are mutually exclusive")
	}

	focus, err := pickFocus(config, threadRoot, contextEvent, contextWindow)
	if err != nil {
		return err
	}

	location, err := resolveLocation(config.Timezone)
	if err != nil {
		return err
	}

	var filterJSON string
	if config.Filter != "" {
		filterJSON, err = loadSyncFilter(config.Filter)
		if err != nil {
			return err
		}
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	passphrase, err := readPassphrase(passphraseFile, false)
	if err != nil {
		return err
	}
	defer passphrase.Close()

	sessionPath := config.Session
	if sessionPath == "" {
		sessionPath = sessionFilePath()
	}
	saved, err := loadSession(sessionPath, passphrase)
	if err != nil {
		return err
	}

	userID, err := ref.ParseUserID(saved.UserID)
	if err != nil {
		return fmt.Errorf("session file %s: %w", sessionPath, err)
	}
	var deviceID ref.DeviceID
	if saved.DeviceID != "" {
		deviceID, err = ref.ParseDeviceID(saved.DeviceID)
		if err != nil {
			return fmt.Errorf("session file %s: %w", sessionPath, err)
		}
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: saved.Homeserver,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	session, err := client.SessionFromToken(userID, deviceID, saved.AccessToken)
	if err != nil {
		return err
	}
	defer session.Close()

	roomID, err := resolveRoom(ctx, session, config.Room)
	if err != nil {
		return err
	}

	var eventStore *store.Store
	if config.Cache != "" {
		eventStore, err = openCache(config.Cache, passphrase, logger)
		if err != nil {
			return err
		}
		defer eventStore.Close()
	}

	timelineConfig := timeline.Config{
		Room:      roomID,
		OwnUser:   userID,
		Focus:     focus,
		Transport: &timeline.SessionTransport{Session: session},
		Sender:    &timeline.SessionSender{Session: session},
		Logger:    logger,
		Location:  location,
		MaxItems:  config.MaxItems,
		PageSize:  config.PageSize,
	}
	if eventStore != nil {
		timelineConfig.Store = eventStore
	}
	t, err := timeline.New(ctx, timelineConfig)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := backfillHistory(ctx, t, focus, config.Backfill); err != nil {
		return err
	}

	subscription, items, err := t.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer subscription.Close()

	_, live := focus.(timeline.FocusLive)
	render := newRenderer(os.Stdout, location, live && !config.HideThreaded)
	render.snapshot(items)

	if _, detached := focus.(timeline.FocusEventContext); detached {
		// A context view is a one-shot window: print it and stop.
		return nil
	}

	source := timeline.SyncSource(session)
	if filterJSON != "" {
		source = filteredSync{source: session, filter: filterJSON}
	}
	syncDone := make(chan error, 1)
	go func() { syncDone <- t.RunLive(ctx, source) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-syncDone:
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("sync stopped: %w", err)
		case batch, ok := <-subscription.Updates():
			if !ok {
				return nil
			}
			render.apply(batch)
			if config.MarkRead && batchHasRemoteInsert(batch) {
				if err := t.MarkAsRead(ctx, timeline.ReceiptPrivate); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("advancing read receipt failed", "error", err)
				}
			}
		}
	}
}

func pickConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configFilePath()
}

func pickFocus(config *tailConfig, threadRoot, contextEvent string, contextWindow int) (timeline.Focus, error) {
	switch {
	case threadRoot != "":
		root, err := ref.ParseEventID(threadRoot)
		if err != nil {
			return nil, fmt.Errorf("invalid --thread event ID: %w", err)
		}
		return timeline.FocusThread{Root: root}, nil
	case contextEvent != "":
		anchor, err := ref.ParseEventID(contextEvent)
		if err != nil {
			return nil, fmt.Errorf("invalid --context event ID: %w", err)
		}
		return timeline.FocusEventContext{Event: anchor, Window: contextWindow}, nil
	default:
		return timeline.FocusLive{HideThreaded: config.HideThreaded}, nil
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}

// openCache opens the encrypted event cache, deriving its key from the
// session passphrase with a per-database salt stored beside the file.
func openCache(path string, passphrase *secret.Buffer, logger *slog.Logger) (*store.Store, error) {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", directory, err)
	}

	saltPath := path + ".salt"
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt, err = store.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0600); err != nil {
			return nil, fmt.Errorf("writing cache salt %s: %w", saltPath, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading cache salt %s: %w", saltPath, err)
	} else if len(salt) != store.SaltSize {
		return nil, fmt.Errorf("cache salt %s: expected %d bytes, got %d", saltPath, store.SaltSize, len(salt))
	}

	key, err := store.KeyFromPassphrase(passphrase.Bytes(), salt)
	if err != nil {
		return nil, err
	}
	eventStore, err := store.Open(store.Config{Path: path, Key: key, Logger: logger})
	if err != nil {
		if errors.Is(err, store.ErrWrongKey) {
			return nil, fmt.Errorf("cache %s was created with a different passphrase (delete it to rebuild)", path)
		}
		return nil, err
	}
	return eventStore, nil
}

// backfillHistory paginates backward until at least want items are
// loaded or history is exhausted. Detached context windows skip this:
// their size is the --window flag.
func backfillHistory(ctx context.Context, t *timeline.Timeline, focus timeline.Focus, want int) error {
	if want <= 0 {
		return nil
	}
	if _, detached := focus.(timeline.FocusEventContext); detached {
		return nil
	}
	for {
		items, err := t.Snapshot(ctx)
		if err != nil {
			return err
		}
		if len(items) >= want {
			return nil
		}
		exhausted, err := t.Paginate(ctx, timeline.DirectionBackward, 0)
		if err != nil {
			if errors.Is(err, timeline.ErrAlreadyExhausted) {
				return nil
			}
			return fmt.Errorf("loading history: %w", err)
		}
		if exhausted {
			return nil
		}
	}
}

// batchHasRemoteInsert reports whether the batch added a remote event
// item — the trigger for advancing the read receipt in --mark-read
// mode.
func batchHasRemoteInsert(batch []timeline.Diff) bool {
	for _, diff := range batch {
		switch diff.Op {
		case timeline.OpInsert:
			if diff.Item.Kind == timeline.KindEvent && !diff.Item.IsLocalEcho() {
				return true
			}
		case timeline.OpReset:
			return true
		}
	}
	return false
}
