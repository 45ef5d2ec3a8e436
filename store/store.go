// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/lib/secret"
	"github.com/bureau-foundation/loom/lib/sqlitepool"
	"github.com/bureau-foundation/loom/messaging"
	"github.com/bureau-foundation/loom/timeline"
)

// ErrWrongKey is returned by Open when the database exists but its
// key-check probe does not authenticate under the supplied master key.
var ErrWrongKey = errors.New("store: key does not match this database")

// defaultLoadLimit is the LoadRecent window when the caller passes a
// non-positive limit.
const defaultLoadLimit = 50

// checkProbe is the plaintext sealed into the meta table on first
// open. Its successful authentication on later opens proves the master
// key matches; its content is never otherwise used.
var checkProbe = []byte("loom store key check")

// Config holds the parameters for opening a timeline cache.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// Key is the 32-byte master key. Open takes ownership: the key is
	// zeroed and released when the store closes, or before Open
	// returns an error. Derive it with KeyFromPassphrase or generate
	// it with NewKey. Required.
	Key *secret.Buffer

	// Compression selects the record compression algorithm. The zero
	// value is CompressionZstd.
	Compression Compression

	// PoolSize is the SQLite connection pool size. Zero or negative
	// uses the sqlitepool default.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Store is an encrypted SQLite cache of room timelines. It implements
// timeline.Store and is safe for concurrent use.
type Store struct {
	pool        *sqlitepool.Pool
	keys        *keySet
	compression Compression
	logger      *slog.Logger
}

var _ timeline.Store = (*Store)(nil)

const storeSchema = `
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	room_key  BLOB NOT NULL,
	event_key BLOB NOT NULL,
	origin_ts INTEGER NOT NULL,
	record    BLOB NOT NULL,
	PRIMARY KEY (room_key, event_key)
);

CREATE INDEX IF NOT EXISTS idx_events_room_ts ON events(room_key, origin_ts);

CREATE TABLE IF NOT EXISTS rooms (
	room_key   BLOB PRIMARY KEY,
	back_token BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	token BLOB NOT NULL
);
`

// Open creates or opens a timeline cache. The database file is created
// if it does not exist; an existing database is verified against the
// master key and Open fails with [ErrWrongKey] on a mismatch. The
// caller must call Close when the store is no longer needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		if cfg.Key != nil {
			cfg.Key.Close()
		}
		return nil, fmt.Errorf("store: Path is required")
	}

	keys, err := newKeySet(cfg.Key)
	if err != nil {
		if cfg.Key != nil {
			cfg.Key.Close()
		}
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{
		pool:        pool,
		keys:        keys,
		compression: cfg.Compression,
		logger:      logger,
	}

	if err := s.verifyKey(context.Background()); err != nil {
		pool.Close()
		keys.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the connection pool and zeroes the key material. Blocks
// until all borrowed connections are returned.
func (s *Store) Close() error {
	poolErr := s.pool.Close()
	keysErr := s.keys.Close()
	if poolErr != nil {
		return poolErr
	}
	return keysErr
}

// verifyKey authenticates the key-check probe in the meta table,
// writing one on first open. A database written under a different
// master key fails here rather than producing per-row garbage later.
func (s *Store) verifyKey(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: verify key: %w", err)
	}
	defer s.pool.Put(conn)

	checkKey, err := s.keys.checkKey()
	if err != nil {
		return fmt.Errorf("store: verify key: %w", err)
	}
	defer checkKey.Close()

	var sealed []byte
	err = sqlitex.Execute(conn, "SELECT value FROM meta WHERE name = 'check'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sealed = columnBlob(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: reading key check: %w", err)
	}

	if sealed != nil {
		if _, err := openRecord(sealed, checkKey, []byte("check")); err != nil {
			return ErrWrongKey
		}
		return nil
	}

	probe, err := sealRecord(checkProbe, checkKey, []byte("check"), CompressionNone)
	if err != nil {
		return fmt.Errorf("store: sealing key check: %w", err)
	}
	err = sqlitex.Execute(conn, "INSERT OR IGNORE INTO meta (name, value) VALUES ('check', ?)", &sqlitex.ExecOptions{
		Args: []any{probe},
	})
	if err != nil {
		return fmt.Errorf("store: writing key check: %w", err)
	}
	return nil
}

// LoadRecent returns up to limit cached events for the room in
// chronological order, plus the backward pagination token matching the
// oldest of them. When the cache holds more events than limit, the
// newest limit events are returned with an empty token: the stored
// token belongs to an older boundary, and an empty token makes
// backward pagination restart from the live edge, where deduplication
// absorbs the overlap. A non-positive limit uses a default of 50.
func (s *Store) LoadRecent(ctx context.Context, room ref.RoomID, limit int) ([]messaging.Event, string, error) {
	if limit <= 0 {
		limit = defaultLoadLimit
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("store: load recent: %w", err)
	}
	defer s.pool.Put(conn)

	recordKey, err := s.keys.recordKey(room)
	if err != nil {
		return nil, "", fmt.Errorf("store: load recent: %w", err)
	}
	defer recordKey.Close()

	roomKey := s.keys.roomKey(room)

	type row struct {
		eventKey []byte
		record   []byte
	}
	var rows []row
	err = sqlitex.Execute(conn,
		"SELECT event_key, record FROM events WHERE room_key = ? ORDER BY origin_ts DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{roomKey, limit + 1},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, row{
					eventKey: columnBlob(stmt, 0),
					record:   columnBlob(stmt, 1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, "", fmt.Errorf("store: load recent: %w", err)
	}

	truncated := len(rows) > limit
	if truncated {
		rows = rows[:limit]
	}

	events := make([]messaging.Event, 0, len(rows))
	for _, r := range rows {
		plaintext, err := openRecord(r.record, recordKey, bindRecord(roomKey, r.eventKey))
		if err != nil {
			// One unreadable row poisons the whole load: skipping it
			// would hand the caller a range with an invisible gap.
			return nil, "", fmt.Errorf("store: load recent: opening cached record: %w", err)
		}
		var event messaging.Event
		if err := codec.Unmarshal(plaintext, &event); err != nil {
			return nil, "", fmt.Errorf("store: load recent: decoding cached record: %w", err)
		}
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].OriginServerTS != events[j].OriginServerTS {
			return events[i].OriginServerTS < events[j].OriginServerTS
		}
		return events[i].EventID.Compare(events[j].EventID) < 0
	})

	if truncated {
		return events, "", nil
	}

	token, err := s.loadBackToken(conn, roomKey)
	if err != nil {
		return nil, "", err
	}
	return events, token, nil
}

// InsertEvents caches a batch of events for the room with replace-into
// semantics: re-inserting an event overwrites its record, so the cache
// carries the latest server view (redactions, bundled aggregations).
// Events without an event ID are skipped — they cannot be addressed.
func (s *Store) InsertEvents(ctx context.Context, room ref.RoomID, events []messaging.Event) error {
	if len(events) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert events: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: insert events: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	recordKey, err := s.keys.recordKey(room)
	if err != nil {
		return fmt.Errorf("store: insert events: %w", err)
	}
	defer recordKey.Close()

	roomKey := s.keys.roomKey(room)

	for i := range events {
		event := &events[i]
		if event.EventID.IsZero() {
			s.logger.Debug("skipping cache insert for event without ID", "room", room)
			continue
		}
		// Assigns the outer err so a failure rolls the transaction
		// back.
		if err = s.insertEvent(conn, recordKey, roomKey, event); err != nil {
			return err
		}
	}

	return nil
}

// insertEvent seals and writes a single event row.
func (s *Store) insertEvent(conn *sqlite.Conn, recordKey *secret.Buffer, roomKey []byte, event *messaging.Event) error {
	plaintext, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: encoding event %s: %w", event.EventID, err)
	}

	eventKey := s.keys.eventKey(event.EventID)
	sealed, err := sealRecord(plaintext, recordKey, bindRecord(roomKey, eventKey), s.compression)
	if err != nil {
		return fmt.Errorf("store: sealing event %s: %w", event.EventID, err)
	}

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO events (room_key, event_key, origin_ts, record) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{roomKey, eventKey, event.OriginServerTS, sealed},
		})
	if err != nil {
		return fmt.Errorf("store: inserting event %s: %w", event.EventID, err)
	}
	return nil
}

// SetBackwardToken records the pagination token matching the oldest
// cached event for the room.
func (s *Store) SetBackwardToken(ctx context.Context, room ref.RoomID, token string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set backward token: %w", err)
	}
	defer s.pool.Put(conn)

	tokenKey, err := s.keys.tokenKey()
	if err != nil {
		return fmt.Errorf("store: set backward token: %w", err)
	}
	defer tokenKey.Close()

	roomKey := s.keys.roomKey(room)
	sealed, err := sealRecord([]byte(token), tokenKey, roomKey, CompressionNone)
	if err != nil {
		return fmt.Errorf("store: sealing backward token: %w", err)
	}

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO rooms (room_key, back_token) VALUES (?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{roomKey, sealed},
		})
	if err != nil {
		return fmt.Errorf("store: set backward token: %w", err)
	}
	return nil
}

// Clear drops the room's cached events and backward token. The sync
// token is untouched — it belongs to the account, not the room.
func (s *Store) Clear(ctx context.Context, room ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: clear: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	roomKey := s.keys.roomKey(room)
	err = sqlitex.Execute(conn, "DELETE FROM events WHERE room_key = ?", &sqlitex.ExecOptions{
		Args: []any{roomKey},
	})
	if err != nil {
		return fmt.Errorf("store: clearing events: %w", err)
	}
	err = sqlitex.Execute(conn, "DELETE FROM rooms WHERE room_key = ?", &sqlitex.ExecOptions{
		Args: []any{roomKey},
	})
	if err != nil {
		return fmt.Errorf("store: clearing backward token: %w", err)
	}
	return nil
}

// SaveSyncToken records the account-wide sync position.
func (s *Store) SaveSyncToken(ctx context.Context, token string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save sync token: %w", err)
	}
	defer s.pool.Put(conn)

	tokenKey, err := s.keys.tokenKey()
	if err != nil {
		return fmt.Errorf("store: save sync token: %w", err)
	}
	defer tokenKey.Close()

	sealed, err := sealRecord([]byte(token), tokenKey, []byte("sync"), CompressionNone)
	if err != nil {
		return fmt.Errorf("store: sealing sync token: %w", err)
	}

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO sync_state (id, token) VALUES (1, ?)",
		&sqlitex.ExecOptions{
			Args: []any{sealed},
		})
	if err != nil {
		return fmt.Errorf("store: save sync token: %w", err)
	}
	return nil
}

// LoadSyncToken returns the saved sync position, or "" when none has
// been saved.
func (s *Store) LoadSyncToken(ctx context.Context) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("store: load sync token: %w", err)
	}
	defer s.pool.Put(conn)

	var sealed []byte
	err = sqlitex.Execute(conn, "SELECT token FROM sync_state WHERE id = 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sealed = columnBlob(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: load sync token: %w", err)
	}
	if sealed == nil {
		return "", nil
	}

	tokenKey, err := s.keys.tokenKey()
	if err != nil {
		return "", fmt.Errorf("store: load sync token: %w", err)
	}
	defer tokenKey.Close()

	plaintext, err := openRecord(sealed, tokenKey, []byte("sync"))
	if err != nil {
		return "", fmt.Errorf("store: opening sync token: %w", err)
	}
	return string(plaintext), nil
}

// Stats reports cache size counters for diagnostics.
type Stats struct {
	// Events is the total cached event count across all rooms.
	Events int64

	// Rooms is the number of rooms with a cached backward token.
	Rooms int64

	// DatabaseSizeBytes is the SQLite file size (page count times page
	// size).
	DatabaseSizeBytes int64
}

// Stats returns current cache statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Events = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: counting events: %w", err)
	}
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM rooms", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Rooms = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: counting rooms: %w", err)
	}
	err = sqlitex.Execute(conn,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.DatabaseSizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: database size: %w", err)
	}
	return stats, nil
}

// loadBackToken reads and opens the room's backward token. Missing row
// means no token is known.
func (s *Store) loadBackToken(conn *sqlite.Conn, roomKey []byte) (string, error) {
	var sealed []byte
	err := sqlitex.Execute(conn, "SELECT back_token FROM rooms WHERE room_key = ?", &sqlitex.ExecOptions{
		Args: []any{roomKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sealed = columnBlob(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: loading backward token: %w", err)
	}
	if sealed == nil {
		return "", nil
	}

	tokenKey, err := s.keys.tokenKey()
	if err != nil {
		return "", fmt.Errorf("store: loading backward token: %w", err)
	}
	defer tokenKey.Close()

	plaintext, err := openRecord(sealed, tokenKey, roomKey)
	if err != nil {
		return "", fmt.Errorf("store: opening backward token: %w", err)
	}
	return string(plaintext), nil
}

// bindRecord builds the row binding for an event record: the room key
// followed by the event key, tying the ciphertext to its exact row.
func bindRecord(roomKey, eventKey []byte) []byte {
	binding := make([]byte, 0, len(roomKey)+len(eventKey))
	binding = append(binding, roomKey...)
	binding = append(binding, eventKey...)
	return binding
}

// columnBlob copies a BLOB column out of the statement. Returns nil
// for NULL.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
