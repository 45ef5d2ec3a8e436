// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// SyncSource is the long-poll endpoint RunLive drives the timeline
// from. messaging.Session implements it.
type SyncSource interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
}

const (
	// syncTimeout is the server-side long-poll duration.
	syncTimeout = 30 * time.Second

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// RunLive drives the timeline from the homeserver's sync stream until
// ctx is cancelled or the timeline closes. The sync is filtered to
// this one room: its timeline, its receipts, and its fully-read
// marker. Failures back off exponentially and the loop resumes from
// the last good position; with a Store configured the position also
// survives restarts.
func (t *Timeline) RunLive(ctx context.Context, source SyncSource) error {
	if !followsSync(t.cfg.Focus) {
		return ErrNotApplicable
	}
	since := ""
	if t.cfg.Store != nil {
		token, err := t.cfg.Store.LoadSyncToken(ctx)
		if err != nil {
			t.log.Warn("loading sync token failed", "error", err)
		} else {
			since = token
		}
	}
	filter := buildSyncFilter(t.cfg.Room, t.pageSize)
	backoff := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		options := messaging.SyncOptions{Since: since, Filter: filter}
		if since != "" {
			options.Timeout = int(syncTimeout / time.Millisecond)
			options.SetTimeout = true
		}
		resp, err := source.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			t.log.Warn("sync failed, backing off", "backoff", backoff, "error", err)
			select {
			case <-t.clk.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return nil
			}
			continue
		}
		backoff = 0
		if joined, ok := resp.Rooms.Join[t.cfg.Room]; ok {
			if since == "" {
				// An initial sync jumps to the newest events; anything
				// already loaded is separated from them by an unknown
				// span, exactly like a gappy incremental sync.
				joined.Timeline.Limited = true
			}
			if err := t.HandleSync(ctx, &joined); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
			t.persistSync(ctx, &joined)
		}
		since = resp.NextBatch
		if t.cfg.Store != nil {
			if err := t.cfg.Store.SaveSyncToken(ctx, resp.NextBatch); err != nil {
				t.log.Warn("saving sync token failed", "error", err)
			}
		}
	}
}

// persistSync mirrors a sync batch into the cache. A gap (and the
// initial sync, which RunLive marks as one) restarts the cache from
// this batch so it never spans an unknown hole.
func (t *Timeline) persistSync(ctx context.Context, joined *messaging.JoinedRoom) {
	store := t.cfg.Store
	if store == nil {
		return
	}
	section := joined.Timeline
	if section.Limited {
		if err := store.Clear(ctx, t.cfg.Room); err != nil {
			t.log.Warn("clearing timeline cache failed", "error", err)
			return
		}
		if err := store.SetBackwardToken(ctx, t.cfg.Room, section.PrevBatch); err != nil {
			t.log.Warn("caching backward token failed", "error", err)
		}
	}
	if len(section.Events) == 0 {
		return
	}
	if err := store.InsertEvents(ctx, t.cfg.Room, section.Events); err != nil {
		t.log.Warn("caching sync events failed", "error", err)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return backoffInitial
	}
	current *= 2
	if current > backoffMax {
		return backoffMax
	}
	return current
}

// Sync filter, inlined as JSON in the filter query parameter. Scoping
// the stream to one room keeps the long-poll cheap on accounts with
// many rooms.

type syncFilter struct {
	Room        syncRoomFilter  `json:"room"`
	Presence    syncTypesFilter `json:"presence"`
	AccountData syncTypesFilter `json:"account_data"`
}

type syncRoomFilter struct {
	Rooms       []ref.RoomID    `json:"rooms"`
	Timeline    syncEventFilter `json:"timeline"`
	Ephemeral   syncTypesFilter `json:"ephemeral"`
	AccountData syncTypesFilter `json:"account_data"`
}

type syncEventFilter struct {
	Limit int `json:"limit,omitempty"`
}

type syncTypesFilter struct {
	Types []string `json:"types"`
}

func buildSyncFilter(room ref.RoomID, limit int) string {
	filter := syncFilter{
		Room: syncRoomFilter{
			Rooms:       []ref.RoomID{room},
			Timeline:    syncEventFilter{Limit: limit},
			Ephemeral:   syncTypesFilter{Types: []string{string(messaging.EventTypeReceipt)}},
			AccountData: syncTypesFilter{Types: []string{string(messaging.EventTypeFullyRead)}},
		},
		Presence:    syncTypesFilter{Types: []string{}},
		AccountData: syncTypesFilter{Types: []string{}},
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return ""
	}
	return string(data)
}
