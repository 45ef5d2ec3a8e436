// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/lib/secret"
)

// Session is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
// Sessions are lightweight and safe to create in large numbers.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked against
// swap, excluded from core dumps). The caller must call Close when the Session
// is no longer needed.
type Session struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@alice:example.org").
func (s *Session) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session. Zero when the
// session was created from a bare token and WhoAmI has not been called.
func (s *Session) DeviceID() ref.DeviceID {
	return s.deviceID
}

// AccessToken returns the access token as a heap string. This creates a brief
// copy from the mmap-backed buffer — use only at API boundaries that require
// a string (e.g., writing a session cache). Prefer passing the Session
// itself when possible.
func (s *Session) AccessToken() string {
	return s.accessToken.String()
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent — safe to call multiple times.
func (s *Session) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID. It also
// backfills the session's device ID when the session was created from
// a bare token. Useful for checking whether a stored token is still valid.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	if s.deviceID.IsZero() {
		s.deviceID = response.DeviceID
	}
	return response.UserID, nil
}

// Sync performs an incremental sync with the homeserver.
// For initial sync, leave options.Since empty.
// For long-polling, set options.Timeout to the desired wait in milliseconds.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	path := "/_matrix/client/v3/sync"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// RoomMessages fetches messages from a room with pagination.
func (s *Session) RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(roomID.String()))

	query := url.Values{}
	if options.From != "" {
		query.Set("from", options.From)
	}
	direction := options.Direction
	if direction == "" {
		direction = "b" // backward (newest first) by default
	}
	query.Set("dir", direction)
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: room messages for %q failed: %w", roomID, err)
	}

	var response RoomMessagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse messages response: %w", err)
	}
	return &response, nil
}

// RoomContext fetches an event together with the timeline surrounding
// it: up to Limit events split across before and after, plus tokens to
// paginate further in either direction. This is how a timeline focuses
// on a permalinked event that may be far outside the live window.
func (s *Session) RoomContext(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, options ContextOptions) (*ContextResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/context/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
	)

	query := url.Values{}
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: context for %q in %q failed: %w", eventID, roomID, err)
	}

	var response ContextResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse context response: %w", err)
	}
	return &response, nil
}

// RoomRelations fetches events related to rootID, optionally filtered
// by relation type (e.g., RelThread for thread replies). Pass an empty
// relType for all relations.
func (s *Session) RoomRelations(ctx context.Context, roomID ref.RoomID, rootID ref.EventID, relType string, options RelationsOptions) (*RelationsResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/relations/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(rootID.String()),
	)
	if relType != "" {
		path += "/" + url.PathEscape(relType)
	}

	query := url.Values{}
	if options.From != "" {
		query.Set("from", options.From)
	}
	if options.Direction != "" {
		query.Set("dir", options.Direction)
	}
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: relations of %q in %q failed: %w", rootID, roomID, err)
	}

	var response RelationsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse relations response: %w", err)
	}
	return &response, nil
}

// SendMessage sends an m.room.message event to a room. See SendEvent
// for transaction ID semantics.
func (s *Session) SendMessage(ctx context.Context, roomID ref.RoomID, transactionID ref.TxnID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, transactionID, content)
}

// SendEvent sends an event of any type to a room using Matrix's
// idempotent PUT. Retrying with the same transaction ID is safe: the
// homeserver deduplicates by (device, transaction ID) and returns the
// original event ID. Pass a zero transactionID to have the session
// mint a fresh one — callers that need to match the send against its
// echo on /sync (local echo confirmation) must mint the ID themselves
// with NewTransactionID and keep it.
//
// Returns the event ID assigned by the server.
func (s *Session) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, transactionID ref.TxnID, content any) (ref.EventID, error) {
	if transactionID.IsZero() {
		transactionID = s.NewTransactionID()
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID.String()),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// RedactEvent removes the content of an event. Like SendEvent, the PUT
// is idempotent under the transaction ID; pass zero to mint one.
// Returns the event ID of the redaction event.
func (s *Session) RedactEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, transactionID ref.TxnID, reason string) (ref.EventID, error) {
	if transactionID.IsZero() {
		transactionID = s.NewTransactionID()
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
		url.PathEscape(transactionID.String()),
	)

	requestBody := map[string]any{}
	if reason != "" {
		requestBody["reason"] = reason
	}

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, requestBody)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: redact %q in %q failed: %w", eventID, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse redact response: %w", err)
	}
	return response.EventID, nil
}

// SendReceipt acknowledges an event with a read receipt. receiptType
// is ReceiptRead (visible to other users) or ReceiptReadPrivate.
// threadID scopes the receipt: ThreadMain for the unthreaded timeline,
// a thread root event ID for a thread, or empty for an unscoped receipt.
func (s *Session) SendReceipt(ctx context.Context, roomID ref.RoomID, receiptType string, eventID ref.EventID, threadID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/receipt/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(receiptType),
		url.PathEscape(eventID.String()),
	)

	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, ReceiptRequest{ThreadID: threadID})
	if err != nil {
		return fmt.Errorf("messaging: receipt %s on %q in %q failed: %w", receiptType, eventID, roomID, err)
	}
	return nil
}

// SetReadMarkers updates the user's read markers in one call: the
// m.fully_read marker and optionally public/private read receipts.
func (s *Session) SetReadMarkers(ctx context.Context, roomID ref.RoomID, markers ReadMarkersRequest) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/read_markers", url.PathEscape(roomID.String()))

	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, markers)
	if err != nil {
		return fmt.Errorf("messaging: read markers in %q failed: %w", roomID, err)
	}
	return nil
}

// ResolveAlias resolves a room alias (e.g., "#general:example.org") to a room ID.
func (s *Session) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: resolve alias %q failed: %w", alias, err)
	}

	var response ResolveAliasResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse resolve alias response: %w", err)
	}
	return response.RoomID, nil
}

// JoinRoom joins a room by ID. Returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// NewTransactionID mints a transaction ID for idempotent event sending.
// Format: "loom-<timestamp_ms>-<counter>" to ensure uniqueness across
// restarts. Callers that match sends against their /sync echoes mint
// the ID here, remember it, and pass it to SendEvent.
func (s *Session) NewTransactionID() ref.TxnID {
	counter := s.transactionCounter.Add(1)
	return ref.MustParseTxnID(fmt.Sprintf("loom-%d-%d", time.Now().UnixMilli(), counter))
}
