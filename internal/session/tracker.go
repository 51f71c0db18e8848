// Package session maps (caller, target, purpose) triples to durable
// conversation records so multi-turn exchanges survive across calls.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentwire/bridge/internal/storage"
)

// Key derives the deterministic session id for a triple. Identical
// triples intentionally share one conversation.
func Key(callerID, target, purpose string) string {
	return fmt.Sprintf("bridge-%s-%s-%s", callerID, target, purpose)
}

// Tracker resolves and updates session records.
type Tracker struct {
	store  storage.Store
	logger *slog.Logger
}

func NewTracker(store storage.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Resolve returns the session id for the triple, creating the record if
// absent. Assistant sessions mint their conversation handle here, at
// creation time, so a crash before first use cannot produce two handles
// for the same session. The underlying write is an atomic upsert;
// concurrent resolves for the same triple converge on one record.
//
// A storage outage degrades rather than fails: the deterministic id is
// still returned so the call can proceed without continuity.
func (t *Tracker) Resolve(ctx context.Context, callerID, target, sessionType, purpose string) string {
	id := Key(callerID, target, purpose)

	sess := &storage.Session{
		ID:          id,
		CallerID:    callerID,
		Target:      target,
		SessionType: sessionType,
	}
	if sessionType == storage.SessionAssistant {
		sess.ConversationID = uuid.New().String()
	}

	if err := t.store.UpsertSession(ctx, sess); err != nil {
		t.logger.Error("session upsert failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}

	return id
}

// Handle returns the session's external conversation handle, or "" when
// the session has none (or the store is unavailable).
func (t *Tracker) Handle(ctx context.Context, sessionID string) string {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return ""
	}
	return sess.ConversationID
}

// EnsureHandle returns the session's handle, minting and persisting one
// if the record predates handle allocation. The store only accepts the
// new handle when none exists, so concurrent callers converge.
func (t *Tracker) EnsureHandle(ctx context.Context, sessionID string) string {
	if h := t.Handle(ctx, sessionID); h != "" {
		return h
	}

	minted := uuid.New().String()
	if err := t.store.SetConversationHandle(ctx, sessionID, minted); err != nil {
		t.logger.Error("failed to persist conversation handle",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return minted
	}

	// Re-read: a concurrent caller may have won the write.
	if h := t.Handle(ctx, sessionID); h != "" {
		return h
	}
	return minted
}
