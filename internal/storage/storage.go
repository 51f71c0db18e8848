// Package storage defines the durable records the bridge keeps: mediated
// sessions, the append-only audit ledger, and the event outbox.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Outbox event statuses. Transitions are monotone: pending → delivered
// or pending → failed, both terminal.
const (
	EventPending   = "pending"
	EventDelivered = "delivered"
	EventFailed    = "failed"
)

// Session types. Assistant sessions carry an external conversation
// handle so the CLI can resume multi-turn context.
const (
	SessionAssistant = "assistant"
	SessionAgent     = "agent"
)

// Session is a durable conversation record keyed by a deterministic
// (caller, target, purpose) derivation.
type Session struct {
	ID             string         `json:"id"`
	CallerID       string         `json:"caller_id"`
	Target         string         `json:"target"`
	SessionType    string         `json:"session_type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastUsed       time.Time      `json:"last_used"`
	MessageCount   int            `json:"message_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CallRecord is one immutable audit ledger entry. Written exactly once
// per mediated call, never updated.
type CallRecord struct {
	CallerID        string         `json:"caller_id"`
	Endpoint        string         `json:"endpoint"`
	Target          string         `json:"target,omitempty"`
	Priority        string         `json:"priority"`
	RequestSummary  string         `json:"request_summary,omitempty"`
	ResponseSummary string         `json:"response_summary,omitempty"`
	LatencyMS       float64        `json:"latency_ms"`
	CostUSD         float64        `json:"cost_usd"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// OutboxEvent is a queued notification awaiting delivery to the
// automation engine. The destination URL is resolved once at enqueue
// time and never re-resolved on retry.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	EventType   string          `json:"event_type"`
	Source      string          `json:"source"`
	Payload     json.RawMessage `json:"payload"`
	WebhookURL  string          `json:"webhook_url"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// CallerStats is a per-caller aggregate over a window of the ledger.
type CallerStats struct {
	CallerID  string  `json:"caller_id"`
	Calls     int     `json:"calls"`
	TotalCost float64 `json:"total_cost"`
	Errors    int     `json:"errors"`
}

// Totals is an aggregate over the whole ledger window.
type Totals struct {
	TotalCalls int     `json:"total_calls"`
	TotalCost  float64 `json:"total_cost"`
}

// Store is the durable backing for sessions, the audit ledger and the
// event outbox.
type Store interface {
	// UpsertSession creates the session if absent (with the supplied
	// conversation handle) or bumps last_used and message_count if it
	// already exists. The upsert is atomic: concurrent resolves for the
	// same key never allocate two handles.
	UpsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetConversationHandle(ctx context.Context, id, handle string) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	InsertCallRecord(ctx context.Context, rec *CallRecord) error
	CountCallRecords(ctx context.Context) (int64, error)
	CallerStatsSince(ctx context.Context, since time.Time) ([]CallerStats, error)
	TotalsSince(ctx context.Context, since time.Time) (Totals, error)

	EnqueueEvent(ctx context.Context, ev *OutboxEvent) error
	PendingEvents(ctx context.Context, maxAttempts, limit int) ([]*OutboxEvent, error)
	ListPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkDelivered(ctx context.Context, id int64) error
	RecordDeliveryError(ctx context.Context, id int64, msg string) error
	SweepExhausted(ctx context.Context, maxAttempts int) (int64, error)
	PurgeDelivered(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
