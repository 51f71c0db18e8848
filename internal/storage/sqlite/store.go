package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentwire/bridge/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the bridge database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			target TEXT NOT NULL,
			session_type TEXT NOT NULL,
			conversation_id TEXT,
			created_at TIMESTAMP NOT NULL,
			last_used TIMESTAMP NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS call_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			caller_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			target TEXT,
			priority TEXT NOT NULL DEFAULT 'normal',
			request_summary TEXT,
			response_summary TEXT,
			latency_ms REAL,
			cost_usd REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL,
			error TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			webhook_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_caller ON call_records(caller_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_ts ON call_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(status) WHERE status = 'pending'`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// UpsertSession is a single atomic create-or-bump. The conversation
// handle is only written on first insert; the conflict branch leaves it
// untouched so concurrent resolves can never allocate two handles.
func (s *Store) UpsertSession(ctx context.Context, sess *storage.Session) error {
	now := time.Now().UTC()

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO sessions (id, caller_id, target, session_type, conversation_id, created_at, last_used, message_count, metadata)
	          VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              last_used = excluded.last_used,
	              message_count = sessions.message_count + 1`

	var handle any
	if sess.ConversationID != "" {
		handle = sess.ConversationID
	}

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.CallerID, sess.Target, sess.SessionType, handle,
		now, now, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	query := `SELECT id, caller_id, target, session_type, conversation_id, created_at, last_used, message_count, metadata
	          FROM sessions WHERE id = ?`

	var sess storage.Session
	var handle, metadataJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.CallerID, &sess.Target, &sess.SessionType,
		&handle, &sess.CreatedAt, &sess.LastUsed, &sess.MessageCount, &metadataJSON)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if handle.Valid {
		sess.ConversationID = handle.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &sess, nil
}

func (s *Store) SetConversationHandle(ctx context.Context, id, handle string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET conversation_id = ? WHERE id = ? AND conversation_id IS NULL`,
		handle, id)
	if err != nil {
		return fmt.Errorf("failed to set conversation handle: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]*storage.Session, error) {
	if limit == 0 {
		limit = 50
	}

	query := `SELECT id, caller_id, target, session_type, conversation_id, created_at, last_used, message_count, metadata
	          FROM sessions ORDER BY last_used DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*storage.Session
	for rows.Next() {
		var sess storage.Session
		var handle, metadataJSON sql.NullString

		if err := rows.Scan(&sess.ID, &sess.CallerID, &sess.Target, &sess.SessionType,
			&handle, &sess.CreatedAt, &sess.LastUsed, &sess.MessageCount, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		if handle.Valid {
			sess.ConversationID = handle.String
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

func (s *Store) InsertCallRecord(ctx context.Context, rec *storage.CallRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO call_records
	          (timestamp, caller_id, endpoint, target, priority, request_summary,
	           response_summary, latency_ms, cost_usd, success, error, metadata)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		rec.Timestamp, rec.CallerID, rec.Endpoint, rec.Target, rec.Priority,
		rec.RequestSummary, rec.ResponseSummary, rec.LatencyMS, rec.CostUSD,
		rec.Success, rec.Error, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to insert call record: %w", err)
	}

	return nil
}

func (s *Store) CountCallRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count call records: %w", err)
	}
	return count, nil
}

func (s *Store) CallerStatsSince(ctx context.Context, since time.Time) ([]storage.CallerStats, error) {
	query := `SELECT caller_id,
	                 COUNT(*),
	                 COALESCE(SUM(cost_usd), 0),
	                 COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
	          FROM call_records
	          WHERE timestamp > ?
	          GROUP BY caller_id
	          ORDER BY COUNT(*) DESC`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query caller stats: %w", err)
	}
	defer rows.Close()

	var stats []storage.CallerStats
	for rows.Next() {
		var cs storage.CallerStats
		if err := rows.Scan(&cs.CallerID, &cs.Calls, &cs.TotalCost, &cs.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan caller stats: %w", err)
		}
		stats = append(stats, cs)
	}

	return stats, rows.Err()
}

func (s *Store) TotalsSince(ctx context.Context, since time.Time) (storage.Totals, error) {
	var t storage.Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost_usd), 0) FROM call_records WHERE timestamp > ?`,
		since).Scan(&t.TotalCalls, &t.TotalCost)
	if err != nil {
		return t, fmt.Errorf("failed to query totals: %w", err)
	}
	return t, nil
}

func (s *Store) EnqueueEvent(ctx context.Context, ev *storage.OutboxEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `INSERT INTO outbox_events (event_type, source, payload, webhook_url, status, created_at)
	          VALUES (?, ?, ?, ?, 'pending', ?)`

	result, err := s.db.ExecContext(ctx, query,
		ev.EventType, ev.Source, string(payload), ev.WebhookURL, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		ev.ID = id
	}
	ev.Status = storage.EventPending

	return nil
}

// PendingEvents returns up to limit pending events with attempts below
// the ceiling, oldest first.
func (s *Store) PendingEvents(ctx context.Context, maxAttempts, limit int) ([]*storage.OutboxEvent, error) {
	query := `SELECT id, event_type, source, payload, webhook_url, status, attempts, last_error, created_at, delivered_at
	          FROM outbox_events
	          WHERE status = 'pending' AND attempts < ?
	          ORDER BY created_at
	          LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListPending returns pending events regardless of attempt count, for
// the introspection endpoint.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*storage.OutboxEvent, error) {
	if limit == 0 {
		limit = 50
	}

	query := `SELECT id, event_type, source, payload, webhook_url, status, attempts, last_error, created_at, delivered_at
	          FROM outbox_events
	          WHERE status = 'pending'
	          ORDER BY created_at
	          LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*storage.OutboxEvent, error) {
	var events []*storage.OutboxEvent
	for rows.Next() {
		var ev storage.OutboxEvent
		var payload string
		var lastError sql.NullString
		var deliveredAt sql.NullTime

		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Source, &payload, &ev.WebhookURL,
			&ev.Status, &ev.Attempts, &lastError, &ev.CreatedAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Payload = json.RawMessage(payload)
		if lastError.Valid {
			ev.LastError = lastError.String
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			ev.DeliveredAt = &t
		}

		events = append(events, &ev)
	}

	return events, rows.Err()
}

// MarkDelivered is a no-op for events that already left the pending
// state, so a delivered event can never be re-delivered.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'delivered', delivered_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event delivered: %w", err)
	}
	return nil
}

func (s *Store) RecordDeliveryError(ctx context.Context, id int64, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg, id)
	if err != nil {
		return fmt.Errorf("failed to record delivery error: %w", err)
	}
	return nil
}

// SweepExhausted marks pending events whose attempts reached the ceiling
// as permanently failed. Returns the number of events swept.
func (s *Store) SweepExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'failed' WHERE status = 'pending' AND attempts >= ?`,
		maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep exhausted events: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) PurgeDelivered(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE status = 'delivered'`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge delivered events: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
