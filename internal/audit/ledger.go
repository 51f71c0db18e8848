// Package audit appends one immutable record per mediated call.
// Recording is fire-and-forget: a storage outage degrades observability,
// never the caller's request.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentwire/bridge/internal/policy"
	"github.com/agentwire/bridge/internal/storage"
)

const summaryLimit = 500

// Ledger writes call records to the durable store, mirroring to a local
// JSONL file when the store write fails (and the policy enables it).
type Ledger struct {
	store  storage.Store
	source policy.Source
	logger *slog.Logger

	mu sync.Mutex // serializes JSONL appends
}

func NewLedger(store storage.Store, source policy.Source, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, source: source, logger: logger}
}

// Record persists rec. It never returns an error: failures are logged
// and, when configured, the record is appended to the JSONL mirror so
// audit data survives a store outage.
func (l *Ledger) Record(ctx context.Context, rec *storage.CallRecord) {
	rec.RequestSummary = truncate(rec.RequestSummary, summaryLimit)
	rec.ResponseSummary = truncate(rec.ResponseSummary, summaryLimit)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := l.store.InsertCallRecord(ctx, rec); err == nil {
		return
	} else {
		l.logger.Error("audit store write failed",
			slog.String("caller_id", rec.CallerID),
			slog.String("endpoint", rec.Endpoint),
			slog.String("error", err.Error()))
	}

	ap := l.source.Current().Audit
	if !ap.LogToJSONL || ap.JSONLPath == "" {
		return
	}
	if err := l.appendJSONL(ap.JSONLPath, rec); err != nil {
		l.logger.Error("audit JSONL mirror write failed",
			slog.String("path", ap.JSONLPath),
			slog.String("error", err.Error()))
	}
}

func (l *Ledger) appendJSONL(path string, rec *storage.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
