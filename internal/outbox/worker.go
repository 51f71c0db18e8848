package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/agentwire/bridge/internal/storage"
)

// Envelope is the wire shape delivered to the automation engine.
type Envelope struct {
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Worker drains pending events on a fixed interval. One worker runs per
// process, so an event is attempted at most once per cycle.
type Worker struct {
	store       storage.Store
	client      *http.Client
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

func NewWorker(store storage.Store, interval, requestTimeout time.Duration, batchSize, maxAttempts int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:       store,
		client:      &http.Client{Timeout: requestTimeout},
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled, draining every interval. The
// in-progress cycle is bounded by per-request timeouts, so shutdown
// never leaves a row half-written.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox drain worker started",
		slog.Duration("interval", w.interval),
		slog.Int("batch_size", w.batchSize),
		slog.Int("max_attempts", w.maxAttempts))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox drain worker stopped")
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce runs one delivery cycle: fetch a batch of eligible events
// oldest first, POST each envelope, then sweep exhausted events to
// failed. A transport-level failure circuit-breaks the remainder of the
// batch; the untouched events stay pending for the next cycle.
func (w *Worker) DrainOnce(ctx context.Context) {
	events, err := w.store.PendingEvents(ctx, w.maxAttempts, w.batchSize)
	if err != nil {
		w.logger.Error("outbox fetch failed", slog.String("error", err.Error()))
		return
	}

batch:
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}

		status, err := w.deliver(ctx, ev)
		switch {
		case err != nil && isUnreachable(err):
			w.recordError(ctx, ev.ID, "engine unreachable")
			w.logger.Warn("engine unreachable, circuit-breaking batch",
				slog.Int64("id", ev.ID),
				slog.String("url", ev.WebhookURL))
			// Don't spend the rest of the batch budget hammering a dead
			// endpoint.
			break batch

		case err != nil:
			w.recordError(ctx, ev.ID, err.Error())

		case status >= 400:
			w.recordError(ctx, ev.ID, fmt.Sprintf("HTTP %d", status))

		default:
			if err := w.store.MarkDelivered(ctx, ev.ID); err != nil {
				w.logger.Error("cannot mark event delivered",
					slog.Int64("id", ev.ID),
					slog.String("error", err.Error()))
				continue
			}
			w.logger.Debug("event delivered",
				slog.Int64("id", ev.ID),
				slog.String("event_type", ev.EventType))
		}
	}

	swept, err := w.store.SweepExhausted(ctx, w.maxAttempts)
	if err != nil {
		w.logger.Error("outbox sweep failed", slog.String("error", err.Error()))
		return
	}
	if swept > 0 {
		w.logger.Warn("events marked permanently failed", slog.Int64("count", swept))
	}
}

func (w *Worker) deliver(ctx context.Context, ev *storage.OutboxEvent) (int, error) {
	envelope := Envelope{
		EventType: ev.EventType,
		Source:    ev.Source,
		Payload:   ev.Payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func (w *Worker) recordError(ctx context.Context, id int64, msg string) {
	if err := w.store.RecordDeliveryError(ctx, id, msg); err != nil {
		w.logger.Error("cannot record delivery error",
			slog.Int64("id", id),
			slog.String("error", err.Error()))
	}
}

// isUnreachable distinguishes connection failures (refused, DNS, reset)
// from per-request timeouts. Only the former circuit-break the batch; a
// slow endpoint still gets a try per event.
func isUnreachable(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !urlErr.Timeout()
	}
	return false
}
