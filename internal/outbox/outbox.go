// Package outbox is the durable queue of notifications bound for the
// workflow-automation engine: best-effort producer, at-least-once
// background delivery.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/agentwire/bridge/internal/policy"
	"github.com/agentwire/bridge/internal/storage"
)

// Outbox is the producer side. Emit never blocks on network I/O and
// never fails the caller: notifications are best-effort relative to the
// primary call path.
type Outbox struct {
	store      storage.Store
	source     policy.Source
	engineBase string
	logger     *slog.Logger
}

func New(store storage.Store, source policy.Source, engineBase string, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		store:      store,
		source:     source,
		engineBase: strings.TrimRight(engineBase, "/"),
		logger:     logger,
	}
}

// Emit resolves the destination URL from the current policy document
// and writes a pending event. The URL is stored on the row so a later
// policy reload never retargets an in-flight event. A store outage is
// logged and the event dropped.
func (o *Outbox) Emit(ctx context.Context, eventType, source string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("cannot marshal event payload",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return
	}

	ev := &storage.OutboxEvent{
		EventType:  eventType,
		Source:     source,
		Payload:    body,
		WebhookURL: o.engineBase + o.source.Current().WebhookPath(eventType),
	}

	if err := o.store.EnqueueEvent(ctx, ev); err != nil {
		o.logger.Warn("cannot emit event, dropping",
			slog.String("event_type", eventType),
			slog.String("source", source),
			slog.String("error", err.Error()))
		return
	}

	o.logger.Debug("event queued",
		slog.Int64("id", ev.ID),
		slog.String("event_type", eventType),
		slog.String("source", source))
}
