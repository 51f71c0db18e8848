// Package retention schedules cleanup of delivered outbox events.
// Audit records are never pruned here; the ledger is append-only.
package retention

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/agentwire/bridge/internal/storage"
)

// Job purges delivered outbox events on a cron schedule.
type Job struct {
	store  storage.Store
	cron   *cron.Cron
	logger *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		store:  store,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the purge under the given cron expression and starts
// the scheduler. An empty expression disables retention entirely.
func (j *Job) Start(spec string) error {
	if spec == "" {
		j.logger.Info("outbox retention disabled")
		return nil
	}
	if _, err := j.cron.AddFunc(spec, j.purge); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	j.cron.Start()
	j.logger.Info("outbox retention scheduled", slog.String("spec", spec))
	return nil
}

// Stop halts the scheduler. A purge already in flight runs to
// completion.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Job) purge() {
	deleted, err := j.store.PurgeDelivered(context.Background())
	if err != nil {
		j.logger.Error("outbox retention purge failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		j.logger.Info("purged delivered events", slog.Int64("deleted", deleted))
	}
}
