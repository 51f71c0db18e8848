package retention

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentwire/bridge/internal/storage"
	"github.com/agentwire/bridge/internal/storage/sqlite"
)

func newStore(t *testing.T, name string) storage.Store {
	t.Helper()
	store, err := sqlite.New("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStart_EmptySpecDisables(t *testing.T) {
	j := New(newStore(t, "memdb_ret1"), nil)
	if err := j.Start(""); err != nil {
		t.Errorf("Start(\"\") error = %v", err)
	}
}

func TestStart_RejectsBadSpec(t *testing.T) {
	j := New(newStore(t, "memdb_ret2"), nil)
	if err := j.Start("not a cron expression"); err == nil {
		t.Error("Start() accepted a malformed schedule")
	}
}

// countingStore observes how often the job invokes the purge.
type countingStore struct {
	storage.Store
	purges atomic.Int32
}

func (c *countingStore) PurgeDelivered(ctx context.Context) (int64, error) {
	c.purges.Add(1)
	return c.Store.PurgeDelivered(ctx)
}

func TestScheduledPurgeRemovesDelivered(t *testing.T) {
	inner := newStore(t, "memdb_ret3")
	store := &countingStore{Store: inner}
	ctx := context.Background()

	ev := &storage.OutboxEvent{
		EventType:  "task.created",
		Source:     "scout",
		Payload:    []byte(`{}`),
		WebhookURL: "http://localhost:5678/webhook/bridge-events",
	}
	if err := store.EnqueueEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkDelivered(ctx, ev.ID); err != nil {
		t.Fatal(err)
	}

	j := New(store, nil)
	if err := j.Start("@every 50ms"); err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if store.purges.Load() > 0 {
			// The job ran; the delivered row must be gone.
			if n, err := inner.PurgeDelivered(ctx); err != nil {
				t.Fatal(err)
			} else if n != 0 {
				t.Errorf("job ran but left %d delivered rows", n)
			}
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Error("purge never ran")
}

func TestPurgeDirect(t *testing.T) {
	store := newStore(t, "memdb_ret4")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &storage.OutboxEvent{
			EventType:  "task.created",
			Source:     "scout",
			Payload:    []byte(`{}`),
			WebhookURL: "http://localhost:5678/webhook/bridge-events",
		}
		if err := store.EnqueueEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if err := store.MarkDelivered(ctx, ev.ID); err != nil {
				t.Fatal(err)
			}
		}
	}

	j := New(store, nil)
	j.purge()

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("%d pending after purge, want the undelivered 1", len(pending))
	}
}
