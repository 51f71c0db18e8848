package session

import (
	"context"
	"sync"
	"testing"

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

func TestKey_Deterministic(t *testing.T) {
	a := Key("scout", "assistant", "general")
	b := Key("scout", "assistant", "general")
	if a != b {
		t.Errorf("Key not deterministic: %q != %q", a, b)
	}
	if a != "bridge-scout-assistant-general" {
		t.Errorf("unexpected key: %q", a)
	}
	if Key("scout", "assistant", "review") == a {
		t.Error("different purpose must derive a different key")
	}
}

func TestResolve_SameTripleSameHandle(t *testing.T) {
	store := newStore(t, "memdb_tracker1")
	tr := NewTracker(store, nil)
	ctx := context.Background()

	id1 := tr.Resolve(ctx, "scout", "assistant", storage.SessionAssistant, "general")
	handle1 := tr.Handle(ctx, id1)
	if handle1 == "" {
		t.Fatal("assistant session should mint a handle at creation")
	}

	id2 := tr.Resolve(ctx, "scout", "assistant", storage.SessionAssistant, "general")
	if id1 != id2 {
		t.Fatalf("resolve returned different ids: %q vs %q", id1, id2)
	}
	if handle2 := tr.Handle(ctx, id2); handle2 != handle1 {
		t.Errorf("handle changed across resolves: %q vs %q", handle1, handle2)
	}

	sess, err := store.GetSession(ctx, id1)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", sess.MessageCount)
	}
}

func TestResolve_AgentSessionHasNoHandle(t *testing.T) {
	store := newStore(t, "memdb_tracker2")
	tr := NewTracker(store, nil)
	ctx := context.Background()

	id := tr.Resolve(ctx, "scout", "researcher", storage.SessionAgent, "general")
	if h := tr.Handle(ctx, id); h != "" {
		t.Errorf("agent session should have no handle, got %q", h)
	}
}

func TestResolve_ConcurrentSingleHandle(t *testing.T) {
	store := newStore(t, "memdb_tracker3")
	tr := NewTracker(store, nil)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = tr.Resolve(ctx, "scout", "assistant", storage.SessionAssistant, "general")
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent resolves diverged: %q vs %q", ids[i], ids[0])
		}
	}

	sess, err := store.GetSession(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.ConversationID == "" {
		t.Fatal("no handle allocated")
	}
	if sess.MessageCount != workers {
		t.Errorf("MessageCount = %d, want %d", sess.MessageCount, workers)
	}
}

func TestEnsureHandle_MintsOnceForLegacyRecord(t *testing.T) {
	store := newStore(t, "memdb_tracker4")
	tr := NewTracker(store, nil)
	ctx := context.Background()

	// Simulate a record created before handle allocation existed.
	id := tr.Resolve(ctx, "scout", "researcher", storage.SessionAgent, "general")

	h1 := tr.EnsureHandle(ctx, id)
	if h1 == "" {
		t.Fatal("EnsureHandle returned empty handle")
	}
	h2 := tr.EnsureHandle(ctx, id)
	if h2 != h1 {
		t.Errorf("EnsureHandle minted twice: %q vs %q", h1, h2)
	}
}
