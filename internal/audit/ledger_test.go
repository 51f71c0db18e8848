package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentwire/bridge/internal/policy"
	"github.com/agentwire/bridge/internal/storage"
	"github.com/agentwire/bridge/internal/storage/sqlite"
)

// failingStore simulates a durable-store outage for audit writes.
type failingStore struct {
	storage.Store
}

func (f *failingStore) InsertCallRecord(ctx context.Context, rec *storage.CallRecord) error {
	return errors.New("database is down")
}

func testSource(jsonlPath string) policy.Source {
	doc := policy.DefaultDocument()
	doc.Audit.LogToJSONL = true
	doc.Audit.JSONLPath = jsonlPath
	return &policy.Static{Doc: doc}
}

func TestRecord_WritesToStore(t *testing.T) {
	store, err := sqlite.New("file:memdb_audit_ledger1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	defer store.Close()

	ledger := NewLedger(store, testSource(""), nil)
	ledger.Record(context.Background(), &storage.CallRecord{
		CallerID: "scout",
		Endpoint: "/ask/assistant",
		Priority: "normal",
		Success:  true,
	})

	count, err := store.CountCallRecords(context.Background())
	if err != nil {
		t.Fatalf("CountCallRecords() error = %v", err)
	}
	if count != 1 {
		t.Errorf("record count = %d, want 1", count)
	}
}

func TestRecord_TruncatesSummaries(t *testing.T) {
	store, err := sqlite.New("file:memdb_audit_ledger2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	defer store.Close()

	ledger := NewLedger(store, testSource(""), nil)
	rec := &storage.CallRecord{
		CallerID:        "scout",
		Endpoint:        "/ask/assistant",
		Priority:        "normal",
		RequestSummary:  strings.Repeat("a", 2000),
		ResponseSummary: strings.Repeat("b", 2000),
		Success:         true,
	}
	ledger.Record(context.Background(), rec)

	if len(rec.RequestSummary) != 500 {
		t.Errorf("request summary length = %d, want 500", len(rec.RequestSummary))
	}
	if len(rec.ResponseSummary) != 500 {
		t.Errorf("response summary length = %d, want 500", len(rec.ResponseSummary))
	}
}

func TestRecord_FallsBackToJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "bridge_audit.jsonl")

	ledger := NewLedger(&failingStore{}, testSource(path), nil)
	ledger.Record(context.Background(), &storage.CallRecord{
		CallerID:  "scout",
		Endpoint:  "/ask/assistant",
		Priority:  "normal",
		Success:   false,
		Error:     "policy denied",
		Timestamp: time.Now().UTC(),
	})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("JSONL mirror not written: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("JSONL mirror is empty")
	}
	var rec storage.CallRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("JSONL line is not valid JSON: %v", err)
	}
	if rec.CallerID != "scout" || rec.Error != "policy denied" {
		t.Errorf("unexpected mirrored record: %+v", rec)
	}
}

func TestRecord_NeverPanicsWhenEverythingFails(t *testing.T) {
	// Store down and mirror disabled: Record must still return quietly.
	doc := policy.DefaultDocument()
	doc.Audit.LogToJSONL = false
	ledger := NewLedger(&failingStore{}, &policy.Static{Doc: doc}, nil)

	ledger.Record(context.Background(), &storage.CallRecord{
		CallerID: "scout",
		Endpoint: "/ask/assistant",
	})
}
