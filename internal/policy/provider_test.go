package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestProvider_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	initial := `
global:
  calls_per_hour: 30
callers:
  scout:
    calls_per_hour: 10
    priorities: [low, normal, high]
`
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProvider(path, slog.Default())
	if _, err := p.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	doc := p.Current()
	if doc.Global.CallsPerHour != 30 {
		t.Errorf("global limit = %d, want 30", doc.Global.CallsPerHour)
	}
	if doc.CallerLimits("scout").CallsPerHour != 10 {
		t.Errorf("scout limit = %d, want 10", doc.CallerLimits("scout").CallsPerHour)
	}
	// Fields absent from the file keep defaults.
	if doc.QuietHours.StartHour != 23 {
		t.Errorf("quiet start = %d, want default 23", doc.QuietHours.StartHour)
	}

	updated := `
global:
  calls_per_hour: 90
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Load(); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if p.Current().Global.CallsPerHour != 90 {
		t.Errorf("reloaded global limit = %d, want 90", p.Current().Global.CallsPerHour)
	}
}

func TestProvider_MissingFileKeepsDefaults(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "absent.yaml"), slog.Default())

	if _, err := p.Load(); err == nil {
		t.Fatal("expected error for missing file")
	}

	doc := p.Current()
	if doc.Global.CallsPerHour != 60 {
		t.Errorf("defaults not preserved: global = %d", doc.Global.CallsPerHour)
	}
}

func TestProvider_MalformedFileKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("global:\n  calls_per_hour: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProvider(path, slog.Default())
	if _, err := p.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("{not yaml: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	p.Load()

	if p.Current().Global.CallsPerHour != 42 {
		t.Errorf("malformed reload clobbered document: global = %d", p.Current().Global.CallsPerHour)
	}
}
