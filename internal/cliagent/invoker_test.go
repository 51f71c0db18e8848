package cliagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir so the
// invoker can be exercised without a real agent binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInvoke_ParsesNoisyOutput(t *testing.T) {
	bin := writeScript(t, `echo "[plugins] loading"
echo '{"result":"hello","cost_usd":0.02}'`)

	inv := NewInvoker(bin, 10*time.Second, nil)
	res, err := inv.Invoke(context.Background(), []string{"ignored"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("Text = %q, want hello", res.Text)
	}
	if res.CostUSD != 0.02 {
		t.Errorf("CostUSD = %v, want 0.02", res.CostUSD)
	}
}

func TestInvoke_NonZeroExit(t *testing.T) {
	bin := writeScript(t, `echo "something broke" >&2
exit 3`)

	inv := NewInvoker(bin, 10*time.Second, nil)
	_, err := inv.Invoke(context.Background(), nil)

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if invErr.Kind != KindProcess {
		t.Errorf("Kind = %v, want %v", invErr.Kind, KindProcess)
	}
	if !strings.Contains(invErr.Stderr, "something broke") {
		t.Errorf("stderr excerpt missing: %q", invErr.Stderr)
	}
}

func TestInvoke_StderrExcerptBounded(t *testing.T) {
	bin := writeScript(t, `i=0
while [ $i -lt 100 ]; do echo "averyloudrepeatederrorline with padding" >&2; i=$((i+1)); done
exit 1`)

	inv := NewInvoker(bin, 10*time.Second, nil)
	_, err := inv.Invoke(context.Background(), nil)

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if len(invErr.Stderr) > stderrExcerptLimit {
		t.Errorf("stderr excerpt length = %d, want <= %d", len(invErr.Stderr), stderrExcerptLimit)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	bin := writeScript(t, `sleep 10`)

	inv := NewInvoker(bin, 200*time.Millisecond, nil)
	start := time.Now()
	_, err := inv.Invoke(context.Background(), nil)

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if invErr.Kind != KindTimeout {
		t.Errorf("Kind = %v, want %v", invErr.Kind, KindTimeout)
	}
	// The hung process was killed, not left to run out its sleep.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v; process not killed promptly", elapsed)
	}
}

func TestAssistantArgs(t *testing.T) {
	args := AssistantArgs("handle-1", "do the thing", false)
	want := []string{"-p", "--output-format", "json", "--session-id", "handle-1", "do the thing"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("AssistantArgs = %v, want %v", args, want)
	}

	resumed := AssistantArgs("handle-1", "ignored", true)
	if resumed[len(resumed)-1] != "--resume" {
		t.Errorf("resume args = %v, want trailing --resume", resumed)
	}
}

func TestAgentArgs(t *testing.T) {
	args := AgentArgs("researcher", "summarize", "bridge-scout-researcher-general")
	want := []string{"agent", "--agent", "researcher", "--message", "summarize", "--session-id", "bridge-scout-researcher-general", "--json"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("AgentArgs = %v, want %v", args, want)
	}
}

func TestAvailable(t *testing.T) {
	ok := writeScript(t, `echo "fake-agent 1.0.0"`)
	inv := NewInvoker(ok, time.Second, nil)
	if !inv.Available(context.Background()) {
		t.Error("Available() = false for working binary")
	}

	missing := NewInvoker(filepath.Join(t.TempDir(), "nope"), time.Second, nil)
	if missing.Available(context.Background()) {
		t.Error("Available() = true for missing binary")
	}
}
