package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DenialError is returned by Evaluate when a call is not permitted.
// Handlers surface it as a client-side rejection; it is never retried.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string { return e.Reason }

// Gate enforces quiet hours, rolling rate limits and priority
// whitelists. Counters live in memory behind a mutex; the document is
// read through the Source so hot reloads apply immediately.
type Gate struct {
	source Source

	mu    sync.Mutex
	calls map[string][]time.Time

	now func() time.Time
}

// NewGate creates a gate over the given policy source.
func NewGate(source Source) *Gate {
	return &Gate{
		source: source,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Evaluate checks, in order: quiet hours, global then per-caller rate
// limits, and the priority whitelist. It short-circuits on the first
// denial. Evaluate does not charge the counter; callers invoke
// RecordCall once the call is actually dispatched.
func (g *Gate) Evaluate(callerID, endpoint, priority string) error {
	doc := g.source.Current()
	limits := doc.CallerLimits(callerID)

	exempt := limits.QuietHoursExempt || callerID == OperatorCaller
	if doc.InQuietHours(g.now()) && priority != PriorityCritical && !exempt {
		return &DenialError{Reason: fmt.Sprintf(
			"quiet hours active (%02d:00-%02d:00 %s); only priority=critical allowed",
			doc.QuietHours.StartHour, doc.QuietHours.EndHour, doc.QuietHours.Timezone)}
	}

	if err := g.checkRate(callerID, doc, limits); err != nil {
		return err
	}

	for _, p := range limits.Priorities {
		if p == priority {
			return nil
		}
	}
	return &DenialError{Reason: fmt.Sprintf(
		"caller %q not allowed priority %q (allowed: %s)",
		callerID, priority, strings.Join(limits.Priorities, ", "))}
}

func (g *Gate) checkRate(callerID string, doc *Document, limits CallerPolicy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-time.Hour)
	total := 0
	for id, stamps := range g.calls {
		g.calls[id] = prune(stamps, cutoff)
		total += len(g.calls[id])
	}

	if global := doc.Global.CallsPerHour; global > 0 && total >= global {
		return &DenialError{Reason: fmt.Sprintf("global rate limit (%d/hr) exceeded", global)}
	}
	if len(g.calls[callerID]) >= limits.CallsPerHour {
		return &DenialError{Reason: fmt.Sprintf(
			"caller %q rate limit (%d/hr) exceeded", callerID, limits.CallsPerHour)}
	}
	return nil
}

// RecordCall charges one call against the caller's rolling window.
func (g *Gate) RecordCall(callerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[callerID] = append(g.calls[callerID], g.now())
}

// InFlightCount returns the number of charged calls currently inside
// the rolling window, across all callers.
func (g *Gate) InFlightCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-time.Hour)
	total := 0
	for id, stamps := range g.calls {
		g.calls[id] = prune(stamps, cutoff)
		total += len(g.calls[id])
	}
	return total
}

// QuietHoursActive reports whether the current time is inside the
// configured quiet window.
func (g *Gate) QuietHoursActive() bool {
	return g.source.Current().InQuietHours(g.now())
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
