// Package policy holds the hot-reloadable policy document and the gate
// that decides whether a mediated call may proceed.
//
// Rate counters are in-memory only and reset when the process restarts.
// That is a deliberate availability tradeoff: a restart briefly
// under-counts rather than blocking callers on a persisted floor.
package policy

import "time"

// Priority levels, lowest to highest. Critical bypasses quiet hours.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// OperatorCaller is the operator console identity. It is always exempt
// from quiet hours.
const OperatorCaller = "dashboard"

// Document is the full policy configuration. Read-only to the gate at
// call time; replaced wholesale on reload.
type Document struct {
	Global     GlobalLimits            `koanf:"global" json:"global"`
	QuietHours QuietHours              `koanf:"quiet_hours" json:"quiet_hours"`
	Callers    map[string]CallerPolicy `koanf:"callers" json:"callers"`
	Webhooks   WebhookRoutes           `koanf:"webhooks" json:"webhooks"`
	Audit      AuditPolicy             `koanf:"audit" json:"audit"`
}

type GlobalLimits struct {
	CallsPerHour int `koanf:"calls_per_hour" json:"calls_per_hour"`
}

// QuietHours is a local-time window during which only critical-priority
// calls are permitted. A window with Start > End wraps past midnight.
type QuietHours struct {
	StartHour int    `koanf:"start_hour" json:"start_hour"`
	EndHour   int    `koanf:"end_hour" json:"end_hour"`
	Timezone  string `koanf:"timezone" json:"timezone"`
}

type CallerPolicy struct {
	CallsPerHour      int      `koanf:"calls_per_hour" json:"calls_per_hour"`
	MaxCostPerCallUSD float64  `koanf:"max_cost_per_call_usd" json:"max_cost_per_call_usd"`
	AllowedTargets    []string `koanf:"allowed_targets" json:"allowed_targets"`
	Priorities        []string `koanf:"priorities" json:"priorities"`
	QuietHoursExempt  bool     `koanf:"quiet_hours_exempt" json:"quiet_hours_exempt"`
}

// WebhookRoutes maps event types to automation-engine webhook paths.
type WebhookRoutes struct {
	Routes  map[string]string `koanf:"routes" json:"routes"`
	Default string            `koanf:"default" json:"default"`
}

type AuditPolicy struct {
	LogToJSONL bool   `koanf:"log_to_jsonl" json:"log_to_jsonl"`
	JSONLPath  string `koanf:"jsonl_path" json:"jsonl_path"`
}

// DefaultDocument returns the policy used when no file is configured or
// the file fails to load.
func DefaultDocument() *Document {
	return &Document{
		Global: GlobalLimits{CallsPerHour: 60},
		QuietHours: QuietHours{
			StartHour: 23,
			EndHour:   8,
			Timezone:  "UTC",
		},
		Webhooks: WebhookRoutes{Default: "/webhook/bridge-events"},
		Audit:    AuditPolicy{LogToJSONL: true, JSONLPath: "./data/bridge_audit.jsonl"},
	}
}

// CallerLimits returns the caller's configured policy, or the
// restrictive default for unconfigured callers: 5 calls/hour, a ten
// cent cost cap, no targets, low and normal priority only.
func (d *Document) CallerLimits(callerID string) CallerPolicy {
	if cp, ok := d.Callers[callerID]; ok {
		if cp.CallsPerHour == 0 {
			cp.CallsPerHour = 5
		}
		if len(cp.Priorities) == 0 {
			cp.Priorities = []string{PriorityLow, PriorityNormal}
		}
		return cp
	}
	return CallerPolicy{
		CallsPerHour:      5,
		MaxCostPerCallUSD: 0.10,
		Priorities:        []string{PriorityLow, PriorityNormal},
	}
}

// WebhookPath resolves the engine webhook path for an event type,
// falling back to the default route.
func (d *Document) WebhookPath(eventType string) string {
	if path, ok := d.Webhooks.Routes[eventType]; ok {
		return path
	}
	if d.Webhooks.Default != "" {
		return d.Webhooks.Default
	}
	return "/webhook/bridge-events"
}

// Location resolves the quiet-hours timezone, falling back to UTC when
// the zone is unknown or tzdata is unavailable.
func (d *Document) Location() *time.Location {
	if d.QuietHours.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.QuietHours.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether t falls inside the configured window.
func (d *Document) InQuietHours(t time.Time) bool {
	hour := t.In(d.Location()).Hour()
	start, end := d.QuietHours.StartHour, d.QuietHours.EndHour
	if start == end {
		return false
	}
	if start > end {
		return hour >= start || hour < end
	}
	return start <= hour && hour < end
}
