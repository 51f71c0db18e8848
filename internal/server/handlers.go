package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentwire/bridge/internal/audit"
	"github.com/agentwire/bridge/internal/cliagent"
	"github.com/agentwire/bridge/internal/outbox"
	"github.com/agentwire/bridge/internal/policy"
	"github.com/agentwire/bridge/internal/session"
	"github.com/agentwire/bridge/internal/storage"
	"github.com/agentwire/bridge/internal/workflow"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Handlers owns the mediation endpoints and the components they drive.
type Handlers struct {
	store     storage.Store
	policies  policy.Source
	gate      *policy.Gate
	sessions  *session.Tracker
	ledger    *audit.Ledger
	events    *outbox.Outbox
	engine    *workflow.Client
	assistant *cliagent.Invoker
	agents    *cliagent.Invoker
	logger    *slog.Logger
}

func NewHandlers(
	store storage.Store,
	policies policy.Source,
	gate *policy.Gate,
	sessions *session.Tracker,
	ledger *audit.Ledger,
	events *outbox.Outbox,
	engine *workflow.Client,
	assistant *cliagent.Invoker,
	agents *cliagent.Invoker,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		policies:  policies,
		gate:      gate,
		sessions:  sessions,
		ledger:    ledger,
		events:    events,
		engine:    engine,
		assistant: assistant,
		agents:    agents,
		logger:    logger,
	}
}

// Mount registers the /api/v1 routes.
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ask/assistant", h.askAssistant)
		r.Post("/ask/agent", h.askAgent)
		r.Post("/workflows/trigger", h.triggerWorkflow)
		r.Post("/workflows/callback", h.workflowCallback)
		r.Post("/events", h.queueEvent)
		r.Get("/events/pending", h.pendingEvents)
		r.Delete("/events/delivered", h.purgeDelivered)
		r.Get("/health", h.health)
		r.Get("/policy", h.showPolicy)
		r.Get("/stats", h.stats)
		r.Get("/sessions", h.listSessions)
	})
}

type assistantAskRequest struct {
	CallerID   string  `json:"caller_id"`
	Message    string  `json:"message"`
	Priority   string  `json:"priority"`
	Purpose    string  `json:"purpose"`
	Resume     bool    `json:"resume"`
	MaxCostUSD float64 `json:"max_cost_usd"`
}

type agentAskRequest struct {
	CallerID    string `json:"caller_id"`
	TargetAgent string `json:"target_agent"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
	Purpose     string `json:"purpose"`
}

type triggerRequest struct {
	CallerID     string         `json:"caller_id"`
	WorkflowPath string         `json:"workflow_path"`
	Payload      map[string]any `json:"payload"`
	Priority     string         `json:"priority"`
}

type callbackRequest struct {
	SourceWorkflow string         `json:"source_workflow"`
	Target         string         `json:"target"`
	Message        string         `json:"message"`
	Priority       string         `json:"priority"`
	Metadata       map[string]any `json:"metadata"`
}

type eventSubmitRequest struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

func (h *Handlers) askAssistant(w http.ResponseWriter, r *http.Request) {
	var req assistantAskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}
	if req.CallerID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errBody("caller_id and message are required"))
		return
	}
	applyDefaults(&req.Priority, &req.Purpose)
	AddLogField(r.Context(), "caller_id", req.CallerID)

	resp, err := h.dispatchAssistant(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatchAssistant runs the full mediation path for an assistant call:
// gate, session resolution, subprocess invocation, audit. Shared with
// the workflow callback.
func (h *Handlers) dispatchAssistant(ctx context.Context, req assistantAskRequest) (map[string]any, error) {
	start := time.Now()

	rec := &storage.CallRecord{
		CallerID:       req.CallerID,
		Endpoint:       "/ask/assistant",
		Target:         "assistant",
		Priority:       req.Priority,
		RequestSummary: req.Message,
		Metadata:       map[string]any{"purpose": req.Purpose},
	}

	if err := h.gate.Evaluate(req.CallerID, "/ask/assistant", req.Priority); err != nil {
		rec.Error = "policy denied: " + err.Error()
		h.ledger.Record(ctx, rec)
		return nil, err
	}
	h.gate.RecordCall(req.CallerID)

	sessionID := h.sessions.Resolve(ctx, req.CallerID, "assistant", storage.SessionAssistant, req.Purpose)
	handle := h.sessions.EnsureHandle(ctx, sessionID)
	rec.Metadata["session_id"] = sessionID

	res, err := h.assistant.Invoke(ctx, cliagent.AssistantArgs(handle, req.Message, req.Resume))
	rec.LatencyMS = msSince(start)
	if err != nil {
		rec.Error = err.Error()
		h.ledger.Record(ctx, rec)
		return nil, err
	}

	rec.Success = true
	rec.ResponseSummary = res.Text
	rec.CostUSD = res.CostUSD
	h.ledger.Record(ctx, rec)

	return map[string]any{
		"response":        res.Text,
		"session_id":      sessionID,
		"conversation_id": handle,
		"cost_usd":        res.CostUSD,
		"latency_ms":      rec.LatencyMS,
	}, nil
}

func (h *Handlers) askAgent(w http.ResponseWriter, r *http.Request) {
	var req agentAskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}
	if req.CallerID == "" || req.TargetAgent == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errBody("caller_id, target_agent and message are required"))
		return
	}
	applyDefaults(&req.Priority, &req.Purpose)
	AddLogField(r.Context(), "caller_id", req.CallerID)
	AddLogField(r.Context(), "target_agent", req.TargetAgent)

	resp, err := h.dispatchAgent(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) dispatchAgent(ctx context.Context, req agentAskRequest) (map[string]any, error) {
	start := time.Now()

	rec := &storage.CallRecord{
		CallerID:       req.CallerID,
		Endpoint:       "/ask/agent",
		Target:         req.TargetAgent,
		Priority:       req.Priority,
		RequestSummary: req.Message,
		Metadata:       map[string]any{"purpose": req.Purpose},
	}

	if err := h.gate.Evaluate(req.CallerID, "/ask/agent", req.Priority); err != nil {
		rec.Error = "policy denied: " + err.Error()
		h.ledger.Record(ctx, rec)
		return nil, err
	}
	h.gate.RecordCall(req.CallerID)

	sessionID := h.sessions.Resolve(ctx, req.CallerID, req.TargetAgent, storage.SessionAgent, req.Purpose)
	rec.Metadata["session_id"] = sessionID

	res, err := h.agents.Invoke(ctx, cliagent.AgentArgs(req.TargetAgent, req.Message, sessionID))
	rec.LatencyMS = msSince(start)
	if err != nil {
		rec.Error = err.Error()
		h.ledger.Record(ctx, rec)
		return nil, err
	}

	rec.Success = true
	rec.ResponseSummary = res.Text
	h.ledger.Record(ctx, rec)

	return map[string]any{
		"response":   res.Text,
		"session_id": sessionID,
		"latency_ms": rec.LatencyMS,
	}, nil
}

func (h *Handlers) triggerWorkflow(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}
	if req.CallerID == "" || req.WorkflowPath == "" {
		writeJSON(w, http.StatusBadRequest, errBody("caller_id and workflow_path are required"))
		return
	}
	if req.Priority == "" {
		req.Priority = policy.PriorityNormal
	}
	AddLogField(r.Context(), "caller_id", req.CallerID)
	AddLogField(r.Context(), "workflow", req.WorkflowPath)

	ctx := r.Context()
	start := time.Now()

	rec := &storage.CallRecord{
		CallerID:       req.CallerID,
		Endpoint:       "/workflows/trigger",
		Target:         "engine",
		Priority:       req.Priority,
		RequestSummary: "workflow=" + req.WorkflowPath,
	}

	if err := h.gate.Evaluate(req.CallerID, "/workflows/trigger", req.Priority); err != nil {
		rec.Error = "policy denied: " + err.Error()
		h.ledger.Record(ctx, rec)
		h.writeError(w, r, err)
		return
	}
	h.gate.RecordCall(req.CallerID)

	res, err := h.engine.Trigger(ctx, req.WorkflowPath, req.Payload)
	rec.LatencyMS = msSince(start)
	if err != nil {
		rec.Error = err.Error()
		h.ledger.Record(ctx, rec)
		h.writeError(w, r, err)
		return
	}

	body := bodyExcerpt(res.Body, 200)
	rec.ResponseSummary = body

	if res.StatusCode >= 400 {
		rec.Error = fmt.Sprintf("HTTP %d", res.StatusCode)
		h.ledger.Record(ctx, rec)
		writeJSON(w, res.StatusCode, errBody(
			fmt.Sprintf("engine returned %d: %s", res.StatusCode, body)))
		return
	}

	rec.Success = true
	h.ledger.Record(ctx, rec)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "triggered",
		"workflow":        req.WorkflowPath,
		"engine_response": res.Body,
		"latency_ms":      rec.LatencyMS,
	})
}

// workflowCallback lets the automation engine reach back through the
// bridge. The synthetic caller id keeps these calls under their own
// policy budget, separate from the workflow's original initiator.
func (h *Handlers) workflowCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}
	if req.SourceWorkflow == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errBody("source_workflow and message are required"))
		return
	}
	if req.Target == "" {
		req.Target = "assistant"
	}
	if req.Priority == "" {
		req.Priority = policy.PriorityNormal
	}

	callerID := "workflow:" + req.SourceWorkflow
	purpose := "workflow-callback-" + req.SourceWorkflow
	AddLogField(r.Context(), "caller_id", callerID)

	var (
		resp map[string]any
		err  error
	)
	if req.Target == "assistant" {
		resp, err = h.dispatchAssistant(r.Context(), assistantAskRequest{
			CallerID: callerID,
			Message:  req.Message,
			Priority: req.Priority,
			Purpose:  purpose,
		})
	} else {
		resp, err = h.dispatchAgent(r.Context(), agentAskRequest{
			CallerID:    callerID,
			TargetAgent: req.Target,
			Message:     req.Message,
			Priority:    req.Priority,
			Purpose:     purpose,
		})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queueEvent accepts a notification for the outbox. Never policy-gated
// and never fails the caller: delivery is the drain worker's problem.
func (h *Handlers) queueEvent(w http.ResponseWriter, r *http.Request) {
	var req eventSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}
	if req.EventType == "" || req.Source == "" {
		writeJSON(w, http.StatusBadRequest, errBody("event_type and source are required"))
		return
	}

	h.events.Emit(r.Context(), req.EventType, req.Source, req.Payload)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "queued",
		"event_type": req.EventType,
	})
}

func (h *Handlers) pendingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListPending(r.Context(), 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (h *Handlers) purgeDelivered(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.PurgeDelivered(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeStatus := "disconnected"
	storeOK := false
	if err := h.store.Ping(ctx); err != nil {
		storeStatus = "error: " + err.Error()
	} else if n, err := h.store.CountCallRecords(ctx); err != nil {
		storeStatus = "error: " + err.Error()
	} else {
		storeStatus = fmt.Sprintf("connected (%d audit entries)", n)
		storeOK = true
	}

	assistantOK := h.assistant.Available(ctx)
	agentOK := h.agents.Available(ctx)
	engineOK := h.engine.Reachable(ctx)

	status := "degraded"
	if storeOK && assistantOK && agentOK {
		status = "healthy"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"version":            Version,
		"storage":            storeStatus,
		"assistant_cli":      availability(assistantOK),
		"agent_cli":          availability(agentOK),
		"engine":             availability(engineOK),
		"policy_loaded":      h.policies.Current() != nil,
		"quiet_hours_active": h.gate.QuietHoursActive(),
	})
}

func (h *Handlers) showPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policies.Current())
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	hourly, err := h.store.CallerStatsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	daily, err := h.store.TotalsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hourly_by_caller":       hourly,
		"daily_totals":           daily,
		"in_memory_rate_counter": h.gate.InFlightCount(),
		"global_limit":           h.policies.Current().Global.CallsPerHour,
	})
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context(), 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// writeError maps the error taxonomy onto HTTP statuses: policy denial
// 429, invocation failure 502, engine unreachable 503, everything else
// 500.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var denial *policy.DenialError
	var invocation *cliagent.InvocationError
	switch {
	case errors.As(err, &denial):
		writeJSON(w, http.StatusTooManyRequests, errBody(denial.Reason))
	case errors.As(err, &invocation):
		writeJSON(w, http.StatusBadGateway, errBody(invocation.Error()))
	case errors.Is(err, workflow.ErrUnreachable):
		writeJSON(w, http.StatusServiceUnavailable, errBody("automation engine is unreachable"))
	default:
		writeJSON(w, http.StatusInternalServerError, errBody(err.Error()))
	}
}

func applyDefaults(priority, purpose *string) {
	if *priority == "" {
		*priority = policy.PriorityNormal
	}
	if *purpose == "" {
		*purpose = "general"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("cannot encode response", slog.String("error", err.Error()))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func errBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func bodyExcerpt(body any, n int) string {
	s := fmt.Sprintf("%v", body)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// availability renders a probe result for the health payload.
func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

// msSince reports elapsed wall time in milliseconds, one decimal.
func msSince(start time.Time) float64 {
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	return math.Round(ms*10) / 10
}
