// Package workflow is the synchronous client for the automation engine:
// direct webhook triggers and the health probe. Asynchronous delivery
// goes through the outbox instead.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnreachable indicates the engine could not be contacted at all
// (as opposed to answering with an error status).
var ErrUnreachable = errors.New("automation engine unreachable")

// TriggerResult is the engine's synchronous answer to a trigger.
type TriggerResult struct {
	StatusCode int
	Body       any
}

// Client talks to the workflow-automation engine.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Trigger POSTs the payload to a workflow webhook path and returns the
// engine's response. A transport failure maps to ErrUnreachable.
func (c *Client) Trigger(ctx context.Context, workflowPath string, payload map[string]any) (*TriggerResult, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+workflowPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && !urlErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("trigger workflow: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := &TriggerResult{StatusCode: resp.StatusCode}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		result.Body = parsed
	} else {
		result.Body = string(raw)
	}
	return result, nil
}

// Reachable probes the engine's health endpoint. Any answer below 500
// counts: a 404 still proves the engine is up.
func (c *Client) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
