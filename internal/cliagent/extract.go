package cliagent

import (
	"encoding/json"
	"strings"
)

const rawTextLimit = 2000

// noResponse is the terminal fallback when every extraction strategy
// comes up empty. Malformed output never becomes an error; the caller
// always gets something.
const noResponse = "no response"

// Extract recovers a clean response and cost from CLI stdout that may
// be interleaved with diagnostic noise (plugin banners, load messages).
//
// The ladder, in order: locate the first line opening a JSON object and
// parse it; inside the object, prefer result.payloads text fragments,
// then well-known response fields; if no JSON parses, fall back to the
// trimmed raw output, length-bounded.
func Extract(raw string) (text string, costUSD float64) {
	trimmed := strings.TrimSpace(raw)

	if jsonPart, ok := locateJSON(trimmed); ok {
		var data map[string]any
		if err := json.Unmarshal([]byte(jsonPart), &data); err == nil {
			cost := extractCost(data)
			for _, strategy := range strategies {
				if txt, ok := strategy(data); ok {
					return txt, cost
				}
			}
			return noResponse, cost
		}
	}

	if trimmed == "" {
		return noResponse, 0
	}
	if len(trimmed) > rawTextLimit {
		trimmed = trimmed[:rawTextLimit]
	}
	return trimmed, 0
}

// strategies is the ordered extraction chain. Each returns the text and
// true, or false for "try next".
var strategies = []func(map[string]any) (string, bool){
	extractResultPayloads,
	extractKnownField,
}

// locateJSON finds the start of the first JSON object in output that
// may carry non-protocol lines first.
func locateJSON(raw string) (string, bool) {
	if strings.HasPrefix(raw, "{") {
		return raw, true
	}
	if idx := strings.Index(raw, "\n{"); idx >= 0 {
		return raw[idx+1:], true
	}
	return "", false
}

// extractResultPayloads handles the structured result shape: a nested
// result object carrying a list of typed payload fragments.
func extractResultPayloads(data map[string]any) (string, bool) {
	result, ok := data["result"]
	if !ok {
		return "", false
	}

	switch r := result.(type) {
	case string:
		return r, true
	case map[string]any:
		if payloads, ok := r["payloads"].([]any); ok {
			var texts []string
			for _, p := range payloads {
				frag, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if typ, ok := frag["type"].(string); ok && typ != "text" {
					continue
				}
				if txt, ok := frag["text"].(string); ok && txt != "" {
					texts = append(texts, txt)
				}
			}
			if len(texts) > 0 {
				return strings.Join(texts, "\n"), true
			}
		}
		for _, field := range []string{"text", "message"} {
			if txt, ok := r[field].(string); ok && txt != "" {
				return txt, true
			}
		}
		return noResponse, true
	default:
		return "", false
	}
}

// extractKnownField falls back to flat well-known response fields.
func extractKnownField(data map[string]any) (string, bool) {
	for _, field := range []string{"response", "output", "text", "summary", "message"} {
		if txt, ok := data[field].(string); ok && txt != "" {
			return txt, true
		}
	}
	return "", false
}

func extractCost(data map[string]any) float64 {
	for _, field := range []string{"cost_usd", "cost"} {
		if cost, ok := data[field].(float64); ok {
			return cost
		}
	}
	return 0
}
