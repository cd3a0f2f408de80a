package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// ModerationVerdict describes the canned verdict an httptest moderation
// stand-in should return for every request it receives.
type ModerationVerdict struct {
	IsViolation bool
	RiskLevel   int
}

// NewModerationServer starts an httptest server shaped like the
// moderation provider: every call returns a single chat-completion
// choice whose message content is the verdict JSON internal/moderation
// decodes, per spec.md §4.5.
func NewModerationServer(verdict ModerationVerdict) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, _ := json.Marshal(map[string]any{
			"isViolation": verdict.IsViolation,
			"riskLevel":   verdict.RiskLevel,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "test-mod",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": string(content),
					},
					"finish_reason": "stop",
				},
			},
		})
	}))
}

// NewPrimaryServer starts an httptest server standing in for the
// primary LLM provider: it answers every request with a fixed minimal
// chat-completion response and first hands the request to onRequest,
// when set, for assertions.
func NewPrimaryServer(onRequest func(*http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "test-completion",
			"object":  "chat.completion",
			"model":   "gpt-4",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"}},
		})
	}))
}
