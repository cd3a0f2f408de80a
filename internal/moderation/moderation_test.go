package moderation

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/models"
)

func userMessage(text string) models.Message {
	return models.Message{Role: "user", Content: models.Content{Text: text}}
}

func systemMessage(text string) models.Message {
	return models.Message{Role: "system", Content: models.Content{Text: text}}
}

type stubBreaker struct {
	allow    bool
	failures int
}

func (s *stubBreaker) Allow() bool    { return s.allow }
func (s *stubBreaker) RecordFailure() { s.failures++ }

func newTestServer(t *testing.T, verdict string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": verdict}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestClassify_ParsesCleanVerdict(t *testing.T) {
	srv := newTestServer(t, `{"isViolation":false,"riskLevel":1}`)
	defer srv.Close()

	e := NewEngine(srv.Client(), srv.URL, "key", []string{"gpt-4"}, StrategyRoundRobin, nil)
	v, err := e.Classify(context.Background(), []models.Message{userMessage("hi")}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.IsViolation || v.RiskLevel != 1 {
		t.Fatalf("expected clean verdict, got %+v", v)
	}
	if v.LogID == "" {
		t.Fatalf("expected a non-empty logId")
	}
}

func TestClassify_RiskLevel5ForcesViolation(t *testing.T) {
	srv := newTestServer(t, `{"isViolation":false,"riskLevel":5}`)
	defer srv.Close()

	e := NewEngine(srv.Client(), srv.URL, "key", []string{"gpt-4"}, StrategyRoundRobin, nil)
	v, err := e.Classify(context.Background(), []models.Message{userMessage("hi")}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsViolation {
		t.Fatalf("risk level 5 must be coerced to a violation regardless of the model's own isViolation field")
	}
}

func TestClassify_EmptyModelListIsConfigError(t *testing.T) {
	e := NewEngine(nil, "http://example.invalid", "key", nil, StrategyRoundRobin, nil)
	_, err := e.Classify(context.Background(), []models.Message{userMessage("hi")}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatalf("expected a config error for an empty model list")
	}
	if err.Details["config_error"] != true {
		t.Fatalf("expected config_error detail to be set, got %+v", err.Details)
	}
}

func TestClassify_BreakerOpenShortCircuits(t *testing.T) {
	sb := &stubBreaker{allow: false}
	e := NewEngine(nil, "http://example.invalid", "key", []string{"gpt-4"}, StrategyRoundRobin, sb)
	_, err := e.Classify(context.Background(), []models.Message{userMessage("hi")}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatalf("expected circuit breaker open error")
	}
	if err.Details["circuit_breaker"] != true {
		t.Fatalf("expected circuit_breaker detail to be set, got %+v", err.Details)
	}
}

func TestClassify_RoundRobinAdvancesAcrossCalls(t *testing.T) {
	srv := newTestServer(t, `{"isViolation":false,"riskLevel":1}`)
	defer srv.Close()

	var seenModels []string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body moderationRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		seenModels = append(seenModels, body.Model)
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": `{"isViolation":false,"riskLevel":1}`}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer proxy.Close()

	e := NewEngine(proxy.Client(), proxy.URL, "key", []string{"m1", "m2"}, StrategyRoundRobin, nil)
	for i := 0; i < 4; i++ {
		_, err := e.Classify(context.Background(), []models.Message{userMessage("hi")}, rand.New(rand.NewSource(int64(i))))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	want := []string{"m1", "m2", "m1", "m2"}
	for i, m := range want {
		if seenModels[i] != m {
			t.Fatalf("round robin mismatch at %d: want %s got %s (%v)", i, m, seenModels[i], seenModels)
		}
	}
}

func TestShouldSkip_SentinelBypassesModeration(t *testing.T) {
	e := NewEngine(nil, "", "", []string{"m1"}, StrategyRoundRobin, nil)
	msgs := []models.Message{systemMessage("some prefix " + Sentinel)}
	if !e.ShouldSkip(msgs, "gpt-4") {
		t.Fatalf("expected sentinel-bearing request to skip moderation")
	}
}

func TestShouldSkip_WhitelistGlobBypassesModeration(t *testing.T) {
	e := NewEngine(nil, "", "", []string{"m1"}, StrategyRoundRobin, nil)
	e.WhitelistedModels = []string{"trusted-*"}
	if !e.ShouldSkip(nil, "trusted-internal-model") {
		t.Fatalf("expected whitelisted model to skip moderation")
	}
	if e.ShouldSkip(nil, "untrusted-model") {
		t.Fatalf("non-whitelisted model should not skip moderation")
	}
}

func TestShouldSkip_NoSentinelNoWhitelistDoesNotSkip(t *testing.T) {
	e := NewEngine(nil, "", "", []string{"m1"}, StrategyRoundRobin, nil)
	if e.ShouldSkip([]models.Message{userMessage("hi")}, "gpt-4") {
		t.Fatalf("ordinary request must not skip moderation")
	}
}
