package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/breaker"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/config"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/logging"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/moderation"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/provider"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/ratelimit"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/testsupport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDeps(t *testing.T, moderationURL, primaryURL string) *Dependencies {
	t.Helper()

	cfg := &config.Config{
		AuthKey:        "test-key",
		SecondProvider: config.Provider{URL: primaryURL, Key: "primary-key"},
		Timeouts: config.Timeouts{
			MaxRetryTime:  200 * time.Millisecond,
			RetryDelay:    10 * time.Millisecond,
			StreamTimeout: time.Second,
			MaxRetryCount: 1,
			EnableRetry:   false,
		},
		Port: "0",
	}

	logger := logging.New()
	primaryBreaker := breaker.NewProviderBreaker("primary", 3, 60*time.Second, logger)
	httpClient := &http.Client{}

	modEngine := moderation.NewEngine(httpClient, moderationURL, "mod-key", []string{"mod-model"}, moderation.StrategyRoundRobin, primaryBreaker)

	return &Dependencies{
		Config:         cfg,
		Logger:         logger,
		RateLimiter:    ratelimit.New(map[ratelimit.Route]int{ratelimit.RouteChat: 1000}, 10000),
		PrimaryBreaker: primaryBreaker,
		GlobalBreaker:  breaker.NewGlobalBurstBreaker(10000, logger),
		Moderation:     modEngine,
		Provider:       provider.New(httpClient, primaryURL, "primary-key", primaryBreaker),
		HTTPClient:     httpClient,
	}
}

func authedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-key")
	return req
}

// Scenario 3 (spec.md §8): a streamed request whose moderation verdict
// flags a violation must never reach the primary provider, and must
// answer with a single in-band error frame followed by [DONE].
func TestChatCompletions_ViolationInStreamNeverCallsPrimary(t *testing.T) {
	modSrv := testsupport.NewModerationServer(testsupport.ModerationVerdict{IsViolation: true, RiskLevel: 5})
	defer modSrv.Close()

	primaryCalled := false
	primarySrv := testsupport.NewPrimaryServer(func(r *http.Request) { primaryCalled = true })
	defer primarySrv.Close()

	deps := newTestDeps(t, modSrv.URL, primarySrv.URL)
	router := NewRouter(deps)

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 SSE envelope, got %d: %s", rec.Code, rec.Body.String())
	}
	got := rec.Body.String()
	if !strings.Contains(got, `"code":"content_violation"`) {
		t.Fatalf("expected an in-band content_violation frame, got %q", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Fatalf("expected a trailing [DONE] frame, got %q", got)
	}
	if primaryCalled {
		t.Fatalf("primary provider must never be called when moderation flags a violation")
	}
}

// Scenario 6 (spec.md §8): once the primary breaker has tripped, the
// next request must fast-fail with 503 circuit_breaker:true without
// dispatching to the primary provider at all.
func TestChatCompletions_BreakerTripShortCircuitsPrimary(t *testing.T) {
	modSrv := testsupport.NewModerationServer(testsupport.ModerationVerdict{IsViolation: false, RiskLevel: 1})
	defer modSrv.Close()

	primaryCalls := 0
	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primarySrv.Close()

	deps := newTestDeps(t, modSrv.URL, primarySrv.URL)
	router := NewRouter(deps)

	body := `{"model":"gpt-4","stream":false,"messages":[{"role":"user","content":"hello"}]}`

	// MAX_PROVIDER_ERRORS=3: the 4th failing call trips the breaker.
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(body))
	}

	callsBeforeTrip := primaryCalls
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the breaker is tripped, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"circuit_breaker":true`) {
		t.Fatalf("expected circuit_breaker:true in the error body, got %s", rec.Body.String())
	}
	if primaryCalls != callsBeforeTrip {
		t.Fatalf("expected the primary provider not to be dispatched once the breaker is open")
	}
}

// Whitelisted-model traffic bypasses moderation (C6) entirely, but
// must still respect a tripped primary breaker (C3 wraps C7
// independently of whether moderation ran).
func TestChatCompletions_WhitelistedModelStillRespectsBreaker(t *testing.T) {
	modCalled := false
	modSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { modCalled = true }))
	defer modSrv.Close()

	primaryCalls := 0
	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primarySrv.Close()

	deps := newTestDeps(t, modSrv.URL, primarySrv.URL)
	deps.Moderation.WhitelistedModels = []string{"gpt-4"}
	router := NewRouter(deps)

	body := `{"model":"gpt-4","stream":false,"messages":[{"role":"user","content":"hello"}]}`

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(body))
	}

	callsBeforeTrip := primaryCalls
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the breaker is tripped, got %d: %s", rec.Code, rec.Body.String())
	}
	if primaryCalls != callsBeforeTrip {
		t.Fatalf("expected the primary provider not to be dispatched once the breaker is open")
	}
	if modCalled {
		t.Fatalf("whitelisted model must never call the moderation provider")
	}
}

func TestChatCompletions_AuthMissingReturns401(t *testing.T) {
	modSrv := testsupport.NewModerationServer(testsupport.ModerationVerdict{IsViolation: false, RiskLevel: 1})
	defer modSrv.Close()
	primarySrv := testsupport.NewPrimaryServer(nil)
	defer primarySrv.Close()

	deps := newTestDeps(t, modSrv.URL, primarySrv.URL)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"code":"invalid_auth_key"`) {
		t.Fatalf("expected invalid_auth_key error, got %s", rec.Body.String())
	}
}
