// Package moderation implements C6: the two-stage moderation engine
// that classifies inbound chat content against the 5-level risk
// rubric before the request reaches the primary provider.
package moderation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/models"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/sampler"
)

// Sentinel is embedded in the moderation system prompt and inspected
// on every inbound request: its presence means the request IS a
// moderation request that looped back into the gateway, and must be
// forwarded untouched rather than moderated again.
const Sentinel = "INTERNAL_MODERATION_FLAG: DO_NOT_MODERATE_THIS_IS_ALREADY_A_MODERATION_REQUEST"

// riskRubric is the frozen system prompt text sent to the moderation
// model. Its exact wording is an external contract (spec.md scopes
// out prompt content); only the shape below matters to this gateway.
const riskRubric = `You are a content moderation classifier. Classify the content below against this 5-level risk rubric:
Level 1: minor, no concern
Level 2: mild concern, generally acceptable
Level 3: moderate concern, borderline
Level 4: significant concern, likely violates policy
Level 5: severe, dangerous content that must be blocked

Respond with strict JSON only: {"isViolation": bool, "riskLevel": 1-5}

` + Sentinel

const reinforcementPrompt = `Remember: respond with strict JSON only in the form {"isViolation": bool, "riskLevel": 1-5}. Do not include any other text.`

// Strategy selects how a moderation model is picked from the
// configured list.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
)

// HTTPDoer is the minimal surface this engine needs from an HTTP
// client; satisfied by *http.Client and by test doubles.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Verdict is the parsed moderation outcome, per spec.md §3.
type Verdict struct {
	IsViolation    bool
	RiskLevel      int
	LogID          string
	IsPartialCheck bool
}

// ProviderBreaker is the minimal breaker surface the engine needs;
// satisfied by *breaker.ProviderBreaker.
type ProviderBreaker interface {
	Allow() bool
	RecordFailure()
}

// Engine runs the moderation pipeline described in spec.md §4.5.
type Engine struct {
	doer     HTTPDoer
	url      string
	apiKey   string
	models   []string
	strategy Strategy
	rrIndex  uint64

	// VerdictThreshold is the risk level at or above which a verdict
	// is coerced to a violation, per spec.md §9's open question:
	// this spec fixes it at 5 but keeps it configurable.
	VerdictThreshold int

	WhitelistedModels []string

	breaker ProviderBreaker
}

// NewEngine builds a moderation Engine. models must be non-empty;
// an empty list is a configuration error surfaced on the first call,
// per spec.md §4.5.
func NewEngine(doer HTTPDoer, url, apiKey string, models []string, strategy Strategy, breaker ProviderBreaker) *Engine {
	return &Engine{
		doer:             doer,
		url:              url,
		apiKey:           apiKey,
		models:           models,
		strategy:         strategy,
		VerdictThreshold: 5,
		breaker:          breaker,
	}
}

// ShouldSkip reports whether moderation must be bypassed for this
// request: either because it carries the self-loop sentinel, or
// because its model is on the whitelist.
func (e *Engine) ShouldSkip(messages []models.Message, model string) bool {
	if containsSentinel(messages) {
		return true
	}
	return matchesWhitelist(model, e.WhitelistedModels)
}

func containsSentinel(messages []models.Message) bool {
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		text := m.Content.Text
		if strings.Contains(text, Sentinel) {
			return true
		}
	}
	return false
}

func matchesWhitelist(model string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(model, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, model); ok {
			return true
		}
	}
	return false
}

// selectModel advances the round-robin counter or picks randomly,
// per spec.md §4.5. Returns an error if the model list is empty.
func (e *Engine) selectModel() (string, *apierr.APIError) {
	if len(e.models) == 0 {
		return "", apierr.ConfigError("no moderation models configured")
	}
	switch e.strategy {
	case StrategyRandom:
		n, err := cryptoRandInt(len(e.models))
		if err != nil {
			return "", apierr.Internal("failed to select a random moderation model: " + err.Error())
		}
		return e.models[n], nil
	default:
		idx := atomic.AddUint64(&e.rrIndex, 1) - 1
		return e.models[int(idx)%len(e.models)], nil
	}
}

func cryptoRandInt(n int) (int, error) {
	bi, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(bi.Int64()), nil
}

type moderationRequestBody struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat json.RawMessage `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type moderationResponseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type verdictJSON struct {
	IsViolation bool `json:"isViolation"`
	RiskLevel   int  `json:"riskLevel"`
}

// Classify runs the full moderation request described in spec.md
// §4.5: sample/normalize the content, assemble the 3-message prompt,
// call the moderation provider, and parse the verdict. It does not
// itself check ShouldSkip — callers perform the self-loop/whitelist
// check before calling Classify.
func (e *Engine) Classify(ctx context.Context, messages []models.Message, rng *mathrand.Rand) (*Verdict, *apierr.APIError) {
	if e.breaker != nil && !e.breaker.Allow() {
		return nil, apierr.CircuitBreakerOpen()
	}

	model, err := e.selectModel()
	if err != nil {
		return nil, err
	}

	bundle := sampler.Sample(messages, rng)
	reviewContent := assembleReviewContent(bundle.Messages)

	body := moderationRequestBody{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: riskRubric},
			{Role: "user", Content: reviewContent},
			{Role: "user", Content: reinforcementPrompt},
		},
		Temperature:    0,
		MaxTokens:      100,
		ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
	}

	payload, merr := json.Marshal(body)
	if merr != nil {
		return nil, apierr.Internal("failed to encode moderation request: " + merr.Error())
	}

	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if rerr != nil {
		return nil, apierr.Internal("failed to build moderation request: " + rerr.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, derr := e.doer.Do(req)
	if derr != nil {
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		return nil, apierr.ServiceUnavailable("moderation provider unreachable: " + derr.Error())
	}
	defer resp.Body.Close()

	var parsed moderationResponseBody
	if decErr := json.NewDecoder(resp.Body).Decode(&parsed); decErr != nil {
		if resp.StatusCode >= 400 {
			if e.breaker != nil {
				e.breaker.RecordFailure()
			}
			return nil, apierr.ServiceUnavailable(fmt.Sprintf("moderation provider returned status %d", resp.StatusCode))
		}
		return nil, apierr.Internal("failed to decode moderation response: " + decErr.Error())
	}
	if resp.StatusCode >= 400 {
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		return nil, apierr.ServiceUnavailable(fmt.Sprintf("moderation provider returned status %d", resp.StatusCode))
	}
	if len(parsed.Choices) == 0 {
		return nil, apierr.Internal("moderation provider returned no choices")
	}

	var v verdictJSON
	if jerr := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &v); jerr != nil {
		return nil, apierr.Internal("failed to parse moderation verdict JSON: " + jerr.Error())
	}

	if v.RiskLevel >= e.VerdictThreshold {
		v.IsViolation = true
	}

	logID := "mod_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + randomSuffix(8)

	return &Verdict{
		IsViolation:    v.IsViolation,
		RiskLevel:      v.RiskLevel,
		LogID:          logID,
		IsPartialCheck: bundle.IsPartialCheck,
	}, nil
}

func assembleReviewContent(messages []sampler.NormalizedMessage) string {
	var b strings.Builder
	b.WriteString("Content to review:\n\n")
	for _, m := range messages {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func randomSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, n)
	for i := range out {
		idx, err := cryptoRandInt(len(alphabet))
		if err != nil {
			idx = 0
		}
		out[i] = alphabet[idx]
	}
	return string(out)
}
