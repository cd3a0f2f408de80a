// Package provider implements C7: the primary-provider forwarder,
// constructing downstream requests and performing them as either a
// unary call or a streaming passthrough.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/models"
)

const defaultMaxTokens = 4096

// HTTPDoer is the minimal client surface the forwarder needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Breaker is the minimal breaker surface the forwarder needs;
// satisfied by *breaker.ProviderBreaker.
type Breaker interface {
	Allow() bool
	RecordFailure()
}

// Client forwards chat-completion requests to the primary provider.
type Client struct {
	doer    HTTPDoer
	baseURL string
	apiKey  string
	breaker Breaker
}

// New builds a primary-provider Client.
func New(doer HTTPDoer, baseURL, apiKey string, breaker Breaker) *Client {
	return &Client{doer: doer, baseURL: baseURL, apiKey: apiKey, breaker: breaker}
}

// downstreamRequestBody is the shape relayed to the primary provider,
// per spec.md §4.6.
type downstreamRequestBody struct {
	Model          string            `json:"model"`
	Messages       []models.Message  `json:"messages"`
	Stream         bool              `json:"stream"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat json.RawMessage   `json:"response_format,omitempty"`
	Tools          []models.Tool     `json:"tools,omitempty"`
}

// ValidateModelConstraints enforces model-specific request
// constraints before dispatch, per spec.md §4.6: any model whose name
// contains "o3" (case-insensitive) requires temperature==0.
func ValidateModelConstraints(req *models.ChatCompletionRequest) *apierr.APIError {
	if strings.Contains(strings.ToLower(req.Model), "o3") {
		if req.Temperature != nil && *req.Temperature != 0 {
			return apierr.InvalidTemperature(req.Model)
		}
	}
	return nil
}

func buildBody(req *models.ChatCompletionRequest, stream bool) downstreamRequestBody {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := 0.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return downstreamRequestBody{
		Model:          req.Model,
		Messages:       req.Messages,
		Stream:         stream,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: req.ResponseFormat,
		Tools:          req.Tools,
	}
}

func (c *Client) newRequest(ctx context.Context, body any) (*http.Request, *apierr.APIError) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Internal("failed to encode downstream request: " + err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.Internal("failed to build downstream request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// Call performs a unary (non-streaming) completion request and
// returns the raw JSON body on success. On failure the error
// preserves the upstream envelope verbatim.
func (c *Client) Call(ctx context.Context, req *models.ChatCompletionRequest) (json.RawMessage, *apierr.APIError) {
	if !c.allow() {
		return nil, apierr.CircuitBreakerOpen()
	}

	httpReq, aerr := c.newRequest(ctx, buildBody(req, false))
	if aerr != nil {
		return nil, aerr
	}

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, apierr.New(apierr.KindAPI, apierr.CodeServiceUnavailable, http.StatusBadGateway,
			"primary provider request failed: "+err.Error()).AsRetryable()
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		c.recordFailure()
		return nil, apierr.Internal("failed to read primary provider response: " + err.Error())
	}

	if resp.StatusCode >= 300 {
		c.recordFailure()
		return nil, upstreamError(resp, body.Bytes())
	}

	return json.RawMessage(body.Bytes()), nil
}

// StreamResult carries the still-open upstream response body for C8
// to relay, or a fully-buffered error if the upstream rejected the
// request before any bytes were streamed.
type StreamResult struct {
	Response *http.Response
}

// CallStream starts a streaming completion request. If the upstream
// responds with a non-2xx status, the body is buffered and decoded so
// the caller gets the provider's original error message/code instead
// of a raw byte stream; otherwise the live *http.Response is returned
// for C8 to read chunk by chunk.
func (c *Client) CallStream(ctx context.Context, req *models.ChatCompletionRequest) (*StreamResult, *apierr.APIError) {
	if !c.allow() {
		return nil, apierr.CircuitBreakerOpen()
	}

	httpReq, aerr := c.newRequest(ctx, buildBody(req, true))
	if aerr != nil {
		return nil, aerr
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, apierr.New(apierr.KindAPI, apierr.CodeServiceUnavailable, http.StatusBadGateway,
			"primary provider stream request failed: "+err.Error()).AsRetryable()
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		c.recordFailure()
		ae := upstreamError(resp, body.Bytes())
		var decoded struct {
			Error struct {
				Message string          `json:"message"`
				Code    json.RawMessage `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body.Bytes(), &decoded)
		if decoded.Error.Message != "" {
			ae.Message = decoded.Error.Message
		}
		var code string
		if json.Unmarshal(decoded.Error.Code, &code) == nil && code != "" {
			ae.Code = apierr.Code(code)
		}
		return nil, ae
	}

	return &StreamResult{Response: resp}, nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

// allow reports whether the primary breaker permits a call, per
// spec.md §3's "C3 wraps C7" framing — consulted independently of
// whether moderation ran, so whitelisted-model and self-loop traffic
// (which bypasses C6 entirely) still respects a tripped breaker.
func (c *Client) allow() bool {
	if c.breaker == nil {
		return true
	}
	return c.breaker.Allow()
}

// upstreamError builds an APIError preserving the provider's status,
// body, and headers verbatim, retryable for 5xx/network-class
// failures and non-retryable for 4xx per spec.md §4.3/§7.
func upstreamError(resp *http.Response, body []byte) *apierr.APIError {
	ae := apierr.New(apierr.KindAPI, apierr.CodeServiceUnavailable, resp.StatusCode,
		fmt.Sprintf("primary provider returned status %d", resp.StatusCode)).
		WithUpstream(&apierr.UpstreamEnvelope{
			Status:     resp.StatusCode,
			Body:       json.RawMessage(body),
			StatusText: resp.Status,
			Headers:    resp.Header.Clone(),
		})
	if !apierr.IsNonRetryableStatus(resp.StatusCode) && resp.StatusCode >= 500 {
		ae.Retryable = true
	}
	return ae
}
