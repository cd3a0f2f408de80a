// Package httpapi implements C9: the dispatcher — gin router,
// middleware chain, and per-route handlers for the OpenAI-compatible
// surface described in spec.md §6.
package httpapi

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/logging"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/models"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/provider"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/ratelimit"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/retry"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/streaming"
)

func writeError(c *gin.Context, err *apierr.APIError) {
	apierr.Write(c, err)
}

func internalPanicError() *apierr.APIError {
	return apierr.Internal("an unexpected error occurred")
}

func entryFor(c *gin.Context, logger *log.Logger, route string) *log.Entry {
	return logging.WithRequest(logger, c.GetString(requestIDKey), route, c.ClientIP())
}

// setRateLimitHeaders writes the X-RateLimit-* headers spec.md §6
// requires on every response, successful or not.
func setRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", itoa(int(res.Reset.Unix())))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ChatCompletions implements POST /v1/chat/completions: the full
// mediation pipeline (C9 → C6 → C7 → C8), per spec.md §2's flow.
func (d *Dependencies) ChatCompletions(c *gin.Context) {
	logger := entryFor(c, d.Logger, "chat")

	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.InvalidRequestBody(err.Error()))
		return
	}

	skip := d.Moderation.ShouldSkip(req.Messages, req.Model)

	if !skip {
		modCtx, cancel := context.WithTimeout(c.Request.Context(), d.perAttemptTimeout())
		verdict, verr := d.Moderation.Classify(modCtx, req.Messages, d.rng())
		cancel()
		if verr != nil {
			logger.WithFields(log.Fields{"event": "moderation_error", "error": verr.Error()}).Warn("moderation call failed")
			if req.Stream {
				streaming.Headers(c)
				c.Status(http.StatusOK)
				streaming.WriteError(c, verr)
				return
			}
			writeError(c, verr)
			return
		}
		if verdict.IsViolation {
			verr := apierr.ContentViolation(verdict.RiskLevel, verdict.LogID, verdict.IsPartialCheck)
			logger.WithFields(log.Fields{
				"event":      "content_violation",
				"risk_level": verdict.RiskLevel,
				"log_id":     verdict.LogID,
			}).Warn("moderation flagged a violation")
			if req.Stream {
				streaming.Headers(c)
				streaming.VerdictHeaders(c, verdict.LogID, verdict.RiskLevel, verdict.IsPartialCheck)
				c.Status(http.StatusOK)
				streaming.WriteError(c, verr)
				return
			}
			writeError(c, verr)
			return
		}
		streaming.VerdictHeaders(c, verdict.LogID, verdict.RiskLevel, verdict.IsPartialCheck)
	}

	if aerr := provider.ValidateModelConstraints(&req); aerr != nil {
		writeError(c, aerr)
		return
	}

	if req.Stream {
		d.forwardStream(c, &req, logger)
		return
	}
	d.forwardUnary(c, &req, logger)
}

func (d *Dependencies) forwardUnary(c *gin.Context, req *models.ChatCompletionRequest, logger *log.Entry) {
	body, err := retry.Do(c.Request.Context(), d.retryConfig(), func(ctx context.Context, attempt int) ([]byte, *apierr.APIError) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.perAttemptTimeout())
		defer cancel()
		raw, aerr := d.Provider.Call(attemptCtx, req)
		if aerr != nil {
			return nil, aerr
		}
		return raw, nil
	})
	if err != nil {
		logger.WithFields(log.Fields{"event": "primary_provider_error", "error": err.Error()}).Error("primary provider call failed")
		writeError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", body)
}

func (d *Dependencies) forwardStream(c *gin.Context, req *models.ChatCompletionRequest, logger *log.Entry) {
	result, err := retry.Do(c.Request.Context(), d.retryConfig(), func(ctx context.Context, attempt int) (*provider.StreamResult, *apierr.APIError) {
		return d.Provider.CallStream(ctx, req)
	})
	if err != nil {
		logger.WithFields(log.Fields{"event": "primary_provider_stream_error", "error": err.Error()}).Error("primary provider stream call failed")
		streaming.Headers(c)
		c.Status(http.StatusOK)
		streaming.WriteError(c, err)
		return
	}

	streaming.Headers(c)
	c.Status(http.StatusOK)
	streaming.Relay(c, result.Response, d.Config.Timeouts.StreamTimeout, logger)
}

// ImagesGenerations, AudioTranscriptions and Models are straight
// authenticated reverse proxies per spec.md §1's Non-goals: they
// reuse only the rate limiter and error formatter, never the
// moderation/retry/breaker/streaming machinery.
func (d *Dependencies) ImageGenerations(c *gin.Context) {
	d.simpleProxy(c, "/images/generations")
}

func (d *Dependencies) AudioTranscriptions(c *gin.Context) {
	d.simpleProxy(c, "/audio/transcriptions")
}

func (d *Dependencies) Models(c *gin.Context) {
	d.simpleProxy(c, "/models")
}

func (d *Dependencies) simpleProxy(c *gin.Context, downstreamPath string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), d.perAttemptTimeout())
	defer cancel()

	req, aerr := http.NewRequestWithContext(ctx, c.Request.Method, d.Config.SecondProvider.URL+downstreamPath, c.Request.Body)
	if aerr != nil {
		writeError(c, apierr.Internal("failed to build downstream request: "+aerr.Error()))
		return
	}
	req.Header.Set("Content-Type", c.GetHeader("Content-Type"))
	req.Header.Set("Authorization", "Bearer "+d.Config.SecondProvider.Key)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		writeError(c, apierr.ServiceUnavailable("primary provider unreachable: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	for k, vals := range resp.Header {
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	_, _ = c.Writer.ReadFrom(resp.Body)
}

// Health reports liveness, extended from the teacher's static
// {"status":"healthy"} to surface breaker state for orchestrator
// probes.
func (d *Dependencies) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":                  "healthy",
		"time":                    time.Now().UTC().Format(time.RFC3339),
		"primary_breaker_tripped": d.PrimaryBreaker.Tripped(),
		"global_breaker_tripped":  d.GlobalBreaker.Tripped(),
	})
}

func (d *Dependencies) retryConfig() retry.Config {
	return retry.Config{
		Enabled:       d.Config.Timeouts.EnableRetry,
		RetryDelay:    d.Config.Timeouts.RetryDelay,
		MaxRetryTime:  d.Config.Timeouts.MaxRetryTime,
		MaxRetryCount: d.Config.Timeouts.MaxRetryCount,
	}
}

func (d *Dependencies) perAttemptTimeout() time.Duration {
	return d.Config.Timeouts.MaxRetryTime / 2
}

// rng returns the RNG used for C5 sampling: Dependencies.RNG when set
// (tests inject a seeded one), otherwise a fresh clock-seeded source
// for this request.
func (d *Dependencies) rng() *rand.Rand {
	if d.RNG != nil {
		return d.RNG
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
