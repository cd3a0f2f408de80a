package httpapi

import (
	"math/rand"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/breaker"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/config"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/moderation"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/provider"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/ratelimit"
)

// Dependencies bundles every collaborator the dispatcher needs,
// injected rather than reached via package-level globals, per
// spec.md §9's design note on testability.
type Dependencies struct {
	Config *config.Config
	Logger *log.Logger

	RateLimiter    *ratelimit.Limiter
	PrimaryBreaker *breaker.ProviderBreaker
	GlobalBreaker  *breaker.GlobalBurstBreaker
	Moderation     *moderation.Engine
	Provider       *provider.Client
	HTTPClient     provider.HTTPDoer

	// RNG, when set, overrides the per-request seeded source used by
	// C5 sampling — tests inject a deterministic one here.
	RNG *rand.Rand
}

// NewRouter builds the gin engine and registers every route in
// spec.md §6, in C9's middleware order: CORS -> request id -> logging
// -> recovery -> per-route (global burst -> rate limit -> auth ->
// handler).
func NewRouter(d *Dependencies) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(CORSMiddleware(), RequestIDMiddleware(), LoggingMiddleware(d.Logger), RecoveryMiddleware(d.Logger))

	v1 := r.Group("/v1")

	v1.POST("/chat/completions", d.gate(ratelimit.RouteChat, d.ChatCompletions))
	v1.POST("/images/generations", d.gate(ratelimit.RouteImages, d.ImageGenerations))
	v1.POST("/audio/transcriptions", d.gate(ratelimit.RouteAudio, d.AudioTranscriptions))
	v1.GET("/models", d.gate(ratelimit.RouteModels, d.Models))

	r.GET("/health", d.Health)

	r.NoMethod(func(c *gin.Context) {
		writeError(c, apierr.MethodNotAllowed(c.Request.Method, c.Request.URL.Path))
	})
	r.NoRoute(func(c *gin.Context) {
		writeError(c, apierr.New(apierr.KindInvalidRequest, "not_found", http.StatusNotFound, "no such route"))
	})

	return r
}

// gate wraps a route handler with C9's per-request checks: the global
// burst breaker, the three-tier rate limiter, and bearer-token auth —
// in that order, per spec.md §4.8 steps 4/6/7.
func (d *Dependencies) gate(route ratelimit.Route, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.GlobalBreaker != nil && !d.GlobalBreaker.Allow() {
			writeError(c, apierr.GlobalBurstTripped())
			return
		}

		res := d.RateLimiter.Check(c.Request.Context(), route, c.ClientIP())
		setRateLimitHeaders(c, res)
		if res.Limited {
			writeError(c, apierr.RateLimitExceeded(map[string]any{"breakdown": res.Breakdown}))
			return
		}

		if !authorized(c, d.Config.AuthKey) {
			writeError(c, apierr.InvalidAuthKey())
			return
		}

		handler(c)
	}
}

func authorized(c *gin.Context, authKey string) bool {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return false
	}
	return h[len(prefix):] == authKey
}

