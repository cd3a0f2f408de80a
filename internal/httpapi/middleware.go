// Middleware implements the ambient half of C9's dispatcher sequence:
// request ID tagging, structured logging, panic recovery, and CORS —
// generalized from the teacher's RequestIDMiddleware/LoggingMiddleware.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const requestIDKey = "request_id"

// RequestIDMiddleware stamps every request with a short, uuid-derived
// ID, exactly like the teacher's middleware, and returns it on
// X-Request-ID for client debugging.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := "req_" + uuid.New().String()[:8]
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// LoggingMiddleware logs request start/end with timing, matching the
// teacher's field names (request_id, event) with method/path/client_ip added.
func LoggingMiddleware(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetString(requestIDKey)

		logger.WithFields(log.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"client_ip":  c.ClientIP(),
			"event":      "started",
		}).Info("request started")

		c.Next()

		logger.WithFields(log.Fields{
			"request_id": requestID,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"event":      "completed",
		}).Info("request completed")
	}
}

// CORSMiddleware answers OPTIONS with 204 and attaches the
// Access-Control-Allow-* headers spec.md §6 requires on every
// response.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RecoveryMiddleware converts a panic into a uniform 500 envelope
// instead of letting gin's default recovery print a bare stack trace
// to the client.
func RecoveryMiddleware(logger *log.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithFields(log.Fields{
			"request_id": c.GetString(requestIDKey),
			"event":      "panic_recovered",
			"panic":      recovered,
		}).Error("recovered from panic")
		writeError(c, internalPanicError())
	})
}
