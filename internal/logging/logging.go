// Package logging builds the gateway's logrus logger and the
// request-scoped field helper every component logs through, matching
// the teacher's log.WithFields(log.Fields{...}) call style.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// New configures the shared logger the way the teacher's
// cmd/mock-provider/main.go does (full-timestamp text formatter).
func New() *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return logger
}

// WithRequest returns an entry pre-populated with the fields every
// handler log line carries: request_id, route, client_ip.
func WithRequest(logger *log.Logger, requestID, route, clientIP string) *log.Entry {
	return logger.WithFields(log.Fields{
		"request_id": requestID,
		"route":      route,
		"client_ip":  clientIP,
	})
}
