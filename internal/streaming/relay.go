// Package streaming implements C8: the SSE relay that tunnels
// upstream chunks to the client with an inactivity watchdog and
// in-band error framing.
package streaming

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
)

const watchdogTick = 10 * time.Second

const doneFrame = "data: [DONE]\n\n"

// doneSuffixLen bounds how many trailing bytes of the relayed stream
// are kept around to detect whether the upstream's own final chunk
// already ended with "data: [DONE]\n\n" — this gateway always ensures
// exactly one trailing [DONE] frame reaches the client (spec.md §9's
// open question, resolved: append it ourselves when the upstream
// didn't already send it).
const doneSuffixLen = len(doneFrame)

// Headers sets the standard SSE response headers, per spec.md §4.7.
func Headers(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}

// VerdictHeaders attaches the moderation metadata headers that must
// be written before the first data byte, per spec.md §4.7.
func VerdictHeaders(c *gin.Context, logID string, riskLevel int, isPartialCheck bool) {
	c.Header("X-Content-Review-ID", logID)
	c.Header("X-Risk-Level", itoa(riskLevel))
	if isPartialCheck {
		c.Header("X-Content-Review-Partial", "true")
	}
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

// Relay tunnels the upstream response body to the client byte for
// byte, in the exact order received, with a streamTimeout inactivity
// watchdog. It is built around sourcegraph/conc's context-scoped pool
// so the reader and the watchdog tick share one cancellation path
// instead of ad-hoc channel plumbing.
func Relay(c *gin.Context, upstream *http.Response, streamTimeout time.Duration, logger *log.Entry) {
	defer upstream.Body.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var mu sync.Mutex
	lastByteAt := time.Now()
	touch := func() {
		mu.Lock()
		lastByteAt = time.Now()
		mu.Unlock()
	}
	idleFor := func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Since(lastByteAt)
	}

	var timedOut bool
	var suffix []byte

	p := pool.New().WithContext(ctx).WithCancelOnError()

	p.Go(func(ctx context.Context) error {
		// the upstream ending (cleanly or not) also stops the watchdog
		defer cancel()
		return relayBody(ctx, c, upstream.Body, touch, &suffix)
	})
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(watchdogTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if idleFor() > streamTimeout {
					timedOut = true
					writeTimeoutFrame(c)
					// closing the upstream unblocks the reader's pending Read
					_ = upstream.Body.Close()
					return nil
				}
			}
		}
	})

	if err := p.Wait(); err != nil && logger != nil {
		logger.WithFields(log.Fields{"event": "stream_relay_error", "error": err.Error()}).Warn("stream relay ended with an error")
	}
	cancel()

	if timedOut {
		c.Writer.Flush()
		return
	}

	if !hasSuffix(suffix, []byte(doneFrame)) {
		writeRaw(c, []byte(doneFrame))
	}
	c.Writer.Flush()
}

// relayBody copies upstream bytes to the client unchanged, touching
// the watchdog clock on every chunk and tracking a small rolling
// suffix so the caller can detect a pre-existing trailing [DONE].
func relayBody(ctx context.Context, c *gin.Context, body io.Reader, touch func(), suffix *[]byte) error {
	reader := bufio.NewReaderSize(body, 4096)
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			writeRaw(c, chunk)
			touch()
			*suffix = rollingSuffix(*suffix, chunk)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func rollingSuffix(prev, chunk []byte) []byte {
	combined := append(append([]byte(nil), prev...), chunk...)
	if len(combined) > doneSuffixLen {
		combined = combined[len(combined)-doneSuffixLen:]
	}
	return combined
}

func hasSuffix(buf, suf []byte) bool {
	if len(buf) < len(suf) {
		return false
	}
	return string(buf[len(buf)-len(suf):]) == string(suf)
}

func writeRaw(c *gin.Context, b []byte) {
	_, _ = c.Writer.Write(b)
	c.Writer.Flush()
}

// writeTimeoutFrame emits the in-band SSE error + [DONE] termination
// described in spec.md §4.7 when the inactivity watchdog fires.
func writeTimeoutFrame(c *gin.Context) {
	ae := apierr.StreamTimeout()
	writeRaw(c, []byte("data: "+string(ae.SSEPayload())+"\n\n"))
	writeRaw(c, []byte(doneFrame))
}

// WriteError emits an in-band SSE error frame followed by a single
// [DONE], for errors surfaced before or during relay (e.g. a content
// violation detected before the primary provider is ever called).
func WriteError(c *gin.Context, err *apierr.APIError) {
	payload := sse.Event{Event: "", Data: string(err.SSEPayload())}
	_ = sse.Encode(c.Writer, payload)
	writeRaw(c, []byte(doneFrame))
}
