package streaming

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	c.Request = req
	return c, rec
}

func TestRelay_PassesBytesThroughInOrderAndAppendsDone(t *testing.T) {
	upstreamBody := "data: chunk1\n\ndata: chunk2\n\n"
	upstream := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(upstreamBody)),
	}

	c, rec := newTestContext()
	Relay(c, upstream, time.Second, nil)

	got := rec.Body.String()
	if !strings.HasPrefix(got, upstreamBody) {
		t.Fatalf("expected upstream bytes preserved verbatim as a prefix, got %q", got)
	}
	if !strings.HasSuffix(got, doneFrame) {
		t.Fatalf("expected exactly one trailing [DONE] frame, got %q", got)
	}
	if strings.Count(got, "[DONE]") != 1 {
		t.Fatalf("expected exactly one [DONE] frame, got %q", got)
	}
}

func TestRelay_DoesNotDuplicateUpstreamDone(t *testing.T) {
	upstreamBody := "data: chunk1\n\ndata: [DONE]\n\n"
	upstream := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(upstreamBody)),
	}

	c, rec := newTestContext()
	Relay(c, upstream, time.Second, nil)

	got := rec.Body.String()
	if strings.Count(got, "[DONE]") != 1 {
		t.Fatalf("expected exactly one [DONE] frame when upstream already sent one, got %q", got)
	}
}

func TestRelay_InactivityWatchdogEmitsTimeoutFrame(t *testing.T) {
	pr, pw := io.Pipe()
	// never write to pw, never close it — simulates a stalled upstream.
	upstream := &http.Response{
		StatusCode: http.StatusOK,
		Body:       pr,
	}
	defer pw.Close()

	c, rec := newTestContext()

	done := make(chan struct{})
	go func() {
		Relay(c, upstream, 5*time.Millisecond, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(watchdogTick + 2*time.Second):
		t.Fatalf("relay did not return after inactivity watchdog should have fired")
	}

	got := rec.Body.String()
	if !strings.Contains(got, `"code":"stream_timeout"`) {
		t.Fatalf("expected an in-band stream_timeout error frame, got %q", got)
	}
	if !strings.HasSuffix(got, doneFrame) {
		t.Fatalf("expected a trailing [DONE] after the timeout frame, got %q", got)
	}
}

func TestWriteError_EmitsErrorThenDone(t *testing.T) {
	c, rec := newTestContext()
	WriteError(c, apierr.ContentViolation(5, "mod_123_abc", false))

	got := rec.Body.String()
	if !strings.Contains(got, `"code":"content_violation"`) {
		t.Fatalf("expected content_violation error frame, got %q", got)
	}
	if !strings.HasSuffix(got, doneFrame) {
		t.Fatalf("expected trailing [DONE], got %q", got)
	}
}
