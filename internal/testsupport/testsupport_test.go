package testsupport

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"
)

func TestMockHTTPDoer_ReturnsConfiguredResponse(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockHTTPDoer(ctrl)

	want := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}
	doer.EXPECT().Do(gomock.Any()).Return(want, nil)

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/v1/chat/completions", nil)
	got, err := doer.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("expected the configured response back, got %+v", got)
	}
}

func TestMockHTTPDoer_ReturnsConfiguredError(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockHTTPDoer(ctrl)

	wantErr := errors.New("connection refused")
	doer.EXPECT().Do(gomock.Any()).Return(nil, wantErr)

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/v1/chat/completions", nil)
	_, err := doer.Do(req)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestNewModerationServer_ReturnsVerdict(t *testing.T) {
	srv := NewModerationServer(ModerationVerdict{IsViolation: true, RiskLevel: 5})
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"riskLevel":5`) {
		t.Fatalf("expected verdict content in response body, got %s", body)
	}
}

func TestNewPrimaryServer_RecordsRequest(t *testing.T) {
	var seenPath string
	srv := NewPrimaryServer(func(r *http.Request) { seenPath = r.URL.Path })
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if seenPath != "/v1/chat/completions" {
		t.Fatalf("expected request to be observed, got path %q", seenPath)
	}
}
