// Hand-written in the shape mockgen generates for the HTTPDoer
// interface (method: Do).

// Package testsupport holds shared test doubles and httptest helpers
// used across the gateway's package test suites: a gomock-style
// generated mock for the provider/moderation HTTPDoer surface, and
// httptest servers standing in for the moderation and primary
// providers.
package testsupport

import (
	"net/http"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockHTTPDoer is a mock of the HTTPDoer interface shared by
// internal/provider and internal/moderation.
type MockHTTPDoer struct {
	ctrl     *gomock.Controller
	recorder *MockHTTPDoerMockRecorder
}

// MockHTTPDoerMockRecorder is the mock recorder for MockHTTPDoer.
type MockHTTPDoerMockRecorder struct {
	mock *MockHTTPDoer
}

// NewMockHTTPDoer creates a new mock instance.
func NewMockHTTPDoer(ctrl *gomock.Controller) *MockHTTPDoer {
	mock := &MockHTTPDoer{ctrl: ctrl}
	mock.recorder = &MockHTTPDoerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockHTTPDoer) EXPECT() *MockHTTPDoerMockRecorder {
	return m.recorder
}

// Do mocks base method.
func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Do", req)
	resp, _ := ret[0].(*http.Response)
	err, _ := ret[1].(error)
	return resp, err
}

// Do indicates an expected call of Do.
func (mr *MockHTTPDoerMockRecorder) Do(req any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Do", reflect.TypeOf((*MockHTTPDoer)(nil).Do), req)
}
