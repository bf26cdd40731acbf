package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type mockConsumer struct{ joined bool }

func (m *mockConsumer) IsJoined() bool { return m.joined }

type mockDBChecker struct{ err error }

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(positionsJoined, alertsJoined bool) *Server {
	return &Server{
		logger:           zap.NewNop(),
		positionConsumer: &mockConsumer{joined: positionsJoined},
		alertConsumer:    &mockConsumer{joined: alertsJoined},
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(false, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestReadyz_NotReady_ConsumersNotJoined(t *testing.T) {
	s := newTestServer(false, false)
	s.dbChecker = &mockDBChecker{}
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestReadyz_Ready_AllChecksPass(t *testing.T) {
	s := newTestServer(true, true)
	s.dbChecker = &mockDBChecker{}
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadyz_NotReady_DBError(t *testing.T) {
	s := newTestServer(true, true)
	s.dbChecker = &mockDBChecker{err: context.DeadlineExceeded}
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/sos", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if ip := clientIP(req); ip != "203.0.113.9" {
		t.Errorf("expected forwarded IP, got %q", ip)
	}
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/sos", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	if ip := clientIP(req); ip != "10.0.0.1" {
		t.Errorf("expected stripped remote addr, got %q", ip)
	}
}
