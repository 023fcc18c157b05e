package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reggate/internal/config"
	"github.com/mbd888/reggate/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testOperatorKey = "rk_00112233445566778899aabbccddeeff"

// fakeResolver answers every domain with one MX and an SPF record.
type fakeResolver struct{}

func (fakeResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	return []*net.MX{{Host: "mx.example.com.", Pref: 10}}, nil
}

func (fakeResolver) LookupTXT(context.Context, string) ([]string, error) {
	return []string{"v=spf1 -all"}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		FingerprintSecret:      "test-fingerprint-secret",
		DNSTimeout:             time.Second,
		ChallengeSweepInterval: time.Minute,
		AppealURL:              "/support/appeal",
		OperatorAPIKey:         testOperatorKey,
	}
}

// newTestServer creates an in-memory server with a fake resolver
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithResolver(fakeResolver{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.throttle.Stop)
	return s
}

func request(s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", resp.Status)
	}

	if w := request(s, http.MethodGet, "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", w.Code)
	}
	if w := request(s, http.MethodGet, "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before Run: expected 503, got %d", w.Code)
	}
	s.ready.Store(true)
	if w := request(s, http.MethodGet, "/health/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("readiness: expected 200, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/health/live", "", nil)
	if len(w.Header().Get("X-Request-ID")) != 32 {
		t.Errorf("Expected generated request id, got %q", w.Header().Get("X-Request-ID"))
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers")
	}
}

func TestRegistrationFlow(t *testing.T) {
	s := newTestServer(t)

	body := map[string]any{
		"session_id": "sess_server_001",
		"username":   "alice",
		"email":      "alice@example.com",
		"password":   "correct horse battery staple",
		"client":     map[string]any{"form_completion_seconds": 25, "user_agent": "Mozilla/5.0"},
	}
	w := request(s, http.MethodPost, "/v1/registrations", "", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if res["action"] != "allowed" {
		t.Errorf("Expected allowed, got %v", res["action"])
	}
	if res["user_id"] == nil {
		t.Error("Expected user_id for an allowed registration")
	}

	w = request(s, http.MethodGet, "/v1/registrations/sess_server_001", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: expected 200, got %d", w.Code)
	}
}

func TestAdminRoutesRequireOperatorKey(t *testing.T) {
	s := newTestServer(t)
	ban := map[string]any{"signal_type": "email", "signal_value": "mallory@example.com", "reason": "fraud"}

	if w := request(s, http.MethodPost, "/v1/admin/bans", "", ban); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without key, got %d", w.Code)
	}
	if w := request(s, http.MethodPost, "/v1/admin/bans", "rk_wrongwrongwrongwrongwrongwrongwrong", ban); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 with unknown key, got %d", w.Code)
	}
	if w := request(s, http.MethodPost, "/v1/registrations/sess_server_002/confirm", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for confirm without key, got %d", w.Code)
	}

	w := request(s, http.MethodPost, "/v1/admin/bans", testOperatorKey, ban)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Banned email (130) plus an instant form (40) is blocked.
	body := map[string]any{
		"session_id": "sess_server_003",
		"email":      "mallory@example.com",
		"client":     map[string]any{"form_completion_seconds": 1},
	}
	w = request(s, http.MethodPost, "/v1/registrations", "", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	if w := request(s, http.MethodGet, "/v1/admin/policy", testOperatorKey, nil); w.Code != http.StatusOK {
		t.Errorf("policy: expected 200, got %d", w.Code)
	}
}

func TestNew_BadOperatorKey(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorAPIKey = "rk_short"
	if _, err := New(cfg, WithLogger(logging.Discard())); err == nil {
		t.Fatal("Expected error for a malformed operator key")
	}
}

func TestNew_BadTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedProxies = []string{"not-a-cidr"}
	if _, err := New(cfg, WithLogger(logging.Discard())); err == nil {
		t.Fatal("Expected error for an invalid trusted proxy")
	}
}

func TestForwardedForIgnoredByDefault(t *testing.T) {
	s := newTestServer(t)

	ban := map[string]any{"signal_type": "ip", "signal_value": "192.0.2.1", "reason": "abuse"}
	if w := request(s, http.MethodPost, "/v1/admin/bans", testOperatorKey, ban); w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]any{
		"session_id": "sess_server_xff",
		"email":      "bob@example.com",
		"client":     map[string]any{"form_completion_seconds": 25, "ip": "203.0.113.9"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/registrations", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	// The banned connection address still scores, so the attempt is held.
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"risk_score":80`) {
		t.Errorf("Expected the ip ban to score, got %s", w.Body.String())
	}
}

func TestNew_MissingPolicyFile(t *testing.T) {
	cfg := testConfig()
	cfg.RiskPolicyFile = "/nonexistent/policy.yaml"
	if _, err := New(cfg, WithLogger(logging.Discard())); err == nil {
		t.Fatal("Expected error for a missing policy file")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://gate:s3cret@db:5432/reggate?sslmode=disable")
	if strings.Contains(got, "s3cret") || !strings.Contains(got, "@db:5432/reggate") {
		t.Errorf("maskDSN leaked or mangled the DSN: %s", got)
	}
}
