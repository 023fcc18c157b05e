package registration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/reggate/internal/bans"
	"github.com/mbd888/reggate/internal/signals"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.orch)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, f
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test/1.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) RegistrationResult {
	t.Helper()
	var res RegistrationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

func attemptBody(sessionID, email string, formSeconds float64) AttemptRequest {
	return AttemptRequest{
		SessionID: sessionID,
		Username:  "alice",
		Email:     email,
		Password:  "hunter2hunter2",
		Client:    signals.ClientInfo{FormCompletionSeconds: formSeconds},
	}
}

func TestRegister_Allowed(t *testing.T) {
	r, f := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/registrations", attemptBody("sess_http_0001", "alice@example.com", 30))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := decodeResult(t, w)
	assert.Equal(t, ResultAllowed, res.Action)
	assert.Equal(t, "sess_http_0001", res.SessionID)
	require.NotNil(t, res.UserID)
	assert.NotContains(t, w.Body.String(), "hunter2")

	rec, err := f.records.Get(t.Context(), "sess_http_0001")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", rec.IPAddress, "ip comes from the connection")
	assert.Equal(t, "handler-test/1.0", rec.UserAgent)
}

func TestRegister_BodyIPCannotOverrideConnection(t *testing.T) {
	r, f := setupRouter(t)
	ctx := t.Context()
	for _, b := range []bans.BannedSignal{
		{SignalType: bans.TypeIP, SignalValue: "192.0.2.1", BannedBy: "test"},
		{SignalType: bans.TypeSubnet, SignalValue: "192.0.2.0/24", BannedBy: "test"},
	} {
		_, err := f.registry.Ban(ctx, b)
		require.NoError(t, err)
	}

	body := attemptBody("sess_http_spoof", "alice@example.com", 30)
	body.Client.IP = "203.0.113.9"
	w := do(r, http.MethodPost, "/v1/registrations", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	res := decodeResult(t, w)
	assert.Equal(t, ResultChallengeRequired, res.Action)
	require.NotNil(t, res.RiskScore)
	assert.Equal(t, 130, *res.RiskScore, "ip and subnet bans both apply")

	rec, err := f.records.Get(ctx, "sess_http_spoof")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", rec.IPAddress)
}

func TestRegister_ForwardedForIgnoredWithoutTrustedProxy(t *testing.T) {
	r, f := setupRouter(t)
	require.NoError(t, r.SetTrustedProxies(nil))

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(attemptBody("sess_http_xff01", "alice@example.com", 30)))
	req := httptest.NewRequest(http.MethodPost, "/v1/registrations", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec, err := f.records.Get(t.Context(), "sess_http_xff01")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", rec.IPAddress)
}

func TestRegister_GeneratesSessionID(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/registrations", attemptBody("", "bob@example.com", 30))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeResult(t, w)
	assert.Contains(t, res.SessionID, "sess_")
}

func TestRegister_BadInput(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"invalid email", attemptBody("sess_http_0002", "nope", 30)},
		{"invalid session", attemptBody("bad id!", "carl@example.com", 30)},
		{"not json object", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/registrations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestRegister_Blocked(t *testing.T) {
	r, _ := setupRouter(t)

	// Disposable domain (120) plus a 1s form (40).
	w := do(r, http.MethodPost, "/v1/registrations", attemptBody("sess_http_0003", "x@mailinator.com", 1))
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	res := decodeResult(t, w)
	assert.Equal(t, ResultBlocked, res.Action)
	assert.True(t, res.AppealAvailable)
}

func TestChallengeRoundTrip(t *testing.T) {
	r, f := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/registrations", attemptBody("sess_http_0004", "dora@mailinator.com", 30))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decodeResult(t, w)
	require.NotNil(t, res.Challenge)

	w = do(r, http.MethodGet, "/v1/registrations/sess_http_0004", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"action_taken":"challenged"`)

	bad := solve(res.Challenge)
	bad.Hash = "ffff"
	w = do(r, http.MethodPost, "/v1/registrations/sess_http_0004/challenge", bad)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/registrations/sess_http_0004/challenge", solve(res.Challenge))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decodeResult(t, w)
	assert.Equal(t, ResultMonitored, out.Action)
	assert.Equal(t, 1, f.accounts.count())
}

func TestConfirmRoute(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/registrations", attemptBody("sess_http_0005", "eve@nomx.example", 30))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, ResultVerificationRequired, decodeResult(t, w).Action)

	w = do(r, http.MethodPost, "/v1/registrations/sess_http_0005/confirm", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestGetStatus_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/v1/registrations/sess_missing_99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/registrations/short", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogin(t *testing.T) {
	r, f := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/logins", attemptBody("sess_http_0006", "fay@example.com", 30))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeResult(t, w)
	assert.True(t, res.Success)
	assert.Equal(t, 0, f.accounts.count())
}
