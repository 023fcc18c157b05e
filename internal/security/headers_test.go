package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// serve runs one request with an Origin header through mw.
func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(mw)
	r.POST("/v1/registrations", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/v1/registrations/:session", func(c *gin.Context) { c.Status(http.StatusOK) })

	path := "/v1/registrations"
	if method == http.MethodGet {
		path += "/sess_headers01"
	}
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodPost, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, handler should still run", w.Code)
	}

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for h, v := range want {
		if got := w.Header().Get(h); got != v {
			t.Errorf("%s = %q, want %q", h, got, v)
		}
	}
}

func TestCORSMiddleware_Origins(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCreds   string
		wantMethods bool
	}{
		{"listed signup origin", []string{"https://signup.example.com"}, "https://signup.example.com", "https://signup.example.com", "true", true},
		{"unlisted origin", []string{"https://signup.example.com"}, "https://phish.example.net", "", "", false},
		{"wildcard echoes origin without credentials", []string{"*"}, "https://any.example.org", "https://any.example.org", "", true},
		{"empty list allows any origin", nil, "https://any.example.org", "https://any.example.org", "true", true},
		{"no origin header", []string{"*"}, "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
			if got := w.Header().Get("Access-Control-Allow-Methods") != ""; got != tt.wantMethods {
				t.Errorf("Allow-Methods present = %v, want %v", got, tt.wantMethods)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://signup.example.com"}), http.MethodOptions, "https://signup.example.com")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q", got)
	}
}
