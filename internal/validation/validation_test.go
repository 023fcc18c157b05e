package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"user@example.com", true},
		{"Test+promo@Gmail.com", true},
		{"  padded@example.org  ", true},
		{"first.last@sub.example.co.uk", true},

		{"", false},
		{"no-at-sign", false},
		{"two@@example.com", false},
		{"user@nodot", false},
		{"spa ce@example.com", false},
		{strings.Repeat("a", 250) + "@example.com", false},
	}

	for _, tc := range tests {
		if got := IsValidEmail(tc.email); got != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, got, tc.valid)
		}
	}
}

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"sess_12345678", true},
		{"0c2f7a1e-5b7d-4b88-9d3a-6a4b1f0e2c11", true},
		{"short", false},
		{"has space in it", false},
		{"semi;colon12", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tc := range tests {
		if got := IsValidSessionID(tc.id); got != tc.valid {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
		{"héllo", 2, "h"}, // é is two bytes; never split it
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("email", ""),
		ValidEmail("email", ""),
		MaxLength("username", "abcdef", 3),
		NonNegative("form_completion_seconds", -1),
	)

	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "email" || errs[0].Message != "is required" {
		t.Errorf("unexpected first error: %+v", errs[0])
	}
	if errs.Error() != "email: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}

	if errs := Validate(Required("email", "a@b.co"), ValidEmail("email", "a@b.co")); len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
}

func TestSessionParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/registrations/:session", SessionParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path string
		code int
	}{
		{"/v1/registrations/sess_abcdefgh", http.StatusOK},
		{"/v1/registrations/bad", http.StatusBadRequest},
	}

	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", tc.path, nil))
		if w.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	big := `{"email":"` + strings.Repeat("x", 64) + `"}`
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(big)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected oversized body to be rejected, got %d", w.Code)
	}
}
