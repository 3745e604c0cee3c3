package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"inowatch/internal/logging"
)

func TestLoggingMiddlewareAddsCategory(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelDebug, io.Discard)

	handler := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	entries := buffer.List()
	if len(entries) == 0 {
		t.Fatalf("expected log entries")
	}
	entry := entries[0]
	if entry.Context[logging.FieldCategory] != "api" {
		t.Fatalf("expected category api, got %q", entry.Context[logging.FieldCategory])
	}
	if entry.Context["http.route"] != "/api/status" {
		t.Fatalf("expected http.route /api/status, got %q", entry.Context["http.route"])
	}
}

func TestValidateToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		token  string
		want   bool
	}{
		{name: "no token configured", want: true},
		{name: "bearer match", header: "Bearer secret", token: "secret", want: true},
		{name: "bearer mismatch", header: "Bearer nope", token: "secret", want: false},
		{name: "query match", query: "?token=secret", token: "secret", want: true},
		{name: "missing", token: "secret", want: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/watches"+tc.query, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := validateToken(req, tc.token); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestIsOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://localhost:7070/ws/events", nil)
	if !isOriginAllowed(req, nil) {
		t.Fatalf("expected request without origin to be allowed")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !isOriginAllowed(req, nil) {
		t.Fatalf("expected same host origin to be allowed")
	}
	req.Header.Set("Origin", "http://evil.example")
	if isOriginAllowed(req, nil) {
		t.Fatalf("expected foreign origin to be rejected")
	}
	if !isOriginAllowed(req, []string{"evil.example"}) {
		t.Fatalf("expected listed origin to be allowed")
	}
}

func TestRestHandlerWritesJSONErrors(t *testing.T) {
	handler := restHandler("secret", func(w http.ResponseWriter, r *http.Request) *apiError {
		return nil
	})
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/watches", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if recorder.Header().Get("Cache-Control") != cacheControlNoStore {
		t.Fatalf("expected no-store cache control, got %q", recorder.Header().Get("Cache-Control"))
	}
	if body := recorder.Body.String(); body != "{\"message\":\"unauthorized\",\"code\":\"unauthorized\"}\n" {
		t.Fatalf("unexpected error body %q", body)
	}
}
