package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logpkg "github.com/parleyline/parley/internal/log"
)

func decodeErrorEnvelope(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error envelope: %v (body: %s)", err, w.Body.String())
	}
	return body
}

func TestRecoveryMiddlewarePanic(t *testing.T) {
	panicHandler := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("test panic")
	})
	handler := recoveryMiddleware(logpkg.NewNop(), panicHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := decodeErrorEnvelope(t, w); body.Error.Code != "internal" {
		t.Errorf("error code = %q, want %q", body.Error.Code, "internal")
	}
}

func TestRecoveryMiddlewareNoPanic(t *testing.T) {
	handler := recoveryMiddleware(logpkg.NewNop(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("request ID not injected into context")
	}
	if got := w.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID header = %q, want %q", got, seen)
	}
}

func TestRequestIDMiddlewarePreservesCallerID(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "caller-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if seen != "caller-supplied" {
		t.Errorf("request ID = %q, want caller-supplied", seen)
	}
}

func TestCORSMiddlewareAllowedOriginPreflight(t *testing.T) {
	handler := corsMiddleware([]string{"http://localhost:4200"}, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("next handler should not be called for OPTIONS")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/turns", nil)
	r.Header.Set("Origin", "http://localhost:4200")
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:4200" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:4200")
	}
}

func TestCORSMiddlewareDisallowedOrigin(t *testing.T) {
	handler := corsMiddleware([]string{"http://localhost:4200"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/turns", nil)
	r.Header.Set("Origin", "http://evil.example")
	handler.ServeHTTP(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty for disallowed origin", got)
	}
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	handler := corsMiddleware([]string{"*"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/turns", nil)
	r.Header.Set("Origin", "http://anywhere.example")
	handler.ServeHTTP(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://anywhere.example" {
		t.Errorf("Access-Control-Allow-Origin = %q, want echoed origin", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr with port", remoteAddr: "10.0.0.1:54321", want: "10.0.0.1"},
		{name: "forwarded single", remoteAddr: "10.0.0.1:54321", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain takes first", remoteAddr: "10.0.0.1:54321", forwarded: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoggingWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	lw := &loggingWriter{ResponseWriter: rec}

	lw.WriteHeader(http.StatusTeapot)
	if _, err := lw.Write([]byte("short and stout")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if lw.status != http.StatusTeapot {
		t.Errorf("status = %d, want %d", lw.status, http.StatusTeapot)
	}
	if lw.bytes != len("short and stout") {
		t.Errorf("bytes = %d, want %d", lw.bytes, len("short and stout"))
	}
}

func TestLoggingWriterImplicitOK(t *testing.T) {
	lw := &loggingWriter{ResponseWriter: httptest.NewRecorder()}
	if _, err := lw.Write([]byte("hi")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if lw.status != http.StatusOK {
		t.Errorf("status = %d, want %d for implicit header", lw.status, http.StatusOK)
	}
}
