package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskqueue/internal/logger"
)

func TestRequestLogger_GeneratesRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "info")

	var seen string
	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/task_instances", nil))

	if seen == "" {
		t.Fatal("expected a request ID in the handler context")
	}
	if got := rr.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("got response header %q, want %q", got, seen)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	if entry["request_id"] != seen {
		t.Errorf("got request_id %v, want %s", entry["request_id"], seen)
	}
	if entry["status"] != float64(http.StatusCreated) {
		t.Errorf("got status %v, want %d", entry["status"], http.StatusCreated)
	}
	if entry["path"] != "/task_instances" {
		t.Errorf("got path %v", entry["path"])
	}
}

func TestRequestLogger_KeepsIncomingRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "info")

	var seen string
	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen != "req-abc" {
		t.Errorf("got request ID %q, want req-abc", seen)
	}
	if got := rr.Header().Get(RequestIDHeader); got != "req-abc" {
		t.Errorf("got response header %q, want req-abc", got)
	}
}
