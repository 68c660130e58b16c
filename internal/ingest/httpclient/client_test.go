package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/retry"
)

func TestClient_RetriesTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultTimeoutConfig(), retry.Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExpBase: 1}, zerolog.Nop())
	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil, "test-call")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hits != 3 {
		t.Fatalf("expected 3 hits, got %d", hits)
	}
}

func TestClient_TerminalErrorStopsEarly(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(DefaultTimeoutConfig(), retry.Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExpBase: 1}, zerolog.Nop())
	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil, "test-call")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if hits != 1 {
		t.Fatalf("expected exactly 1 hit, got %d", hits)
	}
}
