package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noJitter() float64 { return 0 }

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		want   Outcome
	}{
		{nil, 0, Success},
		{nil, 200, Success},
		{nil, 503, Retryable},
		{nil, 429, Retryable},
		{nil, 404, Terminal},
		{errors.New("dial tcp: timeout"), 0, Retryable},
	}
	for _, c := range cases {
		if got := Classify(c.err, c.status); got != c.want {
			t.Errorf("Classify(%v, %d) = %v, want %v", c.err, c.status, got, c.want)
		}
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0, ExpBase: 2}
	calls := 0
	resp, err := Do(context.Background(), zerolog.Nop(), cfg, "export-status", noJitter, func(ctx context.Context, attempt int) (*http.Response, int, error) {
		calls++
		if attempt < 2 {
			return nil, 503, nil
		}
		return &http.Response{StatusCode: 200}, 200, nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp == nil || resp.StatusCode != 200 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_TerminalStopsImmediately(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: 0, MaxDelay: 0, ExpBase: 2}
	calls := 0
	_, err := Do(context.Background(), zerolog.Nop(), cfg, "export-status", noJitter, func(ctx context.Context, attempt int) (*http.Response, int, error) {
		calls++
		return &http.Response{StatusCode: 404}, 404, nil
	})
	if err != nil {
		t.Fatalf("expected nil error for terminal non-error status, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for terminal outcome, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0, ExpBase: 2}
	calls := 0
	_, err := Do(context.Background(), zerolog.Nop(), cfg, "export-status", noJitter, func(ctx context.Context, attempt int) (*http.Response, int, error) {
		calls++
		return nil, 503, nil
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted in chain, got %v", err)
	}
	if calls != cfg.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", cfg.MaxAttempts, calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, ExpBase: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, zerolog.Nop(), cfg, "export-status", noJitter, func(ctx context.Context, attempt int) (*http.Response, int, error) {
		return nil, 503, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
