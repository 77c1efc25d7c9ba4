package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	exec := NewExecutor(Policy{Retry: fastRetry(3)}, testLogger())

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) Classification {
		return Classification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Policy{Retry: fastRetry(3)}, testLogger())

	attempts := 0
	errPermanent := errors.New("bad request")
	err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
		attempts++
		return errPermanent
	}, nil)
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAndNotifiesObserver(t *testing.T) {
	var mu sync.Mutex
	var transitions []gobreaker.State
	exec := NewExecutor(Policy{
		Retry: fastRetry(1),
		Breaker: BreakerPolicy{
			Enabled:          true,
			MinRequests:      2,
			FailureRatio:     0.5,
			OpenTimeout:      time.Minute,
			HalfOpenMaxCalls: 1,
		},
	}, testLogger()).WithObserver(func(_ string, _, to gobreaker.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	errDown := errors.New("neo4j down")
	for i := 0; i < 2; i++ {
		if err := exec.Execute(context.Background(), "neo4j.traverse", func(context.Context) error {
			return errDown
		}, nil); !errors.Is(err, errDown) {
			t.Fatalf("expected backend error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "neo4j.traverse", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, nil)
	if !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Fatalf("expected one transition to open, got %v", transitions)
	}
}

func TestDoReturnsValue(t *testing.T) {
	exec := NewExecutor(Policy{Retry: fastRetry(2)}, testLogger())

	calls := 0
	got, err := Do(context.Background(), exec, "ollama.embed", func(context.Context) ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return []float32{1, 2}, nil
	}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(got) != 2 || calls != 2 {
		t.Fatalf("expected value after one retry, got %v after %d calls", got, calls)
	}
}

func TestClassifyTransport(t *testing.T) {
	if c := ClassifyTransport(context.DeadlineExceeded); c.Retryable || c.RecordFailure {
		t.Fatalf("deadline must be final and not recorded, got %+v", c)
	}
	if c := ClassifyTransport(&net.OpError{Op: "dial", Err: errors.New("refused")}); !c.Retryable {
		t.Fatalf("network errors must be retryable, got %+v", c)
	}
	if c := ClassifyTransport(errors.New("boom")); c.Retryable || !c.RecordFailure {
		t.Fatalf("unknown errors are permanent failures, got %+v", c)
	}
}
