package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterFailure(t *testing.T) {
	t.Parallel()
	calls := 0
	var retried []int
	err := Retry(context.Background(), RetryConfig{
		Attempts: 3,
		Backoff:  time.Millisecond,
		OnRetry:  func(attempt int, _ error) { retried = append(retried, attempt) },
	}, func(context.Context) error {
		calls++
		if calls < 2 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Errorf("OnRetry attempts = %v, want [1]", retried)
	}
}

func TestRetry_StopsAfterAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 2}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_NonRetryable(t *testing.T) {
	t.Parallel()
	fatal := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v after %d calls, want fatal after 1", err, calls)
	}
}

func TestRetry_ExponentialBackoff(t *testing.T) {
	t.Parallel()
	var stamps []time.Time
	_ = Retry(context.Background(), RetryConfig{Attempts: 3, Backoff: 20 * time.Millisecond}, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errTest
	})
	if len(stamps) != 3 {
		t.Fatalf("calls = %d, want 3", len(stamps))
	}
	if d := stamps[1].Sub(stamps[0]); d < 20*time.Millisecond {
		t.Errorf("first wait = %v, want >= 20ms", d)
	}
	if d := stamps[2].Sub(stamps[1]); d < 40*time.Millisecond {
		t.Errorf("second wait = %v, want >= 40ms", d)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	calls := 0
	err := Retry(ctx, RetryConfig{Attempts: 3, Backoff: time.Hour}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want last call error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("Retry did not honour context cancellation")
	}
}
