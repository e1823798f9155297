package llm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/vocalink/pkg/provider/llm"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name   string
		err    error
		status int
		want   error
	}{
		{"rate limited", base, 429, llm.ErrRateLimited},
		{"gateway timeout", base, 504, llm.ErrTimeout},
		{"deadline", context.DeadlineExceeded, 0, llm.ErrTimeout},
		{"server error", base, 500, llm.ErrUnavailable},
		{"unknown", base, 0, llm.ErrUnavailable},
		{"already classified", fmt.Errorf("x: %w", llm.ErrRateLimited), 500, llm.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := llm.Classify(context.Background(), tt.err, tt.status)
			if !errors.Is(got, tt.want) {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Classify dropped the original error: %v", got)
			}
		})
	}

	if llm.Classify(context.Background(), nil, 500) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !llm.Retryable(fmt.Errorf("x: %w", llm.ErrTimeout)) {
		t.Error("timeout should be retryable")
	}
	if llm.Retryable(errors.New("bad request")) {
		t.Error("unclassified error should not be retryable")
	}
	if llm.Retryable(fmt.Errorf("%w: %w", llm.ErrUnavailable, context.Canceled)) {
		t.Error("cancellation should not be retryable")
	}
}
