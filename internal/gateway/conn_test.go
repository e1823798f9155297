package gateway

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/coder/websocket"
)

func TestCloseStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reason string
		want   websocket.StatusCode
	}{
		{"normal", websocket.StatusNormalClosure},
		{"too many sessions", websocket.StatusTryAgainLater},
		{"internal error", websocket.StatusInternalError},
		{"session: too many malformed frames", websocket.StatusPolicyViolation},
		{"session: write audio: broken pipe", websocket.StatusNormalClosure},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			t.Parallel()
			if got := closeStatus(tt.reason); got != tt.want {
				t.Errorf("closeStatus(%q) = %v, want %v", tt.reason, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", maxReasonBytes); got != "short" {
		t.Errorf("truncate(short) = %q, want %q", got, "short")
	}

	long := strings.Repeat("a", 200)
	if got := truncate(long, maxReasonBytes); len(got) != maxReasonBytes {
		t.Errorf("len(truncate(long)) = %d, want %d", len(got), maxReasonBytes)
	}

	// "ü" is two bytes; a cut at an odd offset would split it.
	multi := strings.Repeat("ü", 100)
	got := truncate(multi, maxReasonBytes)
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if len(got) != maxReasonBytes-1 {
		t.Errorf("len(truncate(multi)) = %d, want %d", len(got), maxReasonBytes-1)
	}
}

func TestTranslateReadErr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		err     error
		wantEOF bool
	}{
		{"normal closure", websocket.CloseError{Code: websocket.StatusNormalClosure}, true},
		{"going away", websocket.CloseError{Code: websocket.StatusGoingAway}, true},
		{"wrapped eof", fmt.Errorf("read frame: %w", io.EOF), true},
		{"policy violation", websocket.CloseError{Code: websocket.StatusPolicyViolation}, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := translateReadErr(tt.err)
			if isEOF := errors.Is(got, io.EOF); isEOF != tt.wantEOF {
				t.Errorf("translateReadErr(%v) = %v, want io.EOF: %v", tt.err, got, tt.wantEOF)
			}
		})
	}
}
