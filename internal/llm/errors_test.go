package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"overloaded", &APIError{StatusCode: 529}, true},
		{"bad gateway wrapped", fmt.Errorf("complete: %w", &APIError{StatusCode: 502}), true},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"malformed request", &APIError{StatusCode: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"network timeout", fmt.Errorf("post: %w", timeoutErr{}), true},
		{"truncated stream", fmt.Errorf("anthropic: %w", ErrStreamTruncated), true},
		{"plain", errors.New("decode response: unexpected EOF"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
