package chat

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultChunk is the number of unsent characters that triggers an
// outbound update.
const DefaultChunk = 100

// StreamSink coalesces streamed deltas into a bounded number of
// outbound updates. The first update is sent, later ones edit it.
type StreamSink struct {
	dest  Sendable
	chunk int

	mu     sync.Mutex
	buf    strings.Builder
	unsent int // characters written since the last update
	handle Handle
}

// NewStreamSink returns a sink posting to dest. chunk <= 0 uses
// DefaultChunk.
func NewStreamSink(dest Sendable, chunk int) *StreamSink {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return &StreamSink{dest: dest, chunk: chunk}
}

// Write appends delta and emits an update once more than chunk
// characters are waiting.
func (s *StreamSink) Write(ctx context.Context, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.WriteString(delta)
	s.unsent += utf8.RuneCountInString(delta)
	if s.unsent <= s.chunk {
		return nil
	}
	return s.emit(ctx)
}

// Done flushes whatever has not been delivered. It does nothing when the
// buffer is empty or fully sent.
func (s *StreamSink) Done(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsent == 0 {
		return nil
	}
	return s.emit(ctx)
}

// Text returns everything written so far.
func (s *StreamSink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *StreamSink) emit(ctx context.Context) error {
	text := s.buf.String()
	if s.handle == nil {
		h, err := s.dest.Send(ctx, text)
		if err != nil {
			return err
		}
		s.handle = h
	} else if err := s.handle.Edit(ctx, text); err != nil {
		return err
	}
	s.unsent = 0
	return nil
}
