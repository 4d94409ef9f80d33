package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFrameSender(t *testing.T) {
	ctx := context.Background()
	var frames []Frame
	confirms := NewConfirmations()
	s := &FrameSender{
		UserID:   "u1",
		Confirms: confirms,
		Publish: func(_ context.Context, f Frame) error {
			frames = append(frames, f)
			return nil
		},
		RenderHTML: RenderHTML,
	}

	h, err := s.Send(ctx, "**hi**")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Edit(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := h.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	if len(frames) != 3 {
		t.Fatalf("got %d frames", len(frames))
	}
	id := frames[0].MessageID
	if id == "" {
		t.Fatal("send frame has no id")
	}
	wantTypes := []string{FrameSend, FrameEdit, FrameDelete}
	for i, f := range frames {
		if f.Type != wantTypes[i] || f.MessageID != id || f.UserID != "u1" {
			t.Errorf("frame %d = %+v", i, f)
		}
	}
	if !strings.Contains(frames[0].HTML, "<strong>hi</strong>") {
		t.Errorf("html = %q", frames[0].HTML)
	}
	if frames[2].HTML != "" {
		t.Errorf("delete frame has html %q", frames[2].HTML)
	}
}

func TestConfirmations(t *testing.T) {
	ctx := context.Background()
	var published Frame
	confirms := NewConfirmations()
	s := &FrameSender{
		UserID:   "u1",
		Confirms: confirms,
		Publish: func(_ context.Context, f Frame) error {
			published = f
			return nil
		},
	}

	var got []bool
	if _, err := s.Confirm(ctx, "create it?", func(_ context.Context, ok bool) { got = append(got, ok) }); err != nil {
		t.Fatal(err)
	}
	if published.Type != FrameConfirm || confirms.Pending() != 1 {
		t.Fatalf("frame %+v, pending %d", published, confirms.Pending())
	}

	if err := confirms.Resolve(ctx, published.MessageID, true); err != nil {
		t.Fatal(err)
	}
	if err := confirms.Resolve(ctx, published.MessageID, false); !errors.Is(err, ErrUnknownConfirmation) {
		t.Errorf("second resolve err = %v", err)
	}
	if len(got) != 1 || !got[0] {
		t.Errorf("answers = %v", got)
	}
}

func TestConfirmPublishFailureForgetsPending(t *testing.T) {
	confirms := NewConfirmations()
	s := &FrameSender{
		Confirms: confirms,
		Publish:  func(context.Context, Frame) error { return errors.New("closed") },
	}
	if _, err := s.Confirm(context.Background(), "?", func(context.Context, bool) {}); err == nil {
		t.Fatal("expected error")
	}
	if confirms.Pending() != 0 {
		t.Errorf("pending = %d", confirms.Pending())
	}
}

func TestConfirmationsExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	confirms := NewConfirmations()
	confirms.now = func() time.Time { return now }

	var ids []string
	s := &FrameSender{
		Confirms: confirms,
		Publish: func(_ context.Context, f Frame) error {
			ids = append(ids, f.MessageID)
			return nil
		},
	}
	answered := 0
	propose := func() {
		t.Helper()
		if _, err := s.Confirm(ctx, "create it?", func(context.Context, bool) { answered++ }); err != nil {
			t.Fatal(err)
		}
	}

	for range 3 {
		propose()
	}
	now = now.Add(ConfirmationTTL - time.Second)
	propose()
	if n := confirms.Pending(); n != 4 {
		t.Fatalf("pending = %d before the TTL, want 4", n)
	}

	now = now.Add(2 * time.Second)
	if n := confirms.Pending(); n != 1 {
		t.Errorf("pending = %d after the TTL, want only the late proposal", n)
	}
	if err := confirms.Resolve(ctx, ids[0], true); !errors.Is(err, ErrUnknownConfirmation) {
		t.Errorf("expired answer err = %v, want ErrUnknownConfirmation", err)
	}
	if err := confirms.Resolve(ctx, ids[3], true); err != nil {
		t.Errorf("live answer: %v", err)
	}
	if answered != 1 {
		t.Errorf("callbacks run = %d, want 1", answered)
	}

	// A new proposal sweeps anything left behind.
	propose()
	now = now.Add(ConfirmationTTL)
	propose()
	confirms.mu.Lock()
	left := len(confirms.pending)
	confirms.mu.Unlock()
	if left != 1 {
		t.Errorf("registry holds %d entries, want 1", left)
	}
}
