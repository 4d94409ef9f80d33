package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame types exchanged with push transports.
const (
	FrameMessage = "message" // inbound user text
	FrameAnswer  = "answer"  // inbound reply to a confirm frame
	FrameSend    = "send"
	FrameEdit    = "edit"
	FrameDelete  = "delete"
	FrameConfirm = "confirm"
	FrameError   = "error"
)

// Frame is the JSON envelope used by the websocket gateway and the MQTT
// bridge.
type Frame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Text      string `json:"text,omitempty"`
	HTML      string `json:"html,omitempty"`
	Accept    *bool  `json:"accept,omitempty"`
}

// PublishFunc delivers an outbound frame.
type PublishFunc func(ctx context.Context, f Frame) error

// ErrUnknownConfirmation is returned for answers that match no pending
// confirm frame.
var ErrUnknownConfirmation = errors.New("unknown confirmation")

// ConfirmationTTL bounds how long a confirm frame waits for an answer.
const ConfirmationTTL = 30 * time.Minute

// Confirmations tracks confirm frames awaiting an answer. The websocket
// gateway keeps one per connection; the MQTT bridge keeps one for the
// life of the process. Entries older than the TTL are dropped and
// answering them fails with ErrUnknownConfirmation.
type Confirmations struct {
	mu      sync.Mutex
	pending map[string]pendingConfirm
	ttl     time.Duration
	now     func() time.Time
}

type pendingConfirm struct {
	answer  AnswerFunc
	expires time.Time
}

// NewConfirmations returns an empty registry using ConfirmationTTL.
func NewConfirmations() *Confirmations {
	return &Confirmations{
		pending: make(map[string]pendingConfirm),
		ttl:     ConfirmationTTL,
		now:     time.Now,
	}
}

func (c *Confirmations) add(id string, fn AnswerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	c.pending[id] = pendingConfirm{answer: fn, expires: now.Add(c.ttl)}
}

func (c *Confirmations) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Confirmations) pruneLocked(now time.Time) {
	for id, p := range c.pending {
		if !now.Before(p.expires) {
			delete(c.pending, id)
		}
	}
}

// Resolve runs and forgets the callback registered for id.
func (c *Confirmations) Resolve(ctx context.Context, id string, accepted bool) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok || !c.now().Before(p.expires) {
		return fmt.Errorf("%w: %s", ErrUnknownConfirmation, id)
	}
	p.answer(ctx, accepted)
	return nil
}

// Pending reports the number of unanswered, unexpired confirmations.
func (c *Confirmations) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.pending)
}

// FrameSender implements Sendable and Confirmer on top of a frame
// publisher, for one user.
type FrameSender struct {
	UserID    string
	ChannelID string
	Publish   PublishFunc
	Confirms  *Confirmations

	// RenderHTML, when set, fills Frame.HTML from the text.
	RenderHTML func(text string) string
}

func (s *FrameSender) frame(typ, id, text string) Frame {
	f := Frame{Type: typ, MessageID: id, UserID: s.UserID, ChannelID: s.ChannelID, Text: text}
	if s.RenderHTML != nil && text != "" {
		f.HTML = s.RenderHTML(text)
	}
	return f
}

// Send publishes a send frame with a fresh message id.
func (s *FrameSender) Send(ctx context.Context, text string) (Handle, error) {
	id := uuid.NewString()
	if err := s.Publish(ctx, s.frame(FrameSend, id, text)); err != nil {
		return nil, err
	}
	return &frameHandle{sender: s, id: id}, nil
}

// Confirm publishes a confirm frame and registers answer for it.
func (s *FrameSender) Confirm(ctx context.Context, text string, answer AnswerFunc) (Handle, error) {
	if s.Confirms == nil {
		return nil, errors.New("frame sender has no confirmation registry")
	}
	id := uuid.NewString()
	s.Confirms.add(id, answer)
	if err := s.Publish(ctx, s.frame(FrameConfirm, id, text)); err != nil {
		s.Confirms.remove(id)
		return nil, err
	}
	return &frameHandle{sender: s, id: id}, nil
}

type frameHandle struct {
	sender *FrameSender
	id     string
}

func (h *frameHandle) Edit(ctx context.Context, text string) error {
	return h.sender.Publish(ctx, h.sender.frame(FrameEdit, h.id, text))
}

func (h *frameHandle) Delete(ctx context.Context) error {
	return h.sender.Publish(ctx, h.sender.frame(FrameDelete, h.id, ""))
}
