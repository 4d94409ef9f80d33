// Package chat defines the transport-neutral shapes of an inbound chat
// message and the capability used to reply to it.
package chat

import (
	"context"
	"time"
)

// Message is one inbound message from a chat transport.
type Message struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	ChannelID string    `json:"channel_id,omitempty"`
	GuildID   string    `json:"guild_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sendable posts replies to wherever a Message came from.
type Sendable interface {
	Send(ctx context.Context, text string) (Handle, error)
}

// Handle refers to a reply that has already been posted.
type Handle interface {
	Edit(ctx context.Context, text string) error
	Delete(ctx context.Context) error
}

// AnswerFunc receives the user's choice on a confirmation prompt. It runs
// on the goroutine that delivered the answer.
type AnswerFunc func(ctx context.Context, accepted bool)

// Confirmer is implemented by a Sendable that can render accept/cancel
// controls. Transports without it fall back to a text question.
type Confirmer interface {
	Confirm(ctx context.Context, text string, answer AnswerFunc) (Handle, error)
}
