package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wopr-bot/wopr/internal/chat"
)

// console collects the replies of one ask turn. Streaming edits
// replace earlier text, so output is printed once the turn is over.
// Confirmations are declined: there is nobody to answer them.
type console struct {
	mu       sync.Mutex
	messages []*consoleMessage
}

type consoleMessage struct {
	c       *console
	text    string
	deleted bool
}

func newConsole() *console { return &console{} }

func (c *console) Send(_ context.Context, text string) (chat.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := &consoleMessage{c: c, text: text}
	c.messages = append(c.messages, m)
	return m, nil
}

func (c *console) Confirm(ctx context.Context, text string, answer chat.AnswerFunc) (chat.Handle, error) {
	h, err := c.Send(ctx, text+"\n\n(confirmations are not available from the command line; declining)")
	if err != nil {
		return nil, err
	}
	answer(ctx, false)
	return h, nil
}

// Flush writes every message that was not deleted.
func (c *console) Flush(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.deleted {
			continue
		}
		if _, err := fmt.Fprintln(w, m.text); err != nil {
			return err
		}
	}
	return nil
}

func (m *consoleMessage) Edit(_ context.Context, text string) error {
	m.c.mu.Lock()
	m.text = text
	m.c.mu.Unlock()
	return nil
}

func (m *consoleMessage) Delete(context.Context) error {
	m.c.mu.Lock()
	m.deleted = true
	m.c.mu.Unlock()
	return nil
}
