package oracle

import (
	"context"
	"time"

	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/router"
)

// Sink consumes a streamed reply. Write receives text deltas in order;
// Done marks the end of the turn and is called exactly once.
type Sink interface {
	Write(ctx context.Context, delta string) error
	Done(ctx context.Context) error
}

// CompleteStreaming streams an exact-tier completion into sink and
// returns the full text. Attempts are retried only while nothing has
// reached the sink, so a user never sees the same text twice.
func (o *Oracle) CompleteStreaming(ctx context.Context, messages []llm.Message, sink Sink) (string, error) {
	req, id := o.request(ctx, messages, Options{Tier: router.TierExact, Purpose: "complete"})

	var (
		delivered bool
		text      string
	)
	deliver := func(delta string) {
		delivered = true
		if err := sink.Write(ctx, delta); err != nil {
			o.logger.Warn("stream sink write failed", "error", err)
		}
	}

	err := o.withRetry(ctx, "complete", func(callCtx context.Context) error {
		start := time.Now()
		resp, err := o.client.ChatStream(callCtx, req, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken && ev.Token != "" {
				deliver(ev.Token)
			}
		})
		o.record(callCtx, id, "complete", start, resp, err)
		if err != nil {
			return err
		}
		text = resp.Message.Content
		return nil
	}, func(error) bool { return !delivered })

	if doneErr := sink.Done(ctx); doneErr != nil {
		o.logger.Warn("stream sink flush failed", "error", doneErr)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}
