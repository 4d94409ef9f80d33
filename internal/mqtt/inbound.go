package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wopr-bot/wopr/internal/chat"
)

// parseInbound decodes a frame published to <prefix>/in/<user_id>. The
// user id in the payload wins over the one in the topic.
func parseInbound(prefix, topic string, payload []byte) (chat.Frame, error) {
	var f chat.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return f, fmt.Errorf("malformed frame: %w", err)
	}
	if f.UserID == "" {
		rest, ok := strings.CutPrefix(topic, prefix+"/in/")
		if ok && rest != "" {
			f.UserID = rest[strings.LastIndex(rest, "/")+1:]
		}
	}
	switch f.Type {
	case chat.FrameMessage:
		if f.UserID == "" || f.Text == "" {
			return f, errors.New("message frames need a user id and text")
		}
	case chat.FrameAnswer:
		if f.MessageID == "" || f.Accept == nil {
			return f, errors.New("answer frames need message_id and accept")
		}
	default:
		return f, fmt.Errorf("unsupported frame type %q", f.Type)
	}
	return f, nil
}

// rateLimiter drops inbound frames beyond limit per interval so a
// misbehaving client cannot queue unbounded turns.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

// run resets the window every interval until ctx is cancelled.
func (r *rateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt frames dropped by rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
				)
			}
		}
	}
}

func (r *rateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
