// Package oracle wraps the language-model providers behind the three
// capabilities the runtime needs: classify, summarize and complete.
//
// Every call is routed to a model by tier and retried with exponential
// backoff when the provider reports a transient failure. Retries are
// scoped to a single call and never wrap anything with side effects.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/router"
	"github.com/wopr-bot/wopr/internal/usage"
)

// ErrUnavailable is returned when every attempt failed with a transient
// error. The last provider error is wrapped alongside it.
var ErrUnavailable = errors.New("oracle unavailable")

// Config controls retry and sizing behavior.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// CallTimeout bounds a single attempt. Zero means no bound beyond
	// the caller's context.
	CallTimeout time.Duration

	// Temperature is used when Options.Temperature is nil.
	Temperature float64

	// SummaryInputCap is the maximum number of characters fed to
	// Summarize.
	SummaryInputCap int
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       3 * time.Second,
		Temperature:     0.5,
		SummaryInputCap: 3800,
	}
}

// Options tune a single completion.
type Options struct {
	Tier        router.Tier
	Temperature *float64
	Tools       []map[string]any
	Purpose     string
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text      string
	ToolCalls []llm.ToolCall
	Model     string
}

// UsageRecorder persists per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Oracle is safe for concurrent use.
type Oracle struct {
	client llm.Client
	router *router.Router
	config Config
	logger *slog.Logger
	usage  UsageRecorder

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an oracle. A nil router sends every call to the model the
// client's fallback serves.
func New(client llm.Client, rtr *router.Router, cfg Config, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SummaryInputCap <= 0 {
		cfg.SummaryInputCap = DefaultConfig().SummaryInputCap
	}
	return &Oracle{
		client: client,
		router: rtr,
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// SetUsage makes every successful call append a usage record. It must
// be called before the oracle is shared.
func (o *Oracle) SetUsage(u UsageRecorder) {
	o.usage = u
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// request builds an llm.Request and routes it. The returned id is empty
// when no router is configured.
func (o *Oracle) request(ctx context.Context, messages []llm.Message, opts Options) (*llm.Request, string) {
	req := &llm.Request{
		Messages:    messages,
		Tools:       opts.Tools,
		Temperature: opts.Temperature,
	}
	if req.Temperature == nil {
		req.Temperature = llm.Temperature(o.config.Temperature)
	}
	if o.router == nil {
		return req, ""
	}
	size := 0
	for _, m := range messages {
		size += len(m.Content)
	}
	model, decision := o.router.Route(ctx, router.Request{
		Tier:        opts.Tier,
		NeedsTools:  len(opts.Tools) > 0,
		ContextSize: size,
		Purpose:     opts.Purpose,
	})
	req.Model = model
	return req, decision.RequestID
}

func (o *Oracle) record(ctx context.Context, id, purpose string, start time.Time, resp *llm.ChatResponse, err error) {
	tokens := 0
	if resp != nil {
		tokens = resp.InputTokens + resp.OutputTokens
	}
	if o.router != nil && id != "" {
		o.router.RecordOutcome(id, time.Since(start), tokens, err == nil)
	}
	if o.usage == nil || err != nil || resp == nil {
		return
	}
	rec := usage.Record{
		RequestID:    id,
		Model:        resp.Model,
		Purpose:      purpose,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if o.router != nil {
		rec.Provider = o.router.Provider(resp.Model)
	}
	// The turn may already be cancelled; the call happened regardless.
	if uerr := o.usage.Record(context.WithoutCancel(ctx), rec); uerr != nil {
		o.logger.Warn("failed to record usage", "model", resp.Model, "error", uerr)
	}
}

// withRetry runs fn until it succeeds, fails permanently, or attempts
// run out. retryable may veto a retry for reasons fn knows about.
func (o *Oracle) withRetry(ctx context.Context, purpose string, fn func(ctx context.Context) error, retryable func(error) bool) error {
	var err error
	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.config.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.config.CallTimeout)
		}
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !llm.IsTransient(err) || (retryable != nil && !retryable(err)) {
			return err
		}
		if attempt == o.config.MaxAttempts {
			break
		}

		delay := o.config.BaseDelay << (attempt - 1)
		o.logger.Warn("oracle call failed, retrying",
			"purpose", purpose,
			"attempt", attempt,
			"max_attempts", o.config.MaxAttempts,
			"next_delay", delay.String(),
			"error", err,
		)
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, o.config.MaxAttempts, err)
}

// Complete runs a single-shot completion.
func (o *Oracle) Complete(ctx context.Context, messages []llm.Message, opts Options) (*Completion, error) {
	req, id := o.request(ctx, messages, opts)

	var resp *llm.ChatResponse
	err := o.withRetry(ctx, opts.Purpose, func(ctx context.Context) error {
		start := time.Now()
		r, err := o.client.Chat(ctx, req)
		o.record(ctx, id, opts.Purpose, start, r, err)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("oracle completion",
		"purpose", opts.Purpose,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return &Completion{
		Text:      resp.Message.Content,
		ToolCalls: resp.Message.ToolCalls,
		Model:     resp.Model,
	}, nil
}
