// Package pipeline turns an inbound chat message into replies: it
// classifies the message, dispatches tool calls, and runs the actions of
// every matched intent in order, restarting on a topic change.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/events"
	"github.com/wopr-bot/wopr/internal/intent"
	"github.com/wopr-bot/wopr/internal/knowledge"
	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/memory"
	"github.com/wopr-bot/wopr/internal/oracle"
	"github.com/wopr-bot/wopr/internal/prompts"
	"github.com/wopr-bot/wopr/internal/store"
	"github.com/wopr-bot/wopr/internal/tools"
)

// DefaultMaxRestarts bounds topic-change restarts per inbound message.
const DefaultMaxRestarts = 2

// NewConversationCommand starts a fresh conversation when sent verbatim.
const NewConversationCommand = "/new"

// Oracle is the completion capability the actions use.
type Oracle interface {
	CompleteStreaming(ctx context.Context, messages []llm.Message, sink oracle.Sink) (string, error)
	Summarize(ctx context.Context, text string) (string, error)
	RewriteTopicChange(ctx context.Context, text string) (string, error)
	PickConversation(ctx context.Context, summaries []string, text string) (int, error)
}

// Classifier maps a message to intents and tool calls.
type Classifier interface {
	Classify(ctx context.Context, in intent.Input) (*intent.Result, error)
}

// ToolEngine dispatches tool calls and designs new tools.
type ToolEngine interface {
	Specs(userTools []tools.Definition) []map[string]any
	Dispatch(ctx context.Context, userID string, userTools []tools.Definition, calls []llm.ToolCall) []tools.Result
	Synthesize(ctx context.Context, description string) (*tools.Definition, error)
}

// CustomHandler takes over the next message from a user.
type CustomHandler func(ctx context.Context, msg chat.Message, dest chat.Sendable) error

// Deps are the collaborators of a Handler.
type Deps struct {
	Store      store.Store
	Oracle     Oracle
	Classifier Classifier
	Engine     ToolEngine
	Registry   *intent.Registry
	Compactor  *memory.Compactor
	Bus        *events.Bus // may be nil
	Logger     *slog.Logger

	// StreamChunk is the coalescing threshold for streamed replies.
	StreamChunk int
	// MaxRestarts defaults to DefaultMaxRestarts; negative disables
	// restarts.
	MaxRestarts int
}

// Action is one step of an intent.
type Action func(ctx context.Context, t *turn) Outcome

// Handler is the message pipeline. It is safe for concurrent use;
// messages from different users proceed independently.
type Handler struct {
	deps    Deps
	logger  *slog.Logger
	actions map[intent.ActionID]Action

	mu     sync.Mutex
	custom map[string]CustomHandler
}

// New creates a Handler.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = intent.NewRegistry(intent.Defaults())
	}
	if deps.Compactor == nil {
		deps.Compactor = memory.NewCompactor(0, 0, deps.Logger)
	}
	if deps.MaxRestarts == 0 {
		deps.MaxRestarts = DefaultMaxRestarts
	}
	h := &Handler{
		deps:   deps,
		logger: deps.Logger,
		custom: make(map[string]CustomHandler),
	}
	h.actions = map[intent.ActionID]Action{
		intent.ActionChangeConversation: h.changeConversation,
		intent.ActionCompletion:         h.completion,
		intent.ActionSummary:            h.summary,
		intent.ActionProposeTool:        h.proposeTool,
	}
	return h
}

// SetCustomHandler routes the next message from userID to fn instead of
// the pipeline. It replaces any handler already set.
func (h *Handler) SetCustomHandler(userID string, fn CustomHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.custom[userID] = fn
}

// RemoveCustomHandler drops the handler for userID, if any.
func (h *Handler) RemoveCustomHandler(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.custom, userID)
}

func (h *Handler) takeCustomHandler(userID string) CustomHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.custom[userID]
	if ok {
		delete(h.custom, userID)
	}
	return fn
}

// turn is the state of one pass over a message.
type turn struct {
	msg      chat.Message
	text     string
	dest     chat.Sendable
	logger   *slog.Logger
	restarts int

	results   []tools.Result
	userAdded bool
}

func (t *turn) userID() string { return t.msg.UserID }

func (h *Handler) emit(msg chat.Message, kind string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["user_id"] = msg.UserID
	data["message_id"] = msg.ID
	h.deps.Bus.Emit(events.SourcePipeline, kind, data)
}

// HandleMessage processes msg and sends replies to dest. Every failure
// the user can be told about is reported through dest; the returned
// error is for the transport's log.
func (h *Handler) HandleMessage(ctx context.Context, msg chat.Message, dest chat.Sendable) error {
	logger := h.logger.With("user_id", msg.UserID, "message_id", msg.ID)

	if fn := h.takeCustomHandler(msg.UserID); fn != nil {
		logger.Debug("message taken by custom handler")
		return fn(ctx, msg, dest)
	}

	start := time.Now()
	h.emit(msg, events.KindTurnStart, map[string]any{"text_len": len(msg.Text)})

	if strings.TrimSpace(msg.Text) == NewConversationCommand {
		if _, err := h.startConversation(msg.UserID); err != nil {
			return h.fail(ctx, msg, dest, logger, err)
		}
		h.emit(msg, events.KindTurnDone, map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
		return send(ctx, dest, prompts.NewConversationCreated)
	}

	text := msg.Text
	restarts := 0
	for {
		t := &turn{msg: msg, text: text, dest: dest, logger: logger, restarts: restarts}
		out := h.runTurn(ctx, t)
		if out.Kind != OutcomeRestart {
			break
		}

		restarts++
		rewritten, err := h.deps.Oracle.RewriteTopicChange(ctx, out.Text)
		if err != nil || strings.TrimSpace(rewritten) == "" {
			logger.Warn("topic rewrite failed, reclassifying original text", "error", err)
			rewritten = out.Text
		}
		logger.Info("restarting on rewritten message", "restart", restarts)
		h.emit(msg, events.KindTurnRestart, map[string]any{"restart": restarts, "text_len": len(rewritten)})
		text = rewritten
	}

	h.emit(msg, events.KindTurnDone, map[string]any{
		"elapsed_ms": time.Since(start).Milliseconds(),
		"restarts":   restarts,
	})
	return nil
}

// runTurn classifies t.text and runs the resulting actions. It returns
// a restart outcome when the queue was abandoned, Continue otherwise.
func (h *Handler) runTurn(ctx context.Context, t *turn) Outcome {
	queue, ok := h.classify(ctx, t)
	if !ok {
		return Continue()
	}

	for _, id := range queue {
		act, ok := h.actions[id]
		if !ok {
			t.logger.Warn("no action registered", "action", id)
			continue
		}

		start := time.Now()
		out := act(ctx, t)
		t.logger.Debug("action done", "action", id, "outcome", out.Kind, "elapsed", time.Since(start).Round(time.Millisecond))
		h.emit(t.msg, events.KindActionDone, map[string]any{
			"action":     string(id),
			"outcome":    out.Kind.String(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})

		switch out.Kind {
		case OutcomeRestart:
			if h.deps.MaxRestarts < 0 || t.restarts >= h.deps.MaxRestarts {
				t.logger.Warn("restart limit reached, continuing", "action", id, "restarts", t.restarts)
				continue
			}
			return out
		case OutcomeFatal:
			h.report(ctx, t, id, out.Err)
		}
	}
	return Continue()
}

// classify resolves t.text to an action queue and stores the tool
// results on t. It reports false when the turn cannot go on.
func (h *Handler) classify(ctx context.Context, t *turn) ([]intent.ActionID, bool) {
	conv, err := h.currentConversation(t.userID())
	if err != nil {
		h.report(ctx, t, "classify", err)
		return nil, false
	}
	kb, err := h.deps.Store.GetKnowledgeBase(t.userID())
	if err != nil {
		h.report(ctx, t, "classify", err)
		return nil, false
	}
	userTools, err := h.deps.Store.ListTools(t.userID())
	if err != nil {
		h.report(ctx, t, "classify", err)
		return nil, false
	}

	res, err := h.deps.Classifier.Classify(ctx, intent.Input{
		Text:    t.text,
		Context: knowledge.ClassificationContext(kb, conv.Summary),
		Tools:   h.deps.Engine.Specs(userTools),
	})
	switch {
	case err == nil:
	case errors.Is(err, oracle.ErrUnavailable), ctx.Err() != nil:
		h.report(ctx, t, "classify", err)
		return nil, false
	default:
		t.logger.Warn("classification failed, using no-op intent", "error", err)
		res = &intent.Result{}
	}

	var found intent.Set
	for _, it := range res.Intents {
		found.Add(it)
	}

	if len(res.ToolCalls) > 0 {
		t.results = h.deps.Engine.Dispatch(ctx, t.userID(), userTools, res.ToolCalls)
		for _, r := range t.results {
			h.emit(t.msg, events.KindToolDispatched, map[string]any{
				"tool": r.Call.Function.Name,
				"kind": r.Kind.String(),
				"ok":   r.Err == nil,
			})
		}
		if found.Len() == 0 {
			for _, r := range t.results {
				if it, ok := h.dispatchIntent(r); ok {
					found.Add(it)
				}
			}
		}
	}

	if found.Len() == 0 {
		if it, ok := h.deps.Registry.Get(intent.NoOp); ok {
			found.Add(it)
		}
	}

	var queue []intent.ActionID
	ids := make([]string, 0, found.Len())
	for _, it := range found.Items() {
		ids = append(ids, string(it.ID))
		queue = append(queue, it.Actions...)
	}
	t.logger.Info("message classified", "intents", ids, "tool_calls", len(res.ToolCalls), "restart", t.restarts)
	h.emit(t.msg, events.KindTurnClassified, map[string]any{
		"intents":    ids,
		"tool_calls": len(res.ToolCalls),
		"restart":    t.restarts,
	})
	return queue, true
}

// dispatchIntent is the intent implied by a tool call when the
// classifier matched none itself.
func (h *Handler) dispatchIntent(r tools.Result) (intent.Intent, bool) {
	if r.Kind == tools.KindCreate && r.Proposal != nil {
		return h.deps.Registry.Get(intent.CreateTool)
	}
	return h.deps.Registry.Get(intent.Inquiry)
}

// report tells the user an action failed and logs why.
func (h *Handler) report(ctx context.Context, t *turn, step any, err error) {
	t.logger.Error("action failed", "action", step, "error", err)
	h.emit(t.msg, events.KindTurnError, map[string]any{"action": fmt.Sprint(step), "error": fmt.Sprint(err)})
	if ctx.Err() != nil {
		return
	}
	reply := prompts.ActionFailed
	if errors.Is(err, oracle.ErrUnavailable) {
		reply = prompts.TryAgain
	}
	if sendErr := send(ctx, t.dest, reply); sendErr != nil {
		t.logger.Warn("failed to send error reply", "error", sendErr)
	}
}

func (h *Handler) fail(ctx context.Context, msg chat.Message, dest chat.Sendable, logger *slog.Logger, err error) error {
	h.report(ctx, &turn{msg: msg, dest: dest, logger: logger}, "handle", err)
	return err
}

// currentConversation returns the user's current conversation, creating
// and pointing to a new one when there is none.
func (h *Handler) currentConversation(userID string) (*memory.Conversation, error) {
	conv, err := h.deps.Store.GetCurrentConversation(userID)
	if err != nil {
		return nil, fmt.Errorf("load current conversation: %w", err)
	}
	if conv != nil {
		return conv, nil
	}
	return h.startConversation(userID)
}

// startConversation creates a conversation and makes it current.
func (h *Handler) startConversation(userID string) (*memory.Conversation, error) {
	conv := memory.NewConversation()
	if err := h.deps.Store.SetConversation(userID, conv); err != nil {
		return nil, fmt.Errorf("save new conversation: %w", err)
	}
	if err := h.deps.Store.SetCurrentConversation(userID, conv.ID); err != nil {
		return nil, fmt.Errorf("set current conversation: %w", err)
	}
	return conv, nil
}

func send(ctx context.Context, dest chat.Sendable, text string) error {
	_, err := dest.Send(ctx, text)
	return err
}
