package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/oracle"
	"github.com/wopr-bot/wopr/internal/prompts"
	"github.com/wopr-bot/wopr/internal/tools"
)

// Names of the standing system entries set on every completion.
const (
	systemKnowledge = "knowledge"
	systemSummary   = "summary"
)

// changeConversation lets the oracle decide whether the message belongs
// to a prior conversation, a new one, or the current one.
func (h *Handler) changeConversation(ctx context.Context, t *turn) Outcome {
	current, err := h.currentConversation(t.userID())
	if err != nil {
		return Fatal(err)
	}
	convs, err := h.deps.Store.ListConversations(t.userID())
	if err != nil {
		return Fatal(fmt.Errorf("list conversations: %w", err))
	}
	summaries := make([]string, len(convs))
	for i, c := range convs {
		summaries[i] = c.Summary
	}

	idx, err := h.deps.Oracle.PickConversation(ctx, summaries, t.text)
	if err != nil {
		return Fatal(err)
	}

	switch {
	case idx < 0 || idx >= len(convs):
		if _, err := h.startConversation(t.userID()); err != nil {
			return Fatal(err)
		}
		t.logger.Info("switched to a new conversation")
		h.notify(ctx, t, prompts.NewConversationNotice)
		return Restart(t.text)
	case convs[idx].ID == current.ID:
		return Continue()
	default:
		if err := h.deps.Store.SetCurrentConversation(t.userID(), convs[idx].ID); err != nil {
			return Fatal(fmt.Errorf("set current conversation: %w", err))
		}
		t.logger.Info("switched to a prior conversation", "conversation_id", convs[idx].ID)
		h.notify(ctx, t, prompts.PriorConversationNotice)
		return Restart(t.text)
	}
}

// completion answers the message in the current conversation, streaming
// the reply to the user.
func (h *Handler) completion(ctx context.Context, t *turn) Outcome {
	conv, err := h.currentConversation(t.userID())
	if err != nil {
		return Fatal(err)
	}
	kb, err := h.deps.Store.GetKnowledgeBase(t.userID())
	if err != nil {
		return Fatal(fmt.Errorf("load knowledge: %w", err))
	}

	if len(kb) > 0 {
		conv.SetSystem(systemKnowledge, prompts.KnowledgeHeader+kb.String())
	} else {
		conv.DeleteSystem(systemKnowledge)
	}
	if conv.Summary != "" {
		conv.SetSystem(systemSummary, prompts.SummaryHeader+conv.Summary)
	}

	if !t.userAdded {
		conv.AddUser(t.text)
		for _, r := range t.results {
			if r.Kind == tools.KindSkipped || r.Kind == tools.KindCreate || r.Content == "" {
				continue
			}
			conv.AddToolResult(r.Call.Function.Name, r.Content)
		}
		t.userAdded = true
	}
	if err := h.deps.Store.SetConversation(t.userID(), conv); err != nil {
		return Fatal(fmt.Errorf("save conversation: %w", err))
	}

	sink := chat.NewStreamSink(t.dest, h.deps.StreamChunk)
	reply, err := h.deps.Oracle.CompleteStreaming(ctx, conv.Prompt(), sink)
	if err != nil {
		return Fatal(err)
	}

	conv.AddAssistant(reply)
	if err := h.deps.Store.SetConversation(t.userID(), conv); err != nil {
		return Fatal(fmt.Errorf("save conversation: %w", err))
	}
	return Continue()
}

// summary refreshes the running summary and compacts the conversation.
// A failed summary keeps the previous one and is not shown to the user.
func (h *Handler) summary(ctx context.Context, t *turn) Outcome {
	conv, err := h.deps.Store.GetCurrentConversation(t.userID())
	if err != nil {
		return Fatal(fmt.Errorf("load current conversation: %w", err))
	}
	if conv == nil {
		return Continue()
	}

	s, err := h.deps.Oracle.Summarize(ctx, "Summary: "+conv.Summary+"\n"+conv.String())
	switch {
	case err != nil:
		t.logger.Warn("summary failed, keeping previous", "conversation_id", conv.ID, "error", err)
	case strings.TrimSpace(s) != "":
		conv.Summary = s
	}

	h.deps.Compactor.Compact(conv)
	if err := h.deps.Store.SetConversation(t.userID(), conv); err != nil {
		return Fatal(fmt.Errorf("save conversation: %w", err))
	}
	return Continue()
}

// proposeTool shows a synthesized tool to the user and saves it only if
// they accept.
func (h *Handler) proposeTool(ctx context.Context, t *turn) Outcome {
	var def *tools.Definition
	attempted := false
	for _, r := range t.results {
		if r.Kind != tools.KindCreate {
			continue
		}
		attempted = true
		if r.Proposal != nil {
			def = r.Proposal
			break
		}
	}

	if def == nil && !attempted {
		var err error
		def, err = h.deps.Engine.Synthesize(ctx, t.text)
		if err != nil {
			if errors.Is(err, oracle.ErrUnavailable) || ctx.Err() != nil {
				return Fatal(err)
			}
			t.logger.Info("tool synthesis produced nothing usable", "error", err)
		}
	}
	if def == nil {
		h.notify(ctx, t, prompts.ToolNotUnderstood)
		return Continue()
	}

	proposal := *def
	rendered := tools.Render(&proposal)
	userID := t.userID()
	logger := t.logger.With("tool", proposal.Function.Name)

	save := func(ctx context.Context, dest chat.Sendable, accepted bool) {
		if !accepted {
			logger.Info("tool proposal declined")
			if err := send(ctx, dest, prompts.ToolCancelled); err != nil {
				logger.Warn("failed to send reply", "error", err)
			}
			return
		}
		reply := prompts.ToolCreated
		if err := h.deps.Store.AddTool(userID, proposal); err != nil {
			logger.Error("failed to save tool", "error", err)
			reply = prompts.ActionFailed
		} else {
			logger.Info("tool created")
		}
		if err := send(ctx, dest, reply); err != nil {
			logger.Warn("failed to send reply", "error", err)
		}
	}

	if c, ok := t.dest.(chat.Confirmer); ok {
		dest := t.dest
		_, err := c.Confirm(ctx, rendered, func(ctx context.Context, accepted bool) {
			save(ctx, dest, accepted)
		})
		if err != nil {
			return Fatal(fmt.Errorf("send tool proposal: %w", err))
		}
		return Continue()
	}

	if err := send(ctx, t.dest, rendered+"\n"+prompts.ConfirmByText); err != nil {
		return Fatal(fmt.Errorf("send tool proposal: %w", err))
	}
	h.SetCustomHandler(userID, func(ctx context.Context, msg chat.Message, dest chat.Sendable) error {
		save(ctx, dest, isYes(msg.Text))
		return nil
	})
	return Continue()
}

func isYes(text string) bool {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!")) {
	case "yes", "y", "yeah", "yep", "sure", "ok", "okay", "create it":
		return true
	}
	return false
}

// notify sends an informational reply; failure to deliver is logged.
func (h *Handler) notify(ctx context.Context, t *turn, text string) {
	if err := send(ctx, t.dest, text); err != nil {
		t.logger.Warn("failed to send reply", "error", err)
	}
}
