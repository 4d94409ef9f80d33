package oracle

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/prompts"
	"github.com/wopr-bot/wopr/internal/router"
)

// Summarize condenses text using the fast tier. Input beyond the
// configured cap is dropped from the end.
func (o *Oracle) Summarize(ctx context.Context, text string) (string, error) {
	if r := []rune(text); len(r) > o.config.SummaryInputCap {
		text = string(r[:o.config.SummaryInputCap])
	}
	c, err := o.Complete(ctx, prompts.Summary(text), Options{Tier: router.TierFast, Purpose: "summarize"})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(c.Text), `"`), nil
}

// RewriteTopicChange strips "let's talk about X instead" phrasing from
// text. When the reply cannot be used the original text is returned.
func (o *Oracle) RewriteTopicChange(ctx context.Context, text string) (string, error) {
	c, err := o.Complete(ctx, prompts.RemoveTopicChange(text), Options{Tier: router.TierFast, Purpose: "rewrite"})
	if err != nil {
		return text, err
	}
	var rewritten string
	if err := yaml.Unmarshal([]byte(FencedBody(c.Text)), &rewritten); err != nil || strings.TrimSpace(rewritten) == "" {
		o.logger.Debug("unusable topic rewrite, keeping original", "reply", c.Text)
		return text, nil
	}
	return strings.TrimSpace(rewritten), nil
}

var firstNumber = regexp.MustCompile(`\d+`)

// PickConversation returns the index into summaries that text continues,
// or -1 when it starts a new conversation.
func (o *Oracle) PickConversation(ctx context.Context, summaries []string, text string) (int, error) {
	c, err := o.Complete(ctx, prompts.PickConversation(summaries, text), Options{
		Tier:        router.TierExact,
		Temperature: llm.Temperature(0),
		Purpose:     "pick_conversation",
	})
	if err != nil {
		return -1, err
	}
	return parsePick(c.Text, len(summaries)), nil
}

func parsePick(reply string, n int) int {
	lower := strings.ToLower(reply)
	digits := firstNumber.FindString(lower)
	if strings.Contains(lower, "new conversation") && digits == "" {
		return -1
	}
	if digits == "" {
		return -1
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 || idx >= n {
		return -1
	}
	return idx
}

// FencedBody returns the contents of the first ``` fenced block in text,
// without its language tag. Text without a complete fence is returned
// trimmed.
func FencedBody(text string) string {
	start := strings.Index(text, "```")
	if start == -1 {
		return strings.TrimSpace(text)
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return strings.TrimSpace(text)
	}
	body := rest[:end]
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		tag := strings.TrimSpace(body[:nl])
		if tag != "" && !strings.ContainsAny(tag, " :") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body)
}
