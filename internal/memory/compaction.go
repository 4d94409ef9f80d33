package memory

import "log/slog"

// Compaction defaults, in characters.
const (
	DefaultThreshold = 2500
	DefaultBudget    = 2000
)

// Compactor trims conversations whose rendering exceeds Threshold.
type Compactor struct {
	Threshold int
	Budget    int
	Logger    *slog.Logger
}

// NewCompactor returns a compactor. Non-positive values use the
// defaults.
func NewCompactor(threshold, budget int, logger *slog.Logger) *Compactor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{Threshold: threshold, Budget: budget, Logger: logger}
}

func isDialogue(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// NeedsCompaction reports whether conv is over the threshold.
func (c *Compactor) NeedsCompaction(conv *Conversation) bool {
	return len(conv.String()) > c.Threshold
}

// Compact drops the oldest dialogue messages once the retained dialogue
// reaches Budget characters, counting from the newest. Non-dialogue
// messages are always kept and order is preserved. It reports whether
// conv was over the threshold.
func (c *Compactor) Compact(conv *Conversation) bool {
	if !c.NeedsCompaction(conv) {
		return false
	}

	before := len(conv.Messages)
	kept := make([]Message, 0, before)
	count := 0
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if !isDialogue(m.Role) {
			kept = append(kept, m)
			continue
		}
		if count < c.Budget {
			kept = append(kept, m)
			count += len(m.Content)
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	conv.Messages = kept

	if dropped := before - len(kept); dropped > 0 {
		c.Logger.Info("conversation compacted",
			"conversation", conv.ID,
			"dropped", dropped,
			"kept", len(kept),
			"size", len(conv.String()),
		)
	}
	return true
}
