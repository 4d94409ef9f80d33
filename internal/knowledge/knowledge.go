// Package knowledge models the facts the assistant has been asked to
// remember for a user.
package knowledge

import (
	"sort"
	"strings"
	"time"

	"github.com/wopr-bot/wopr/internal/prompts"
)

// Entry is one remembered fact. Keys are unique per user and the last
// write wins.
type Entry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Base is a user's knowledge, keyed by Entry.Key.
type Base map[string]Entry

// Keys returns the keys in sorted order.
func (b Base) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders one "key: value (description)" line per entry, sorted
// by key. An empty base renders as the empty string.
func (b Base) String() string {
	var sb strings.Builder
	for _, k := range b.Keys() {
		e := b[k]
		sb.WriteString(e.Key)
		sb.WriteString(": ")
		sb.WriteString(e.Value)
		if e.Description != "" {
			sb.WriteString(" (")
			sb.WriteString(e.Description)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// SystemText is the standing-context entry used for completions, or ""
// when there is nothing to say.
func (b Base) SystemText() string {
	if len(b) == 0 {
		return ""
	}
	return prompts.KnowledgeHeader + b.String()
}

// ClassificationContext combines the knowledge base with the running
// conversation summary for the classifier.
func ClassificationContext(b Base, summary string) string {
	var sb strings.Builder
	sb.WriteString(b.String())
	if summary != "" {
		sb.WriteString("We were having the following conversation: ")
		sb.WriteString(summary)
	}
	return strings.TrimSpace(sb.String())
}
