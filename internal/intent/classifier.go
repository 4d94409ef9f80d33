package intent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/oracle"
	"github.com/wopr-bot/wopr/internal/prompts"
	"github.com/wopr-bot/wopr/internal/router"
)

// ErrUnclassified is returned when neither classification pass produced
// a usable answer.
var ErrUnclassified = errors.New("no intent could be classified")

// Completer is the oracle capability the classifier needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts oracle.Options) (*oracle.Completion, error)
}

// Input is what gets classified.
type Input struct {
	Text string
	// Context is standing knowledge plus the running summary.
	Context string
	// Tools are function schemas the oracle may call directly.
	Tools []map[string]any
}

// Result of a classification. Intents are de-duplicated and in the
// order they were first matched.
type Result struct {
	Intents         []Intent
	ToolCalls       []llm.ToolCall
	Classifications []Classification
}

// Classifier runs the structured pass and, when it matches nothing, the
// fallback pass.
type Classifier struct {
	oracle      Completer
	registry    *Registry
	temperature float64
	logger      *slog.Logger
}

// NewClassifier creates a classifier. temperature applies to both
// passes.
func NewClassifier(o Completer, r *Registry, temperature float64, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{oracle: o, registry: r, temperature: temperature, logger: logger}
}

// Classify maps in to intents and tool calls. Native tool calls from the
// oracle short-circuit classification.
func (c *Classifier) Classify(ctx context.Context, in Input) (*Result, error) {
	descriptions := c.registry.Descriptions()
	if len(descriptions) == 0 && len(in.Tools) == 0 {
		return &Result{}, nil
	}

	first, err := c.oracle.Complete(ctx,
		prompts.StructuredClassification(in.Text, descriptions, in.Context),
		oracle.Options{
			Tier:        router.TierExact,
			Temperature: llm.Temperature(c.temperature),
			Tools:       in.Tools,
			Purpose:     "classify",
		})
	if err != nil {
		return nil, err
	}

	if len(first.ToolCalls) > 0 {
		calls := make([]llm.ToolCall, len(first.ToolCalls))
		for i, tc := range first.ToolCalls {
			tc.Function.Name = strings.TrimPrefix(tc.Function.Name, "functions.")
			calls[i] = tc
		}
		c.logger.Debug("classification short-circuited by tool calls", "calls", len(calls))
		return &Result{ToolCalls: calls}, nil
	}

	res := &Result{}
	var found Set

	classifications, parsed := parseClassifications(oracle.FencedBody(first.Text))
	if parsed {
		res.Classifications = classifications
		for _, cl := range Flatten(classifications) {
			if cl.Function != "" {
				res.ToolCalls = append(res.ToolCalls, llm.ToolCall{Function: llm.ToolFunction{
					Name:      strings.TrimPrefix(cl.Function, "functions."),
					Arguments: cl.FunctionParameters,
				}})
			}
			if it, ok := c.registry.Resolve(cl.Intent); ok {
				found.Add(it)
			}
		}
	} else {
		c.logger.Debug("structured classification unparseable", "reply", first.Text)
	}

	if found.Len() > 0 || len(descriptions) == 0 {
		res.Intents = found.Items()
		return res, nil
	}

	breakdown := ""
	if parsed {
		if b, err := json.MarshalIndent(classifications, "", " "); err == nil {
			breakdown = string(b)
		}
	}
	second, err := c.oracle.Complete(ctx,
		prompts.FallbackClassification(descriptions, in.Text, breakdown),
		oracle.Options{
			Tier:        router.TierExact,
			Temperature: llm.Temperature(c.temperature),
			Purpose:     "classify_fallback",
		})
	if err != nil {
		return nil, err
	}

	labels, ok := parseLabels(oracle.FencedBody(second.Text))
	if !ok {
		c.logger.Debug("fallback classification unparseable", "reply", second.Text)
		if !parsed {
			return nil, ErrUnclassified
		}
		return res, nil
	}
	for _, l := range labels {
		if it, ok := c.registry.Resolve(l); ok {
			found.Add(it)
		}
	}
	res.Intents = found.Items()
	return res, nil
}
