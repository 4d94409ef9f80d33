package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wopr-bot/wopr/internal/knowledge"
	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/oracle"
	"github.com/wopr-bot/wopr/internal/prompts"
	"github.com/wopr-bot/wopr/internal/router"
	"github.com/wopr-bot/wopr/internal/sandbox"
)

// Kind says how a call was handled.
type Kind int

const (
	KindSkipped Kind = iota // unknown function
	KindBuiltin             // remember or forget
	KindCreate              // create_tool; Proposal is set on success
	KindUser                // user tool run in the sandbox
)

func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "builtin"
	case KindCreate:
		return "create"
	case KindUser:
		return "user"
	default:
		return "skipped"
	}
}

// Result is the outcome of one call.
type Result struct {
	Call     llm.ToolCall
	Kind     Kind
	Content  string
	Proposal *Definition
	Err      error
}

// KnowledgeStore is the part of the store the built-ins mutate.
type KnowledgeStore interface {
	SetKnowledge(userID, key string, e knowledge.Entry) error
	DeleteKnowledge(userID, key string) error
}

// Completer produces tool definitions from a description.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts oracle.Options) (*oracle.Completion, error)
}

// Engine dispatches tool calls. Calls run one at a time in order.
type Engine struct {
	Runner    sandbox.Runner
	Knowledge KnowledgeStore
	Oracle    Completer
	Logger    *slog.Logger
}

// Specs returns the schema of every built-in and user tool.
func (e *Engine) Specs(userTools []Definition) []map[string]any {
	builtins := Builtins()
	out := make([]map[string]any, 0, len(builtins)+len(userTools))
	for i := range builtins {
		out = append(out, builtins[i].Spec())
	}
	for i := range userTools {
		if IsBuiltin(userTools[i].Function.Name) {
			continue
		}
		out = append(out, userTools[i].Spec())
	}
	return out
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Dispatch handles calls for userID and returns one result per call.
func (e *Engine) Dispatch(ctx context.Context, userID string, userTools []Definition, calls []llm.ToolCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		call.Function.Name = strings.TrimPrefix(call.Function.Name, "functions.")
		results = append(results, e.dispatchOne(ctx, userID, userTools, call))
	}
	return results
}

func (e *Engine) dispatchOne(ctx context.Context, userID string, userTools []Definition, call llm.ToolCall) Result {
	args := call.Function.Arguments
	res := Result{Call: call}

	switch call.Function.Name {
	case RememberName:
		res.Kind = KindBuiltin
		res.Content, res.Err = e.remember(userID, args)
		return res
	case ForgetName:
		res.Kind = KindBuiltin
		res.Content, res.Err = e.forget(userID, args)
		return res
	case CreateToolName:
		res.Kind = KindCreate
		desc := stringArg(args, "description")
		if desc == "" {
			res.Err = &ErrMissingArgument{ToolName: CreateToolName, Argument: "description"}
			return res
		}
		res.Proposal, res.Err = e.Synthesize(ctx, desc)
		if res.Err == nil {
			res.Content = Render(res.Proposal)
		}
		return res
	}

	for i := range userTools {
		if userTools[i].Function.Name == call.Function.Name {
			res.Kind = KindUser
			res.Content, res.Err = e.execute(ctx, &userTools[i], args)
			return res
		}
	}

	res.Kind = KindSkipped
	res.Err = &ErrToolUnavailable{ToolName: call.Function.Name}
	e.logger().Info("skipping call to unknown tool", "user", userID, "tool", call.Function.Name)
	return res
}

func (e *Engine) remember(userID string, args map[string]any) (string, error) {
	key := stringArg(args, "knowledge_key")
	if key == "" {
		return "", &ErrMissingArgument{ToolName: RememberName, Argument: "knowledge_key"}
	}
	value := stringArg(args, "value")
	entry := knowledge.Entry{
		Key:         key,
		Value:       value,
		Description: stringArg(args, "description"),
		UpdatedAt:   time.Now(),
	}
	if err := e.Knowledge.SetKnowledge(userID, key, entry); err != nil {
		return "", fmt.Errorf("remember %s: %w", key, err)
	}
	e.logger().Info("knowledge stored", "user", userID, "key", key)
	if reply := stringArg(args, "appropriate_response"); reply != "" {
		return reply, nil
	}
	return fmt.Sprintf("I'll remember that %s is %s.", key, value), nil
}

func (e *Engine) forget(userID string, args map[string]any) (string, error) {
	key := stringArg(args, "knowledge_key")
	if key == "" {
		return "", &ErrMissingArgument{ToolName: ForgetName, Argument: "knowledge_key"}
	}
	if err := e.Knowledge.DeleteKnowledge(userID, key); err != nil {
		return "", fmt.Errorf("forget %s: %w", key, err)
	}
	e.logger().Info("knowledge deleted", "user", userID, "key", key)
	if reply := stringArg(args, "appropriate_response"); reply != "" {
		return reply, nil
	}
	return fmt.Sprintf("I've forgotten %s.", key), nil
}

// execute runs a user tool. A failed run still yields content: the
// captured output, or the error text when there was none.
func (e *Engine) execute(ctx context.Context, d *Definition, args map[string]any) (string, error) {
	code, err := GenerateCode(d, args)
	if err != nil {
		return err.Error(), err
	}
	start := time.Now()
	out, err := e.Runner.Run(ctx, sandbox.Job{Code: code, Dependencies: d.Dependencies})
	e.logger().Info("tool executed",
		"tool", d.Function.Name,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
		"error", err,
	)
	if err != nil {
		var exitErr *sandbox.ExitError
		if errors.As(err, &exitErr) && exitErr.Output != "" {
			return exitErr.Output, err
		}
		if out != "" {
			return out + "\n" + err.Error(), err
		}
		return err.Error(), err
	}
	return out, nil
}

// Synthesize asks the oracle to design a tool for description.
func (e *Engine) Synthesize(ctx context.Context, description string) (*Definition, error) {
	c, err := e.Oracle.Complete(ctx, prompts.ToolSpec(description), oracle.Options{
		Tier:    router.TierExact,
		Purpose: "create_tool",
	})
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(oracle.FencedBody(c.Text))
	if err != nil {
		e.logger().Debug("unusable tool definition", "reply", c.Text, "error", err)
		return nil, err
	}
	if IsBuiltin(def.Function.Name) {
		return nil, fmt.Errorf("%w: %q is a built-in name", ErrInvalidDefinition, def.Function.Name)
	}
	return def, nil
}

func stringArg(args map[string]any, name string) string {
	v, ok := args[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}
