package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned for tool definitions that cannot be
// executed.
var ErrInvalidDefinition = errors.New("invalid tool definition")

// ErrToolUnavailable marks a call to a function that is neither built in
// nor registered for the user. Such calls are skipped, not failed.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// ErrMissingArgument is returned when a built-in call lacks a required
// argument.
type ErrMissingArgument struct {
	ToolName string
	Argument string
}

func (e *ErrMissingArgument) Error() string {
	return fmt.Sprintf("%s: missing argument %q", e.ToolName, e.Argument)
}
