package pipeline

import "fmt"

// OutcomeKind says how the orchestrator proceeds after an action.
type OutcomeKind int

const (
	// OutcomeContinue runs the next queued action.
	OutcomeContinue OutcomeKind = iota
	// OutcomeRestart abandons the remaining queue and classifies the
	// message again once topic-change phrasing has been stripped.
	OutcomeRestart
	// OutcomeFatal reports a failed action. The user gets a degraded
	// reply and the queue carries on.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRestart:
		return "restart"
	case OutcomeFatal:
		return "fatal"
	default:
		return "continue"
	}
}

// Outcome is the result of one action.
type Outcome struct {
	Kind OutcomeKind
	// Text is the message to rewrite and reclassify on restart.
	Text string
	Err  error
}

// Continue is the normal outcome.
func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

// Restart asks for text to be rewritten and handled as a fresh turn.
func Restart(text string) Outcome { return Outcome{Kind: OutcomeRestart, Text: text} }

// Fatal reports err.
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeRestart:
		return fmt.Sprintf("restart(%q)", o.Text)
	case OutcomeFatal:
		return fmt.Sprintf("fatal(%v)", o.Err)
	default:
		return "continue"
	}
}
