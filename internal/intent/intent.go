// Package intent maps a user message to the intents it expresses and
// the actions each intent runs.
package intent

import "strings"

// ID names an intent variant.
type ID string

const (
	TopicChange ID = "topic_change"
	NoOp        ID = "noop"
	Pleasantry  ID = "pleasantry"
	Inquiry     ID = "inquiry"
	Remember    ID = "remember"
	Forget      ID = "forget"
	CreateTool  ID = "create_tool"
	UseTool     ID = "use_tool"
)

// ActionID names a pipeline action.
type ActionID string

const (
	ActionChangeConversation ActionID = "change_conversation"
	ActionCompletion         ActionID = "completion"
	ActionSummary            ActionID = "summary"
	ActionProposeTool        ActionID = "propose_tool"
)

// Intent is a category of request and the actions that satisfy it.
type Intent struct {
	ID           ID
	Descriptions []string
	Actions      []ActionID
}

var conversational = []ActionID{ActionCompletion, ActionSummary}

// Defaults returns the built-in intents in resolution order.
func Defaults() []Intent {
	return []Intent{
		{
			ID: TopicChange,
			Descriptions: []string{
				"An explicit request to change the topic.",
				"An implict request to discuss something unrelated to what we have been discussing.",
			},
			Actions: []ActionID{ActionChangeConversation, ActionCompletion, ActionSummary},
		},
		{ID: NoOp, Descriptions: []string{"None of the above."}, Actions: conversational},
		{
			ID: Pleasantry,
			Descriptions: []string{
				"Just a greeting, affirmation, platitude, or pleasantry and nothing more.",
				"A frieldly greeting or pleasantry.",
			},
			Actions: conversational,
		},
		{
			ID: Inquiry,
			Descriptions: []string{
				"A question or comment, specifically about what just happened.",
				"A question or comment regarding what was just discussed.",
				"Something that was relevant to the conversation we have been having.",
				"A question regarding what has already been discussed in the current conversation that does not require a tool or function call.",
			},
			Actions: conversational,
		},
		{
			ID: Remember,
			Descriptions: []string{
				"An explicit request to remember a detail or a set of details.",
				"An explicit request to keep something in mind or to note something for the future.",
			},
			Actions: conversational,
		},
		{
			ID: Forget,
			Descriptions: []string{
				"An explicit request to forget a detail or a set of details.",
				"An explicit request to forget something.",
			},
			Actions: conversational,
		},
		{ID: CreateTool, Descriptions: []string{"An explicit request to create a tool."}, Actions: []ActionID{ActionProposeTool}},
		{
			ID: UseTool,
			Descriptions: []string{
				"An explicit request to use or invoke an existing tool or function.",
				"A request that can be best satisfied by invoking a tool or function.",
				"Specific instructions that can be satisfied by invoking a tool or function.",
			},
			Actions: conversational,
		},
	}
}

// Registry is a fixed, ordered set of intents.
type Registry struct {
	intents []Intent
}

// NewRegistry returns a registry over intents, in the given order.
func NewRegistry(intents []Intent) *Registry {
	return &Registry{intents: append([]Intent(nil), intents...)}
}

// Descriptions lists every description of every intent, in order.
func (r *Registry) Descriptions() []string {
	var out []string
	for _, in := range r.intents {
		out = append(out, in.Descriptions...)
	}
	return out
}

// Get returns the intent with id.
func (r *Registry) Get(id ID) (Intent, bool) {
	for _, in := range r.intents {
		if in.ID == id {
			return in, true
		}
	}
	return Intent{}, false
}

// Resolve finds the first intent with a description containing label,
// ignoring case. Empty labels match nothing.
func (r *Registry) Resolve(label string) (Intent, bool) {
	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return Intent{}, false
	}
	for _, in := range r.intents {
		for _, d := range in.Descriptions {
			if strings.Contains(strings.ToLower(d), needle) {
				return in, true
			}
		}
	}
	return Intent{}, false
}

// Set is an insertion-ordered set of intents keyed by ID.
type Set struct {
	items []Intent
	seen  map[ID]bool
}

// Add appends in unless an intent with the same ID is present. It
// reports whether in was added.
func (s *Set) Add(in Intent) bool {
	if s.seen == nil {
		s.seen = make(map[ID]bool)
	}
	if s.seen[in.ID] {
		return false
	}
	s.seen[in.ID] = true
	s.items = append(s.items, in)
	return true
}

// Items returns the intents in insertion order.
func (s *Set) Items() []Intent { return s.items }

// Len returns the number of intents.
func (s *Set) Len() int { return len(s.items) }
