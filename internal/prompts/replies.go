package prompts

// User-facing replies that do not come from the model.
const (
	// TryAgain is sent when the oracle stays unavailable after retries.
	TryAgain = "I'm having trouble reaching my language model right now. Please try again in a moment."

	// DontUnderstand is sent when the oracle's answer could not be used.
	DontUnderstand = "I'm sorry, I don't understand."

	// ActionFailed is the generic degraded reply for other failures.
	ActionFailed = "Something went wrong while I was working on that. Please try again."

	// NewConversationNotice precedes a restart into a fresh conversation.
	NewConversationNotice = "I think this is a new conversation. One moment please..."

	// PriorConversationNotice precedes a restart into an older conversation.
	PriorConversationNotice = "I'm changing topics to a prior conversation. One moment please..."

	// NewConversationCreated answers an explicit /new request.
	NewConversationCreated = "Started a new conversation."

	// ToolCreated confirms an accepted tool proposal.
	ToolCreated = "Creating the tool."

	// ToolCancelled confirms a declined tool proposal.
	ToolCancelled = "Okay, I won't create that tool."

	// ToolNotUnderstood is sent when no tool definition could be produced.
	ToolNotUnderstood = "I don't understand what you're asking me to create."

	// ConfirmByText is appended to a proposal when the transport cannot
	// render accept/cancel controls.
	ConfirmByText = "Reply \"yes\" to create this tool or anything else to cancel."
)

// Conversation defaults.
const (
	DefaultSystem  = "You are a helpful AI assistant."
	InitialSummary = "The start of a brand new conversation"

	KnowledgeHeader = "Here's some background knowledge I have:\n"
	SummaryHeader   = "Here's a summary of the conversation so far:\n"
)
