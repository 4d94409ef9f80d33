package prompts

import (
	"fmt"
	"strings"

	"github.com/wopr-bot/wopr/internal/llm"
)

const classificationSchema = `Each item is a mapping with these fields:
  original_message: the full message from the user
  message_part: the part of the message this item classifies
  intent: the option that best describes this part (see the allowed values)
  categories: a list of short free-form categories
  reply: an optional short reply to this part
  function: the name of a function to call for this part, if one applies
  function_parameters: a mapping of argument name to value for that function
  follow_up_items: a list of nested items with the same fields`

// StructuredClassification asks the oracle to break a message into
// classification records whose intent field is one of descriptions.
// context may be empty.
func StructuredClassification(message string, descriptions []string, context string) []llm.Message {
	msgs := []llm.Message{
		{Role: "system", Content: "You are a helpful AI assistant who knows how to extract structured data from a message, and return the results as a fenced YAML list of classification items, one for each part of what is said."},
		{Role: "system", Content: "The message may contain multiple requests, in which case you should return an item for each portion of the message. Break complex requests into smaller steps and return an item for each step, matching each one to the option that satisfies it most accurately."},
		{Role: "system", Content: "Look for opportunities to call the available functions to satisfy requests. When calling a function, classify the intent as the option that best describes using it."},
		{Role: "system", Content: classificationSchema},
		{Role: "system", Content: "The \"intent\" field MUST be one of the following values:\n" + yamlList(descriptions)},
	}
	if context != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Here's some additional context for the request. Include relevant information from here when it helps, for example API keys or other stored values: " + context,
		})
	}
	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Escape any inner quotes in strings. Convert the following into a fenced YAML list of classification items that follows the above constraints: %q", message),
	})
	return msgs
}

// FallbackClassification asks for the matching descriptions directly.
// breakdown is the serialized output of the structured pass.
func FallbackClassification(descriptions []string, message, breakdown string) []llm.Message {
	msgs := []llm.Message{
		{Role: "system", Content: "You are a classification agent that knows how to classify text as being related or similar or loosely described by one or more of the options listed, or \"None of the above.\" if it doesn't match any of the listed options."},
		{Role: "system", Content: "For example you would reply with:\n```yaml\n- This is the first option that was chosen.\n- This is the second option chosen.\n```\nAssuming those two options are similar or related. Fence the output as a YAML list. Avoid \"None of the above.\" if the answer is in any way related to another answer."},
		{Role: "user", Content: "Here's the list of possible options:\n" + yamlList(descriptions)},
	}
	if breakdown != "" {
		msgs = append(msgs, llm.Message{
			Role:    "user",
			Content: "For context: This is a full breakdown of the message:\n```json\n" + breakdown + "\n```",
		})
	}
	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Please classify this message as one or more of the above options listed:\n%q", message),
	})
	return msgs
}

func yamlList(items []string) string {
	var sb strings.Builder
	sb.WriteString("```yaml\n")
	for _, it := range items {
		sb.WriteString("- ")
		sb.WriteString(it)
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	return sb.String()
}
