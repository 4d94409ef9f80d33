package prompts

import (
	"fmt"
	"strings"

	"github.com/wopr-bot/wopr/internal/llm"
)

// Summary asks for a detailed bullet summary of text. The caller is
// responsible for capping the input size.
func Summary(text string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are a helpful AI assistant who knows how to extract information from a conversational text for integration into a knowledge base, and return only the summarized content as a list without making reference to the request. Summarize the entirety of the following text as a list of key factual and conversational datapoints. Supply as many important details as you can, including descriptions of all provided examples, and return only the bulleted list. Don't use words like \"summary\" or \"prior conversations\" unless they are part of the data itself."},
		{Role: "user", Content: fmt.Sprintf("What is a highly detailed summary of this content? %q Reply with only the summary.", text)},
	}
}

// RemoveTopicChange asks for message reworded without the request to
// change topics.
func RemoveTopicChange(message string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are a helpful AI assistant who knows how to take a statement or request to discuss a specific topic or change a topic, and reword the request to eliminate the request to change the topic and any mentions of \"instead\", leaving only the subject as a new request or statement."},
		{Role: "system", Content: "For example, if I say to you, \"Can we discuss Queen Elizabeth instead of talking about this? Did she die according to Wikipedia?\", you would reply with\n```yaml\nDid Queen Elizabeth die according to Wikipedia?\n```\nand nothing else. If it doesn't mention a topic change, quote it directly as your reply. Output the new request as a YAML string."},
		{Role: "user", Content: fmt.Sprintf("Please reformat this to not include the mention of change of topic: %q. Output the result as a YAML string and don't use words like \"instead\".", message)},
	}
}

// PickConversation asks which numbered prior conversation message
// belongs to, or whether it starts a new one.
func PickConversation(summaries []string, message string) []llm.Message {
	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. %s\n", i, s)
	}
	return []llm.Message{
		{Role: "system", Content: "You are a helpful AI assistant who knows how to identify if a message is related to a prior conversation, or if it starts a new conversation. Reply with only the number of the related prior conversation, or say 'new conversation' if it is new."},
		{Role: "system", Content: "Here are the prior conversations:\n" + sb.String()},
		{Role: "user", Content: fmt.Sprintf("Is this a new conversation or related to a prior conversation? %q I need the number of the conversation, like 3 or 5, not the topic, or 'new conversation'.", message)},
	}
}
