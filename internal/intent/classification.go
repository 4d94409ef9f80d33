package intent

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Classification is one part of a message as the oracle broke it down.
type Classification struct {
	OriginalMessage    string           `yaml:"original_message" json:"original_message"`
	MessagePart        string           `yaml:"message_part" json:"message_part"`
	Intent             string           `yaml:"intent,omitempty" json:"intent,omitempty"`
	Categories         []string         `yaml:"categories,omitempty" json:"categories,omitempty"`
	Reply              string           `yaml:"reply,omitempty" json:"reply,omitempty"`
	Function           string           `yaml:"function,omitempty" json:"function,omitempty"`
	FunctionParameters map[string]any   `yaml:"function_parameters,omitempty" json:"function_parameters,omitempty"`
	FollowUpItems      []Classification `yaml:"follow_up_items,omitempty" json:"follow_up_items,omitempty"`
}

// Flatten returns cs and their follow-up items depth first.
func Flatten(cs []Classification) []Classification {
	var out []Classification
	for _, c := range cs {
		out = append(out, c)
		out = append(out, Flatten(c.FollowUpItems)...)
	}
	return out
}

// parseClassifications accepts a YAML list of items or a single item.
func parseClassifications(body string) ([]Classification, bool) {
	if strings.TrimSpace(body) == "" {
		return nil, false
	}
	var list []Classification
	if err := yaml.Unmarshal([]byte(body), &list); err == nil {
		return list, true
	}
	var single Classification
	if err := yaml.Unmarshal([]byte(body), &single); err == nil && (single.Intent != "" || single.Function != "" || single.MessagePart != "") {
		return []Classification{single}, true
	}
	return nil, false
}

// parseLabels accepts a YAML list of strings or a single string.
func parseLabels(body string) ([]string, bool) {
	if strings.TrimSpace(body) == "" {
		return nil, false
	}
	var list []string
	if err := yaml.Unmarshal([]byte(body), &list); err == nil {
		return list, true
	}
	var single string
	if err := yaml.Unmarshal([]byte(body), &single); err == nil && single != "" {
		return []string{single}, true
	}
	return nil, false
}
