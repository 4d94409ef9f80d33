package tools

// Built-in function names.
const (
	CreateToolName = "create_tool"
	RememberName   = "remember"
	ForgetName     = "forget"
)

func builtin(name, desc string, required []string, props ...Property) Definition {
	return Definition{
		Name:        name,
		Description: desc,
		Function: FunctionSpec{
			Name:        name,
			Description: desc,
			Parameters: Parameters{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		},
	}
}

// Builtins returns the tools every user has.
func Builtins() []Definition {
	return []Definition{
		builtin(CreateToolName,
			"Creates a new tool that can be invoked later. Call this when the user asks for a new tool or function, passing a plain text description of exactly what it should do, including any static values the user gave such as API keys, and anything from the conversation that helps build it.",
			[]string{"description"},
			Property{Name: "description", Type: "string", Description: "A plain text description of the tool, including every detail needed to build it and any static parameters."},
		),
		builtin(RememberName,
			"Remembers something for later. It needs a unique key, a plain text description of what is stored, and the value itself. For \"Remember my API key for Wolfram Alpha is XXXXXXX\" the key is wolfram_alpha_api_key, the description is \"API key for Wolfram Alpha\" and the value is XXXXXXX.",
			[]string{"knowledge_key", "description", "value", "appropriate_response"},
			Property{Name: "knowledge_key", Type: "string", Description: "A short snake_case key for the information, e.g. favorite_color."},
			Property{Name: "description", Type: "string", Description: "What the value describes."},
			Property{Name: "value", Type: "string", Description: "The information to remember."},
			Property{Name: "appropriate_response", Type: "string", Description: "A short reply confirming what was remembered."},
		),
		builtin(ForgetName,
			"Forgets something that was previously remembered, by its unique key. For \"Forget my API key for Wolfram Alpha\" the key is wolfram_alpha_api_key.",
			[]string{"knowledge_key"},
			Property{Name: "knowledge_key", Type: "string", Description: "The key of the information to forget."},
			Property{Name: "appropriate_response", Type: "string", Description: "A short reply confirming what was forgotten."},
		),
	}
}

// IsBuiltin reports whether name is a built-in function.
func IsBuiltin(name string) bool {
	switch name {
	case CreateToolName, RememberName, ForgetName:
		return true
	}
	return false
}
