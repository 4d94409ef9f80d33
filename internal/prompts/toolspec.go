package prompts

import (
	"fmt"

	"github.com/wopr-bot/wopr/internal/llm"
)

// toolSchema describes every field of a tool definition. The oracle is
// asked to fill it in as YAML.
const toolSchema = "```yaml\n" + `name: short snake_case name of the tool
description: one sentence describing what the tool does
static_parameters:
  # values the user must supply once, such as API keys; never exposed as
  # function arguments
  <parameter name>:
    type: string | integer | number | boolean
    value: the stored value, or an empty string if unknown
function:
  name: name of the python function defined in code
  description: what the function does and when to call it
  parameters:
    type: object
    properties:
      <argument name>:
        type: string | integer | number | boolean
        description: what the argument means
    required: [list of required argument names]
dependencies: [list of pip packages the code imports]
code: |
  complete python source defining the function; it must print its result
example: an example call such as fn(city="Paris")
` + "```"

// ToolSpec asks the oracle to design a complete tool definition from a
// free-text description.
func ToolSpec(description string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are a helpful AI assistant who writes small, self-contained python tools. Given a description, you design one function and return its complete definition as fenced YAML that follows this schema exactly:\n" + toolSchema},
		{Role: "system", Content: "Secrets and per-user settings belong in static_parameters and must not also appear under function.parameters. The function receives static parameters and call arguments as keyword arguments and must print its result to stdout."},
		{Role: "user", Content: fmt.Sprintf("Create a tool that satisfies this request: %q. Reply with only the fenced YAML.", description)},
	}
}
