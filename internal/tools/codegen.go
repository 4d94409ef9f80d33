package tools

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
)

// MergeArguments applies static values first and call arguments second,
// so a call-supplied value wins on a name collision.
func MergeArguments(static map[string]StaticParameter, call map[string]any) map[string]any {
	out := make(map[string]any, len(static)+len(call))
	for name, p := range static {
		out[name] = p.Value
	}
	maps.Copy(out, call)
	return out
}

// GenerateCode returns a python program that defines the tool, binds the
// merged arguments and prints the result. Arguments travel as one JSON
// string literal, never as interpolated source.
func GenerateCode(d *Definition, call map[string]any) (string, error) {
	if !identifier.MatchString(d.Function.Name) {
		return "", fmt.Errorf("%w: function name %q is not an identifier", ErrInvalidDefinition, d.Function.Name)
	}
	argsJSON, err := json.Marshal(MergeArguments(d.StaticParameters, call))
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(d.Code, "\n"))
	sb.WriteString("\n\n\nimport json as _json\n")
	fmt.Fprintf(&sb, "_args = _json.loads(%s)\n", strconv.Quote(string(argsJSON)))
	fmt.Fprintf(&sb, "_result = %s(**_args)\n", d.Function.Name)
	sb.WriteString("if _result is not None:\n    print(_result)\n")
	return sb.String(), nil
}

// Render describes a definition for a user deciding whether to keep it.
func Render(d *Definition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**: %s\n\n", d.Name, d.Description)

	args := make([]string, 0, len(d.Function.Parameters.Properties))
	for _, p := range d.Function.Parameters.Properties {
		args = append(args, p.Name+": "+p.Type)
	}
	fmt.Fprintf(&sb, "Function: `%s(%s)`\n", d.Function.Name, strings.Join(args, ", "))
	if d.Function.Description != "" {
		fmt.Fprintf(&sb, "%s\n", d.Function.Description)
	}

	required := make(map[string]bool, len(d.Function.Parameters.Required))
	for _, r := range d.Function.Parameters.Required {
		required[r] = true
	}
	for _, p := range d.Function.Parameters.Properties {
		suffix := ""
		if required[p.Name] {
			suffix = " (required)"
		}
		fmt.Fprintf(&sb, "- %s: %s%s\n", p.Name, p.Description, suffix)
	}

	if len(d.StaticParameters) > 0 {
		names := make([]string, 0, len(d.StaticParameters))
		for n := range d.StaticParameters {
			names = append(names, n)
		}
		sort.Strings(names)
		sb.WriteString("\nStatic parameters:\n")
		for _, n := range names {
			p := d.StaticParameters[n]
			fmt.Fprintf(&sb, "- %s (%s) = %v\n", n, p.Type, p.Value)
		}
	}
	if len(d.Dependencies) > 0 {
		fmt.Fprintf(&sb, "\nDependencies: %s\n", strings.Join(d.Dependencies, ", "))
	}
	fmt.Fprintf(&sb, "\n```python\n%s\n```\n", strings.TrimRight(d.Code, "\n"))
	if d.Example != "" {
		fmt.Fprintf(&sb, "\nExample: `%s`\n", d.Example)
	}
	return sb.String()
}
