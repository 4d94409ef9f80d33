// Package tools holds user-defined tool definitions, the built-in
// tools, and the engine that dispatches tool calls.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// StaticParameter is a value bound at execution time and never shown to
// the classifier, such as an API key.
type StaticParameter struct {
	Type  string `yaml:"type" json:"type"`
	Value any    `yaml:"value" json:"value"`
}

// Property describes one callable argument.
type Property struct {
	Name        string `yaml:"-" json:"-"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Properties keeps arguments in declaration order. It encodes as a
// mapping of name to Property.
type Properties []Property

// Names returns the argument names in order.
func (ps Properties) Names() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (ps *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: properties must be a mapping", node.Line)
	}
	out := make(Properties, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var p Property
		if err := node.Content[i+1].Decode(&p); err != nil {
			return fmt.Errorf("property %q: %w", node.Content[i].Value, err)
		}
		p.Name = node.Content[i].Value
		out = append(out, p)
	}
	*ps = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (ps Properties) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, p := range ps {
		var v yaml.Node
		if err := v.Encode(p); err != nil {
			return nil, err
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Name}, &v)
	}
	return n, nil
}

// MarshalJSON implements json.Marshaler.
func (ps Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, keeping key order.
func (ps *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*ps = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("properties must be an object")
	}
	var out Properties
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var p Property
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		p.Name = name
		out = append(out, p)
	}
	*ps = out
	return nil
}

// Parameters is the JSON-schema object describing a function's
// arguments.
type Parameters struct {
	Type       string     `yaml:"type" json:"type"`
	Properties Properties `yaml:"properties" json:"properties"`
	Required   []string   `yaml:"required,omitempty" json:"required,omitempty"`
}

// FunctionSpec is what the classifier sees.
type FunctionSpec struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Parameters  Parameters `yaml:"parameters" json:"parameters"`
}

// Definition is a user tool.
type Definition struct {
	Name             string                     `yaml:"name" json:"name"`
	Description      string                     `yaml:"description" json:"description"`
	StaticParameters map[string]StaticParameter `yaml:"static_parameters,omitempty" json:"static_parameters,omitempty"`
	Function         FunctionSpec               `yaml:"function" json:"function"`
	Dependencies     []string                   `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Code             string                     `yaml:"code" json:"code"`
	Example          string                     `yaml:"example,omitempty" json:"example,omitempty"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the definition can be executed and removes static
// parameter names from the callable arguments, since static values are
// bound at execution time.
func (d *Definition) Validate() error {
	if d.Function.Name == "" {
		return fmt.Errorf("%w: function name is required", ErrInvalidDefinition)
	}
	if !identifier.MatchString(d.Function.Name) {
		return fmt.Errorf("%w: function name %q is not an identifier", ErrInvalidDefinition, d.Function.Name)
	}
	if d.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidDefinition)
	}
	for name := range d.StaticParameters {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: static parameter %q is not an identifier", ErrInvalidDefinition, name)
		}
	}
	for _, p := range d.Function.Parameters.Properties {
		if !identifier.MatchString(p.Name) {
			return fmt.Errorf("%w: argument %q is not an identifier", ErrInvalidDefinition, p.Name)
		}
	}
	if d.Name == "" {
		d.Name = d.Function.Name
	}
	if d.Function.Parameters.Type == "" {
		d.Function.Parameters.Type = "object"
	}

	if len(d.StaticParameters) > 0 {
		static := func(name string) bool {
			_, ok := d.StaticParameters[name]
			return ok
		}
		d.Function.Parameters.Properties = slices.DeleteFunc(d.Function.Parameters.Properties, func(p Property) bool {
			return static(p.Name)
		})
		d.Function.Parameters.Required = slices.DeleteFunc(d.Function.Parameters.Required, static)
	}
	return nil
}

// Spec returns the OpenAI-style function schema.
func (d *Definition) Spec() map[string]any {
	props := make(map[string]any, len(d.Function.Parameters.Properties))
	for _, p := range d.Function.Parameters.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(d.Function.Parameters.Required) > 0 {
		params["required"] = d.Function.Parameters.Required
	}
	desc := d.Function.Description
	if desc == "" {
		desc = d.Description
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Function.Name,
			"description": desc,
			"parameters":  params,
		},
	}
}

// ParseDefinition decodes a YAML definition and validates it.
func ParseDefinition(text string) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal([]byte(text), &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Marshal encodes d as YAML, the storage format.
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
