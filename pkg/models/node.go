// Package models defines the core domain models for graph-based job execution.
package models

// TypeTag is a coarse type marker carried by input and output specs. The
// engine does not enforce value types at runtime; tags exist so that graph
// construction can distinguish data-carrying inputs from ordering-only
// ("nothing") inputs and fan-in ("list") inputs.
type TypeTag string

const (
	TypeAny     TypeTag = "any"
	TypeString  TypeTag = "string"
	TypeInt     TypeTag = "int"
	TypeFloat   TypeTag = "float"
	TypeBool    TypeTag = "bool"
	TypeMap     TypeTag = "map"
	TypeList    TypeTag = "list"    // fan-in: collects every edge bound to the input
	TypeNothing TypeTag = "nothing" // ordering only, no data transferred
)

// InputSpec declares one named input of a node definition.
type InputSpec struct {
	Name       string  `json:"name"       validate:"required"`
	Type       TypeTag `json:"type"`
	Default    any     `json:"default,omitempty"`
	HasDefault bool    `json:"has_default"`
}

// OutputSpec declares one named output of a node definition. Outputs with
// Required=false may or may not be produced by a given execution; consumers
// bound to an unproduced optional output are skipped, not failed.
type OutputSpec struct {
	Name     string  `json:"name"     validate:"required"`
	Type     TypeTag `json:"type"`
	Required bool    `json:"required"`
}

// NodeDefinition is the immutable description of a computational unit. It is
// owned by the node registry for the lifetime of the process or until
// explicitly redefined. The same definition may appear in a graph multiple
// times under different aliases; the definition itself is never mutated.
type NodeDefinition struct {
	Name         string         `json:"name"          validate:"required,min=1"`
	Inputs       []InputSpec    `json:"inputs"        validate:"dive"`
	Outputs      []OutputSpec   `json:"outputs"       validate:"dive"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
	Resources    []string       `json:"resources,omitempty"`
	Tags         Tags           `json:"tags,omitempty"`
}

// Input returns the input spec with the given name.
func (d *NodeDefinition) Input(name string) (InputSpec, bool) {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in, true
		}
	}

	return InputSpec{}, false
}

// Output returns the output spec with the given name.
func (d *NodeDefinition) Output(name string) (OutputSpec, bool) {
	for _, out := range d.Outputs {
		if out.Name == name {
			return out, true
		}
	}

	return OutputSpec{}, false
}
