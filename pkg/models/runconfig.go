package models

// RunConfig is the already-validated structured configuration handed to the
// engine for one run. The engine does not parse any file format itself; see
// pkg/config for the YAML loader used by daemons.
type RunConfig struct {
	// Nodes maps a graph alias to its per-invocation configuration.
	Nodes map[string]NodeRunConfig `json:"nodes,omitempty"      yaml:"nodes"`
	// Resources configures the named external capabilities steps may
	// require. Keys are resource keys from NodeDefinition.Resources.
	Resources map[string]ResourceConfig `json:"resources,omitempty"  yaml:"resources"`
}

// NodeRunConfig configures one aliased node invocation.
type NodeRunConfig struct {
	// Config is validated against the definition's declared config schema
	// at plan compile time.
	Config map[string]any `json:"config,omitempty" yaml:"config"`
	// Inputs provides literal values for inputs. An explicit value takes
	// precedence over a declared default.
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs"`
}

// ResourceConfig describes a named external capability.
type ResourceConfig struct {
	// MaxConcurrent caps concurrently running steps holding this resource
	// key; zero means unlimited.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent" validate:"gte=0"`
	// Config is opaque to the engine and passed through to backends.
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// NodeConfig returns the configuration for alias, zero-valued when absent.
func (c RunConfig) NodeConfig(alias string) NodeRunConfig {
	if c.Nodes == nil {
		return NodeRunConfig{}
	}

	return c.Nodes[alias]
}
