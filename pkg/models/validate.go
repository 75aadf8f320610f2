package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateNodeDefinition checks structural validity of a definition before
// it enters the registry: struct tags, unique input/output names, and that
// "nothing"-typed specs appear only on inputs.
func ValidateNodeDefinition(def *NodeDefinition) error {
	if def == nil {
		return fmt.Errorf("node definition is nil")
	}

	if err := validate.Struct(def); err != nil {
		return fmt.Errorf("node definition %q: %w", def.Name, err)
	}

	seenInputs := make(map[string]struct{}, len(def.Inputs))
	for _, in := range def.Inputs {
		if _, dup := seenInputs[in.Name]; dup {
			return fmt.Errorf("node definition %q: duplicate input %q", def.Name, in.Name)
		}

		seenInputs[in.Name] = struct{}{}
	}

	seenOutputs := make(map[string]struct{}, len(def.Outputs))
	for _, out := range def.Outputs {
		if _, dup := seenOutputs[out.Name]; dup {
			return fmt.Errorf("node definition %q: duplicate output %q", def.Name, out.Name)
		}

		if out.Type == TypeNothing {
			return fmt.Errorf("node definition %q: output %q cannot be nothing-typed", def.Name, out.Name)
		}

		seenOutputs[out.Name] = struct{}{}
	}

	return nil
}
