package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the configuration record. Frontends and
// deployment tooling validate config files against it.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		// Inline the record instead of a one-entry $defs indirection.
		ExpandedStruct: true,
	}

	schema := r.Reflect(&Config{})
	schema.Title = "bbblb configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	return data, nil
}
