package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MustCompile compiles a JSON schema literal at init time. Panics on a bad
// schema: these are embedded in the binary, not user input.
func MustCompile(name, schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("adding schema resource %s: %v", name, err))
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compiling schema %s: %v", name, err))
	}
	return sch
}

// Validate checks raw JSON bytes against a compiled schema.
func Validate(sch *jsonschema.Schema, data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshalling request body: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("request body failed validation: %w", err)
	}
	return nil
}
