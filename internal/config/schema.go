package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// SchemaJSON returns the embedded configuration schema.
func SchemaJSON() []byte {
	return append([]byte(nil), schemaJSON...)
}

// ValidateSchema checks a configuration document against the embedded
// schema. format is one of "toml", "json", "jsonc" or "yaml". Unlike
// Validate it catches misspelled keys, which the decoders ignore.
func ValidateSchema(data []byte, format string) error {
	schema, err := configSchema()
	if err != nil {
		return err
	}
	doc, err := decodeGeneric(data, format)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// decodeGeneric decodes data into plain maps and slices, then normalizes it
// through JSON so every number is a float64 regardless of the source format.
func decodeGeneric(data []byte, format string) (any, error) {
	var doc map[string]any
	if err := decodeInto(data, format, &doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}
