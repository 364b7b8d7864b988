// Package schema validates JSON objects against JSON schemas.
package schema

import (
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON objects against a set of
// registered schemas.
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidator creates an empty Validator. Schemas are registered with
// AddSchema under an identifier of the caller's choosing.
func NewValidator() *Validator {
	return &Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
}

// AddSchema compiles the given JSON schema and registers it under schemaID.
// Registering the same schemaID twice replaces the previous schema.
func (v *Validator) AddSchema(schemaID, schema string) error {
	sl := gojsonschema.NewSchemaLoader()
	compiled, err := sl.Compile(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("cannot compile schema %s: %w", schemaID, err)
	}
	v.schemaValidators[schemaID] = compiled
	return nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateStruct validates the given json as a struct against schemaID. If no error is returned,
// then the passed json is valid
func (v *Validator) ValidateStruct(json interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(json), schemaID)
}

// ValidateString validates the given json against schemaID. If no error is returned, then the
// passed json is valid
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {

	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s %s", schemaID, err)
	}

	if !result.Valid() {
		err := "the document is not valid :\n"
		for _, e := range result.Errors() {
			err += fmt.Sprintf("- %s\n", e)
		}
		return errors.New(err)
	}
	return nil
}
