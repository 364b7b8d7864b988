package schema_test

import (
	"testing"

	"github.com/relabs-tech/pump/core/schema"
)

const readingSchema = `{
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {"type": "number"}
	}
}`

func TestValidateStruct(t *testing.T) {
	v := schema.NewValidator()
	if v.HasSchema("reading") {
		t.Fatal("validator should start empty")
	}
	if err := v.AddSchema("reading", readingSchema); err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("reading") {
		t.Fatal("schema should be registered")
	}

	if err := v.ValidateStruct(map[string]interface{}{"value": 21.5}, "reading"); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := v.ValidateStruct(map[string]interface{}{"value": "not a number"}, "reading"); err == nil {
		t.Fatal("invalid payload accepted")
	}
	if err := v.ValidateStruct(map[string]interface{}{}, "reading"); err == nil {
		t.Fatal("payload without required field accepted")
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	v := schema.NewValidator()
	if err := v.ValidateString(`{}`, "nope"); err == nil {
		t.Fatal("unknown schema id must be an error")
	}
}

func TestAddBrokenSchema(t *testing.T) {
	v := schema.NewValidator()
	if err := v.AddSchema("broken", `{"type": [not json`); err == nil {
		t.Fatal("broken schema must be rejected")
	}
}
