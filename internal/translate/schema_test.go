package translate

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestSanitizeSchemaLenient_StripsOnlyUniversallyRejectedKeywords(t *testing.T) {
	schema := []byte(`{"type":"object","$schema":"http://json-schema.org/draft-07/schema#","properties":{"x":{"type":"string","format":"email"}}}`)
	out, err := SanitizeSchemaLenient(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "$schema").Exists() {
		t.Fatal("expected $schema stripped")
	}
	if !gjson.GetBytes(out, "properties.x.format").Exists() {
		t.Fatal("expected format preserved under lenient sanitization")
	}
}

func TestSanitizeSchemaLenient_EmptyInputGetsPlaceholderSchema(t *testing.T) {
	out, err := SanitizeSchemaLenient(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "type").String() != "object" {
		t.Fatalf("expected object placeholder schema, got %s", out)
	}
}

func TestSanitizeSchemaStrict_StripsUnsupportedKeywordsEverywhere(t *testing.T) {
	schema := []byte(`{
		"type":"object",
		"properties":{
			"x":{"type":"string","format":"email","minLength":1},
			"y":{"type":"object","additionalProperties":false,"properties":{}}
		}
	}`)
	out, err := SanitizeSchemaStrict(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "properties.x.format").Exists() {
		t.Fatal("expected format stripped under strict sanitization")
	}
	if gjson.GetBytes(out, "properties.x.minLength").Exists() {
		t.Fatal("expected minLength stripped")
	}
	if gjson.GetBytes(out, "properties.y.additionalProperties").Exists() {
		t.Fatal("expected additionalProperties stripped from nested object")
	}
}

func TestSanitizeSchemaStrict_FlattensNullableTypeArrays(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"x":{"type":["string","null"]}}}`)
	out, err := SanitizeSchemaStrict(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "properties.x.type").String() != "string" {
		t.Fatalf("expected flattened to string, got %s", out)
	}
	if !gjson.GetBytes(out, "properties.x.nullable").Bool() {
		t.Fatalf("expected nullable:true set, got %s", out)
	}
}

func TestSanitizeSchemaStrict_CoercesEnumMembersToStrings(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"x":{"type":"string","enum":[1,2,"three"]}}}`)
	out, err := SanitizeSchemaStrict(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enum := gjson.GetBytes(out, "properties.x.enum").Array()
	if len(enum) != 3 {
		t.Fatalf("expected 3 enum members preserved, got %d", len(enum))
	}
	for _, e := range enum {
		if e.Type != gjson.String {
			t.Fatalf("expected all enum members coerced to strings, got %s (type %v)", e.Raw, e.Type)
		}
	}
}

func TestEnsureNonEmptyObjectSchema_InjectsPlaceholderProperty(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{}}`)
	out, err := SanitizeSchemaLenient(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	props := gjson.GetBytes(out, "properties")
	if len(props.Map()) == 0 {
		t.Fatal("expected a placeholder property injected into an empty properties object")
	}
}

func TestSanitizeFunctionName_AlphabetAndLength(t *testing.T) {
	cases := map[string]func(string) bool{
		"valid_name-1": func(s string) bool { return s == "valid_name-1" },
		"has spaces":   func(s string) bool { return s == "has_spaces" },
		"":             func(s string) bool { return s == "tool" },
	}
	for in, check := range cases {
		got := SanitizeFunctionName(in)
		if !check(got) {
			t.Fatalf("SanitizeFunctionName(%q) = %q, failed check", in, got)
		}
	}
}
