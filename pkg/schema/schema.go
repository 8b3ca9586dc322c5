// Package schema validates structured model responses against JSON Schemas.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSON is returned when a response contains no JSON document.
var ErrNoJSON = errors.New("response contains no JSON")

// Validator checks decoded JSON values against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles a JSON Schema document.
func Compile(doc []byte) (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(doc)); err != nil {
		return nil, err
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	return &Validator{schema: s}, nil
}

// MustCompile is Compile for package-level schemas; it panics on error.
func MustCompile(doc string) *Validator {
	v, err := Compile([]byte(doc))
	if err != nil {
		panic(fmt.Sprintf("schema: compile: %v", err))
	}
	return v
}

// Validate checks a value produced by json.Unmarshal into any.
func (v *Validator) Validate(value any) error {
	return v.schema.Validate(value)
}

// ValidateRaw decodes raw and validates it.
func (v *Validator) ValidateRaw(raw json.RawMessage) (any, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	if err := v.schema.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

// ExtractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON array or object in text.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return "", ErrNoJSON
	}
	closer := byte(']')
	if text[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// DecodeArray extracts a JSON array from a model response. An object
// wrapping exactly one array field is unwrapped.
func DecodeArray(text string) ([]json.RawMessage, error) {
	doc, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(doc), &entries); err == nil {
		return entries, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &wrapper); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var found []json.RawMessage
	arrays := 0
	for _, raw := range wrapper {
		var candidate []json.RawMessage
		if json.Unmarshal(raw, &candidate) == nil {
			found = candidate
			arrays++
		}
	}
	if arrays != 1 {
		return nil, fmt.Errorf("decode response: expected an array or an object with one array field, found %d arrays", arrays)
	}
	return found, nil
}
