package rag

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType enumerates the JSON types a schema field may declare.
type FieldType string

const (
	// TypeString is a JSON string field.
	TypeString FieldType = "string"
	// TypeNumber is a JSON number field.
	TypeNumber FieldType = "number"
	// TypeBool is a JSON boolean field.
	TypeBool FieldType = "boolean"
	// TypeObject is a nested JSON object described by Field.Fields.
	TypeObject FieldType = "object"
	// TypeArray is a JSON array of objects described by Field.Fields.
	TypeArray FieldType = "array"
)

// Field declares one field of a structured response: its name, type,
// optional enumeration of allowed values, nullability, and nested fields
// for object and array types.
type Field struct {
	// Name is the JSON key.
	Name string

	// Type is the expected JSON type.
	Type FieldType

	// Description tells the model what the field means.
	Description string

	// Enum restricts a string field to the listed values. Empty means
	// unrestricted.
	Enum []string

	// Nullable permits null or a missing key. Non-nullable fields must be
	// present and non-null.
	Nullable bool

	// Fields describes the members of an object or array-of-objects field.
	Fields []Field
}

// ResponseSchema is a declared structured-output contract. The prompt
// assembler renders it into instructions for the model; the orchestrator
// validates the model's raw output against it. It is the single source of
// truth for both sides, replacing inlined prompt templates.
type ResponseSchema struct {
	// Name labels the object kind (e.g. "problem").
	Name string

	// Description tells the model what to produce.
	Description string

	// Array requests an array of objects at the top level rather than a
	// single object.
	Array bool

	// Fields declares the members of each object.
	Fields []Field
}

// Instructions renders the schema as prompt text describing the required
// output structure.
func (s *ResponseSchema) Instructions() string {
	var b strings.Builder
	b.WriteString("Respond with JSON only, no prose and no code fences. ")
	if s.Array {
		fmt.Fprintf(&b, "Produce a JSON array of %q objects. ", s.Name)
	} else {
		fmt.Fprintf(&b, "Produce a single %q JSON object. ", s.Name)
	}
	if s.Description != "" {
		b.WriteString(s.Description)
	}
	b.WriteString("\nEach object has exactly these fields:\n")
	writeFields(&b, s.Fields, 0)
	return b.String()
}

// writeFields renders field declarations with indentation for nesting.
func writeFields(b *strings.Builder, fields []Field, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, f := range fields {
		fmt.Fprintf(b, "%s- %s (%s", indent, f.Name, f.Type)
		if len(f.Enum) > 0 {
			fmt.Fprintf(b, ", one of: %s", strings.Join(f.Enum, ", "))
		}
		if f.Nullable {
			b.WriteString(", null if unknown")
		} else {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Description != "" {
			fmt.Fprintf(b, ": %s", f.Description)
		}
		b.WriteString("\n")
		if len(f.Fields) > 0 {
			writeFields(b, f.Fields, depth+1)
		}
	}
}

// Validate parses raw as JSON and checks it against the schema. It returns
// the parsed payload on success. Markdown code fences around the JSON are
// tolerated since many models add them despite instructions. Validation
// failures wrap ErrMalformedCompletion and name the offending field.
func (s *ResponseSchema) Validate(raw string) (json.RawMessage, error) {
	cleaned := stripFences(raw)

	if s.Array {
		var objects []map[string]any
		if err := json.Unmarshal([]byte(cleaned), &objects); err != nil {
			// A single object where an array was requested is tolerated
			// and treated as a one-element array.
			var single map[string]any
			if err2 := json.Unmarshal([]byte(cleaned), &single); err2 != nil {
				return nil, fmt.Errorf("rag: %w: not valid JSON: %w", ErrMalformedCompletion, err)
			}
			objects = []map[string]any{single}
		}
		for i, obj := range objects {
			if err := validateObject(obj, s.Fields); err != nil {
				return nil, fmt.Errorf("rag: %w: object %d: %w", ErrMalformedCompletion, i, err)
			}
		}
		out, err := json.Marshal(objects)
		if err != nil {
			return nil, fmt.Errorf("rag: %w: %w", ErrMalformedCompletion, err)
		}
		return out, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, fmt.Errorf("rag: %w: not valid JSON: %w", ErrMalformedCompletion, err)
	}
	if err := validateObject(obj, s.Fields); err != nil {
		return nil, fmt.Errorf("rag: %w: %w", ErrMalformedCompletion, err)
	}
	return json.RawMessage(cleaned), nil
}

// validateObject checks one object against the declared fields. Extra keys
// are tolerated; missing or null non-nullable fields, enum violations, and
// type mismatches are not.
func validateObject(obj map[string]any, fields []Field) error {
	for _, f := range fields {
		val, present := obj[f.Name]
		if !present || val == nil {
			if f.Nullable {
				continue
			}
			return fmt.Errorf("field %q is required", f.Name)
		}

		switch f.Type {
		case TypeString:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string, got %T", f.Name, val)
			}
			if len(f.Enum) > 0 && !contains(f.Enum, s) {
				return fmt.Errorf("field %q: value %q not in allowed set", f.Name, s)
			}
		case TypeNumber:
			if _, ok := val.(float64); !ok {
				return fmt.Errorf("field %q: expected number, got %T", f.Name, val)
			}
		case TypeBool:
			if _, ok := val.(bool); !ok {
				return fmt.Errorf("field %q: expected boolean, got %T", f.Name, val)
			}
		case TypeObject:
			nested, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("field %q: expected object, got %T", f.Name, val)
			}
			if err := validateObject(nested, f.Fields); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		case TypeArray:
			items, ok := val.([]any)
			if !ok {
				return fmt.Errorf("field %q: expected array, got %T", f.Name, val)
			}
			for i, item := range items {
				nested, ok := item.(map[string]any)
				if !ok {
					return fmt.Errorf("field %q[%d]: expected object, got %T", f.Name, i, item)
				}
				if err := validateObject(nested, f.Fields); err != nil {
					return fmt.Errorf("field %q[%d]: %w", f.Name, i, err)
				}
			}
		}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// contains reports whether set includes v.
func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
