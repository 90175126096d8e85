package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"
)

// Type is a JSON value type understood by Schema.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Schema is a strict subset of JSON Schema. Objects reject properties they do
// not declare unless Open is set.
type Schema struct {
	Type        Type               `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Open        bool               `json:"open,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
}

// Object creates an object schema with the given properties and required keys.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// OpenObject creates an object schema that accepts any keys.
func OpenObject() *Schema {
	return &Schema{Type: TypeObject, Open: true}
}

// String creates a string schema.
func String() *Schema { return &Schema{Type: TypeString} }

// NonEmptyString creates a string schema with a minimum length of one.
func NonEmptyString() *Schema { return String().WithMinLength(1) }

// Integer creates an integer schema.
func Integer() *Schema { return &Schema{Type: TypeInteger} }

// Number creates a number schema.
func Number() *Schema { return &Schema{Type: TypeNumber} }

// Boolean creates a boolean schema.
func Boolean() *Schema { return &Schema{Type: TypeBoolean} }

// Array creates an array schema whose elements match items.
func Array(items *Schema) *Schema { return &Schema{Type: TypeArray, Items: items} }

// WithEnum restricts a string schema to the given values.
func (s *Schema) WithEnum(values ...string) *Schema {
	c := *s
	c.Enum = values
	return &c
}

// WithMin sets an inclusive numeric minimum.
func (s *Schema) WithMin(min float64) *Schema {
	c := *s
	c.Minimum = &min
	return &c
}

// WithMax sets an inclusive numeric maximum.
func (s *Schema) WithMax(max float64) *Schema {
	c := *s
	c.Maximum = &max
	return &c
}

// WithMinLength sets a minimum string length in runes.
func (s *Schema) WithMinLength(n int) *Schema {
	c := *s
	c.MinLength = &n
	return &c
}

// Validate checks an arbitrary Go value against the schema. The value is
// normalised through encoding/json first, so struct tags decide field names.
// Raw JSON ([]byte or json.RawMessage) is decoded as-is.
func (s *Schema) Validate(v any) ([]string, error) {
	doc, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var errs []string
	s.check("input", doc, &errs)
	return errs, nil
}

func normalize(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return doc, nil
}

func (s *Schema) check(path string, v any, errs *[]string) {
	actual := jsonType(v)
	if !compatible(s.Type, actual, v) {
		*errs = append(*errs, fmt.Sprintf("%s: expected %s, got %s", path, s.Type, actual))
		return
	}

	switch s.Type {
	case TypeObject:
		s.checkObject(path, v.(map[string]any), errs)
	case TypeArray:
		if s.Items != nil {
			for i, item := range v.([]any) {
				s.Items.check(fmt.Sprintf("%s[%d]", path, i), item, errs)
			}
		}
	case TypeString:
		str := v.(string)
		if s.MinLength != nil && utf8.RuneCountInString(str) < *s.MinLength {
			*errs = append(*errs, fmt.Sprintf("%s: length must be at least %d", path, *s.MinLength))
		}
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, str) {
			*errs = append(*errs, fmt.Sprintf("%s: value %q is not one of [%s]", path, str, strings.Join(s.Enum, ", ")))
		}
	case TypeInteger, TypeNumber:
		n := v.(float64)
		if s.Minimum != nil && n < *s.Minimum {
			*errs = append(*errs, fmt.Sprintf("%s: must be >= %v", path, *s.Minimum))
		}
		if s.Maximum != nil && n > *s.Maximum {
			*errs = append(*errs, fmt.Sprintf("%s: must be <= %v", path, *s.Maximum))
		}
	}
}

func (s *Schema) checkObject(path string, obj map[string]any, errs *[]string) {
	for _, key := range s.Required {
		if val, ok := obj[key]; !ok || val == nil {
			*errs = append(*errs, fmt.Sprintf("%s: required field is missing", join(path, key)))
		}
	}
	if s.Open {
		return
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val := obj[key]
		prop, ok := s.Properties[key]
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: unknown field", join(path, key)))
			continue
		}
		// null is treated as absent; required-ness is checked above.
		if val == nil {
			continue
		}
		prop.check(join(path, key), val, errs)
	}
}

func join(path, key string) string {
	if path == "input" {
		return key
	}
	return path + "." + key
}

func jsonType(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if t == math.Trunc(t) {
			return "integer"
		}
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func compatible(want Type, actual string, v any) bool {
	switch want {
	case TypeNumber:
		return actual == "number" || actual == "integer"
	case TypeInteger:
		if f, ok := v.(float64); ok {
			return !math.IsInf(f, 0) && f == math.Trunc(f)
		}
		return false
	default:
		return string(want) == actual
	}
}
