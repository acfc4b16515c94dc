package schema

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/kemingy/ventu/internal/codec"
)

// FieldError identifies one offending field. Path uses dots for nested
// objects and [i] for array elements.
type FieldError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError is returned when a value does not satisfy a descriptor.
type ValidationError struct {
	Schema string       `json:"schema,omitempty"`
	Issues []FieldError `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", displayPath(issue.Path), issue.Message))
	}
	if e.Schema == "" {
		return "validation failed: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("%s validation failed: %s", e.Schema, strings.Join(parts, "; "))
}

// Validate checks a normalized value against d and returns the typed value:
// unknown members are dropped unless the descriptor is strict, defaults are
// filled in, integers are widened for number fields.
func Validate(raw any, d *Descriptor) (map[string]any, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", ErrInvalidDescriptor)
	}
	if !d.compiled {
		return nil, fmt.Errorf("%w: descriptor %q is not compiled", ErrInvalidDescriptor, d.Name)
	}
	v := &validator{}
	out, ok := v.object(raw, d.Fields, d.Strict, "")
	if len(v.issues) > 0 || !ok {
		return nil, &ValidationError{Schema: d.Name, Issues: v.issues}
	}
	return out, nil
}

type validator struct {
	issues []FieldError
}

func (v *validator) fail(path, code, format string, args ...any) {
	v.issues = append(v.issues, FieldError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) object(raw any, fields []Field, strict bool, path string) (map[string]any, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		v.fail(path, "type", "expected object, got %s", describe(raw))
		return nil, false
	}
	if len(fields) == 0 && !strict {
		return obj, true
	}
	out := make(map[string]any, len(fields))
	known := make(map[string]struct{}, len(fields))
	for idx := range fields {
		field := &fields[idx]
		known[field.Name] = struct{}{}
		fieldPath := joinPath(path, field.Name)
		value, present := obj[field.Name]
		if !present || value == nil {
			switch {
			case field.Default != nil:
				// Normalize rebuilds containers; the descriptor is shared.
				out[field.Name] = codec.Normalize(field.Default)
			case field.Optional:
				if present {
					out[field.Name] = nil
				}
			case present:
				v.fail(fieldPath, "null", "value must not be null")
			default:
				v.fail(fieldPath, "missing", "field required")
			}
			continue
		}
		if typed, ok := v.value(value, field, fieldPath); ok {
			out[field.Name] = typed
		}
	}
	if strict {
		for name := range obj {
			if _, ok := known[name]; !ok {
				v.fail(joinPath(path, name), "extra", "extra field not permitted")
			}
		}
	}
	return out, true
}

func (v *validator) value(raw any, field *Field, path string) (any, bool) {
	switch field.Type {
	case TypeAny:
		return raw, true
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			v.fail(path, "type", "expected string, got %s", describe(raw))
			return nil, false
		}
		return s, v.checkString(s, field, path)
	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			v.fail(path, "type", "expected boolean, got %s", describe(raw))
			return nil, false
		}
		return b, v.checkEnum(b, field, path)
	case TypeInteger:
		n, ok := asInteger(raw)
		if !ok {
			v.fail(path, "type", "expected integer, got %s", describe(raw))
			return nil, false
		}
		return n, v.checkNumber(float64(n), field, path) && v.checkEnum(n, field, path)
	case TypeNumber:
		f, ok := asNumber(raw)
		if !ok {
			v.fail(path, "type", "expected number, got %s", describe(raw))
			return nil, false
		}
		return f, v.checkNumber(f, field, path) && v.checkEnum(f, field, path)
	case TypeArray:
		return v.array(raw, field, path)
	case TypeObject:
		out, ok := v.object(raw, field.Fields, false, path)
		return out, ok
	default:
		v.fail(path, "type", "unsupported field type %q", field.Type)
		return nil, false
	}
}

func (v *validator) array(raw any, field *Field, path string) (any, bool) {
	items, ok := raw.([]any)
	if !ok {
		v.fail(path, "type", "expected array, got %s", describe(raw))
		return nil, false
	}
	valid := true
	if field.MinItems != nil && len(items) < *field.MinItems {
		v.fail(path, "min_items", "expected at least %d items, got %d", *field.MinItems, len(items))
		valid = false
	}
	if field.MaxItems != nil && len(items) > *field.MaxItems {
		v.fail(path, "max_items", "expected at most %d items, got %d", *field.MaxItems, len(items))
		valid = false
	}
	if field.Items == nil {
		return items, valid
	}
	out := make([]any, len(items))
	for idx, item := range items {
		itemPath := fmt.Sprintf("%s[%d]", path, idx)
		if item == nil {
			if !field.Items.Optional {
				v.fail(itemPath, "null", "value must not be null")
				valid = false
			}
			continue
		}
		typed, ok := v.value(item, field.Items, itemPath)
		if !ok {
			valid = false
			continue
		}
		out[idx] = typed
	}
	return out, valid
}

func (v *validator) checkString(s string, field *Field, path string) bool {
	valid := true
	length := utf8.RuneCountInString(s)
	if field.MinLength != nil && length < *field.MinLength {
		v.fail(path, "min_length", "expected at least %d characters, got %d", *field.MinLength, length)
		valid = false
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		v.fail(path, "max_length", "expected at most %d characters, got %d", *field.MaxLength, length)
		valid = false
	}
	if field.pattern != nil && !field.pattern.MatchString(s) {
		v.fail(path, "pattern", "value does not match %q", field.Pattern)
		valid = false
	}
	return valid && v.checkEnum(s, field, path)
}

func (v *validator) checkNumber(f float64, field *Field, path string) bool {
	valid := true
	if field.Minimum != nil && f < *field.Minimum {
		v.fail(path, "minimum", "value must be >= %v", *field.Minimum)
		valid = false
	}
	if field.Maximum != nil && f > *field.Maximum {
		v.fail(path, "maximum", "value must be <= %v", *field.Maximum)
		valid = false
	}
	return valid
}

func (v *validator) checkEnum(value any, field *Field, path string) bool {
	if len(field.Enum) == 0 {
		return true
	}
	for _, allowed := range field.Enum {
		if equalValue(value, allowed) {
			return true
		}
	}
	v.fail(path, "enum", "value must be one of %v", field.Enum)
	return false
}

func asInteger(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int64:
		return n, true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if n == math.Trunc(n) && n >= math.MinInt64 && n < 1<<63 {
			return int64(n), true
		}
	}
	return 0, false
}

func asNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equalValue(a, b any) bool {
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func describe(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64:
		return "integer"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case []byte:
		return "bytes"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
