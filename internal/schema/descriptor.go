// Package schema declares request and response shapes as plain descriptor
// values and validates decoded payloads against them.
package schema

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/kemingy/ventu/internal/codec"
)

type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
	TypeAny     Type = "any"
)

var ErrInvalidDescriptor = errors.New("invalid schema descriptor")

// Descriptor is the shape of a request or response object plus optional
// example requests. It must not be modified after Compile.
type Descriptor struct {
	Name     string           `yaml:"name"`
	Fields   []Field          `yaml:"fields"`
	Strict   bool             `yaml:"strict"`
	Examples []map[string]any `yaml:"examples"`

	compiled bool
}

// Field describes one object member. Items applies to arrays, Fields to
// nested objects; an object with no Fields accepts any members.
type Field struct {
	Name      string   `yaml:"name"`
	Type      Type     `yaml:"type"`
	Optional  bool     `yaml:"optional"`
	Default   any      `yaml:"default"`
	Items     *Field   `yaml:"items"`
	Fields    []Field  `yaml:"fields"`
	MinLength *int     `yaml:"min_length"`
	MaxLength *int     `yaml:"max_length"`
	Minimum   *float64 `yaml:"minimum"`
	Maximum   *float64 `yaml:"maximum"`
	MinItems  *int     `yaml:"min_items"`
	MaxItems  *int     `yaml:"max_items"`
	Enum      []any    `yaml:"enum"`
	Pattern   string   `yaml:"pattern"`

	pattern *regexp.Regexp
}

// Parse reads a YAML descriptor and compiles it.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if err := d.Compile(); err != nil {
		return nil, err
	}
	return &d, nil
}

func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %q: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", path, err)
	}
	return d, nil
}

// Compile checks the descriptor and prepares its patterns. Examples are not
// validated here; the readiness prober runs them through the full pipeline.
func (d *Descriptor) Compile() error {
	if d.compiled {
		return nil
	}
	if err := compileFields(d.Fields, ""); err != nil {
		return err
	}
	for idx, example := range d.Examples {
		if example == nil {
			return fmt.Errorf("%w: example %d is empty", ErrInvalidDescriptor, idx)
		}
	}
	d.compiled = true
	return nil
}

// ExampleValues returns the examples in normalized form.
func (d *Descriptor) ExampleValues() []any {
	if d == nil {
		return nil
	}
	out := make([]any, 0, len(d.Examples))
	for _, example := range d.Examples {
		out = append(out, codec.Normalize(example))
	}
	return out
}

func compileFields(fields []Field, prefix string) error {
	seen := make(map[string]struct{}, len(fields))
	for idx := range fields {
		field := &fields[idx]
		if field.Name == "" {
			return fmt.Errorf("%w: field %d under %q has no name", ErrInvalidDescriptor, idx, displayPath(prefix))
		}
		if _, dup := seen[field.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidDescriptor, joinPath(prefix, field.Name))
		}
		seen[field.Name] = struct{}{}
		if err := compileField(field, joinPath(prefix, field.Name)); err != nil {
			return err
		}
	}
	return nil
}

func compileField(field *Field, path string) error {
	if field.Type == "" {
		field.Type = TypeAny
	}
	switch field.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeAny:
	case TypeArray:
		if field.Items != nil {
			if err := compileField(field.Items, path+"[]"); err != nil {
				return err
			}
		}
	case TypeObject:
		if err := compileFields(field.Fields, path); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidDescriptor, path, field.Type)
	}
	if field.MinLength != nil && field.MaxLength != nil && *field.MinLength > *field.MaxLength {
		return fmt.Errorf("%w: field %q min_length > max_length", ErrInvalidDescriptor, path)
	}
	if field.Minimum != nil && field.Maximum != nil && *field.Minimum > *field.Maximum {
		return fmt.Errorf("%w: field %q minimum > maximum", ErrInvalidDescriptor, path)
	}
	if field.MinItems != nil && field.MaxItems != nil && *field.MinItems > *field.MaxItems {
		return fmt.Errorf("%w: field %q min_items > max_items", ErrInvalidDescriptor, path)
	}
	if field.Pattern != "" {
		re, err := regexp.Compile(field.Pattern)
		if err != nil {
			return fmt.Errorf("%w: field %q pattern: %w", ErrInvalidDescriptor, path, err)
		}
		field.pattern = re
	}
	for idx, value := range field.Enum {
		field.Enum[idx] = codec.Normalize(value)
	}
	if field.Default != nil {
		field.Default = codec.Normalize(field.Default)
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
