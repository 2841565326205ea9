package schema

import (
	"fmt"
	"math"
	"strings"
)

// Type checks one state value.
type Type interface {
	// Name is the type as written in ParseType, e.g. "int" or "[string]".
	Name() string
	Check(value any) error
}

type stringType struct{}

func (stringType) Name() string { return "string" }

func (stringType) Check(value any) error {
	if _, ok := value.(string); !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	return nil
}

type intType struct{}

func (intType) Name() string { return "int" }

func (intType) Check(value any) error {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case float64:
		// JSON stores hand numbers back as float64.
		if v == math.Trunc(v) {
			return nil
		}
		return fmt.Errorf("expected int, got fractional number %v", v)
	default:
		return fmt.Errorf("expected int, got %T", value)
	}
}

type numberType struct{}

func (numberType) Name() string { return "number" }

func (numberType) Check(value any) error {
	switch value.(type) {
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	default:
		return fmt.Errorf("expected number, got %T", value)
	}
}

type boolType struct{}

func (boolType) Name() string { return "bool" }

func (boolType) Check(value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("expected bool, got %T", value)
	}
	return nil
}

type objectType struct{}

func (objectType) Name() string { return "object" }

func (objectType) Check(value any) error {
	if _, ok := value.(map[string]any); !ok {
		return fmt.Errorf("expected object, got %T", value)
	}
	return nil
}

type listType struct {
	elem Type
}

func (t listType) Name() string { return "[" + t.elem.Name() + "]" }

func (t listType) Check(value any) error {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		return fmt.Errorf("expected list, got %T", value)
	}
	for i, item := range items {
		if err := t.elem.Check(item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

type customType struct {
	name  string
	check func(any) error
}

func (t customType) Name() string { return t.name }

func (t customType) Check(value any) error { return t.check(value) }

// String accepts strings.
func String() Type { return stringType{} }

// Int accepts integers, including whole float64 values.
func Int() Type { return intType{} }

// Number accepts any integer or float.
func Number() Type { return numberType{} }

// Bool accepts booleans.
func Bool() Type { return boolType{} }

// Object accepts nested maps.
func Object() Type { return objectType{} }

// List accepts lists whose items all match elem.
func List(elem Type) Type { return listType{elem: elem} }

// Custom wraps a check function under a type name.
func Custom(name string, check func(any) error) Type {
	return customType{name: name, check: check}
}

// ParseType reads a type name: string, int, number, bool, object or [elem].
func ParseType(name string) (Type, error) {
	name = strings.TrimSpace(name)
	if len(name) > 2 && strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		elem, err := ParseType(name[1 : len(name)-1])
		if err != nil {
			return nil, err
		}
		return List(elem), nil
	}
	switch name {
	case "string":
		return String(), nil
	case "int":
		return Int(), nil
	case "number", "float":
		return Number(), nil
	case "bool":
		return Bool(), nil
	case "object":
		return Object(), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", name)
	}
}
