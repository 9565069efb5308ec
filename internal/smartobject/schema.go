package smartobject

import (
	"errors"
	"fmt"
)

// ErrInvalidData is wrapped by every validation failure.
var ErrInvalidData = errors.New("carlink: invalid data")

// Schema validates a variant tree node. Validation is a visitor over the
// tree, not a type hierarchy on the objects themselves.
type Schema interface {
	Validate(o *Object) error
}

// AnySchema accepts every node.
type AnySchema struct{}

func (AnySchema) Validate(*Object) error { return nil }

// BoolSchema accepts booleans.
type BoolSchema struct{}

func (BoolSchema) Validate(o *Object) error {
	if o.Type() != TypeBool {
		return fmt.Errorf("%w: expected bool, got %s", ErrInvalidData, o.Type())
	}
	return nil
}

// IntSchema accepts integers within optional bounds.
type IntSchema struct {
	Min, Max *int64
}

func (s IntSchema) Validate(o *Object) error {
	v, ok := o.AsInt()
	if !ok {
		return fmt.Errorf("%w: expected int, got %s", ErrInvalidData, o.Type())
	}
	if s.Min != nil && v < *s.Min {
		return fmt.Errorf("%w: %d below minimum %d", ErrInvalidData, v, *s.Min)
	}
	if s.Max != nil && v > *s.Max {
		return fmt.Errorf("%w: %d above maximum %d", ErrInvalidData, v, *s.Max)
	}
	return nil
}

// DoubleSchema accepts numbers within optional bounds.
type DoubleSchema struct {
	Min, Max *float64
}

func (s DoubleSchema) Validate(o *Object) error {
	v, ok := o.AsDouble()
	if !ok {
		return fmt.Errorf("%w: expected double, got %s", ErrInvalidData, o.Type())
	}
	if s.Min != nil && v < *s.Min {
		return fmt.Errorf("%w: %g below minimum %g", ErrInvalidData, v, *s.Min)
	}
	if s.Max != nil && v > *s.Max {
		return fmt.Errorf("%w: %g above maximum %g", ErrInvalidData, v, *s.Max)
	}
	return nil
}

// StringSchema accepts strings within optional length bounds.
type StringSchema struct {
	MinLength, MaxLength int // MaxLength 0 = unbounded
}

func (s StringSchema) Validate(o *Object) error {
	v, ok := o.AsString()
	if !ok {
		return fmt.Errorf("%w: expected string, got %s", ErrInvalidData, o.Type())
	}
	if len(v) < s.MinLength {
		return fmt.Errorf("%w: string shorter than %d", ErrInvalidData, s.MinLength)
	}
	if s.MaxLength > 0 && len(v) > s.MaxLength {
		return fmt.Errorf("%w: string longer than %d", ErrInvalidData, s.MaxLength)
	}
	return nil
}

// EnumSchema accepts one of a fixed set of strings.
type EnumSchema struct {
	Values []string
}

func (s EnumSchema) Validate(o *Object) error {
	v, ok := o.AsString()
	if !ok {
		return fmt.Errorf("%w: expected enum string, got %s", ErrInvalidData, o.Type())
	}
	for _, allowed := range s.Values {
		if v == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in enum", ErrInvalidData, v)
}

// ArraySchema validates every element against a single element schema.
type ArraySchema struct {
	Element  Schema
	MinSize  int
	MaxSize  int // 0 = unbounded
}

func (s ArraySchema) Validate(o *Object) error {
	if o.Type() != TypeArray {
		return fmt.Errorf("%w: expected array, got %s", ErrInvalidData, o.Type())
	}
	n := o.Len()
	if n < s.MinSize {
		return fmt.Errorf("%w: array shorter than %d", ErrInvalidData, s.MinSize)
	}
	if s.MaxSize > 0 && n > s.MaxSize {
		return fmt.Errorf("%w: array longer than %d", ErrInvalidData, s.MaxSize)
	}
	if s.Element == nil {
		return nil
	}
	for i := 0; i < n; i++ {
		item, _ := o.At(i)
		if err := s.Element.Validate(item); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

// Member is one named field of a MapSchema.
type Member struct {
	Schema    Schema
	Mandatory bool
}

// MapSchema validates named members. Unknown members are rejected unless
// AllowUnknown is set. The router does not strip parameters that policy
// reports as undefined; the function schemas set AllowUnknown instead.
type MapSchema struct {
	Members      map[string]Member
	AllowUnknown bool
}

func (s MapSchema) Validate(o *Object) error {
	if o.Type() != TypeMap {
		return fmt.Errorf("%w: expected map, got %s", ErrInvalidData, o.Type())
	}
	for name, member := range s.Members {
		v, present := o.Get(name)
		if !present {
			if member.Mandatory {
				return fmt.Errorf("%w: missing mandatory member %q", ErrInvalidData, name)
			}
			continue
		}
		if member.Schema == nil {
			continue
		}
		if err := member.Schema.Validate(v); err != nil {
			return fmt.Errorf("member %q: %w", name, err)
		}
	}
	if !s.AllowUnknown {
		for _, key := range o.Keys() {
			if _, known := s.Members[key]; !known {
				return fmt.Errorf("%w: unknown member %q", ErrInvalidData, key)
			}
		}
	}
	return nil
}
