package metadata

import "fmt"

// ValueKind names the type carried by a Value or declared by a type schema.
type ValueKind string

const (
	ValueKindInt    ValueKind = "int"
	ValueKindDouble ValueKind = "double"
	ValueKindString ValueKind = "string"
)

// Value is a typed property value. Only the field matching Kind is meaningful.
type Value struct {
	Kind   ValueKind `json:"kind"`
	Int    int64     `json:"int,omitempty"`
	Double float64   `json:"double,omitempty"`
	String string    `json:"string,omitempty"`
}

// IntValue returns an int Value.
func IntValue(v int64) Value { return Value{Kind: ValueKindInt, Int: v} }

// DoubleValue returns a double Value.
func DoubleValue(v float64) Value { return Value{Kind: ValueKindDouble, Double: v} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{Kind: ValueKindString, String: v} }

// Interface returns the carried value as a plain Go value.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueKindInt:
		return v.Int
	case ValueKindDouble:
		return v.Double
	case ValueKindString:
		return v.String
	}
	return nil
}

func (v Value) GoString() string {
	return fmt.Sprintf("%s(%v)", v.Kind, v.Interface())
}

// Properties maps property names to typed values.
type Properties map[string]Value

// Clone returns a copy of p; nil stays nil.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
