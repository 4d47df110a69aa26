package models

import (
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
)

// ValueKind tags the variant held by a Value
type ValueKind int

const (
	KindNull ValueKind = iota
	KindZero
	KindScalar
	KindList
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindZero:
		return "zero"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// ZeroSentinel is the textual zero some collection servers emit for empty decimals
const ZeroSentinel = "0E-10"

// Value is a node of a submission document
type Value struct {
	Kind   ValueKind
	Text   string
	List   []Value
	Object *Object
}

// Object is a JSON object that remembers its key order
type Object struct {
	Keys   []string
	Fields map[string]Value
}

// NewObject returns an empty ordered object
func NewObject() *Object {
	return &Object{Fields: make(map[string]Value)}
}

// Set adds or replaces a field, keeping the first insertion position
func (o *Object) Set(key string, v Value) {
	if _, ok := o.Fields[key]; !ok {
		o.Keys = append(o.Keys, key)
	}
	o.Fields[key] = v
}

// Get returns the field value and whether it exists
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.Fields[key]
	return v, ok
}

// Scalar builds a scalar value
func Scalar(s string) Value {
	if s == ZeroSentinel {
		return Value{Kind: KindZero, Text: s}
	}
	return Value{Kind: KindScalar, Text: s}
}

// Null builds a null value
func Null() Value {
	return Value{Kind: KindNull}
}

// List builds a list value
func List(items ...Value) Value {
	return Value{Kind: KindList, List: items}
}

// ObjectValue wraps an ordered object
func ObjectValue(o *Object) Value {
	return Value{Kind: KindObject, Object: o}
}

// IsContainer reports whether the value is a list or an object
func (v Value) IsContainer() bool {
	return v.Kind == KindList || v.Kind == KindObject
}

// ParseValue decodes a JSON document keeping object key order
func ParseValue(data []byte) (Value, error) {
	raw, dataType, _, err := jsonparser.Get(data)
	if err != nil {
		return Value{}, fmt.Errorf("parse json: %w", err)
	}
	return convert(raw, dataType)
}

func convert(raw []byte, dataType jsonparser.ValueType) (Value, error) {
	switch dataType {
	case jsonparser.Null:
		return Null(), nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return Value{}, fmt.Errorf("parse string: %w", err)
		}
		return Scalar(s), nil
	case jsonparser.Number, jsonparser.Boolean:
		return Scalar(string(raw)), nil
	case jsonparser.Array:
		items := []Value{}
		var inner error
		_, err := jsonparser.ArrayEach(raw, func(value []byte, dt jsonparser.ValueType, _ int, err error) {
			if inner != nil {
				return
			}
			if err != nil {
				inner = err
				return
			}
			item, err := convert(value, dt)
			if err != nil {
				inner = err
				return
			}
			items = append(items, item)
		})
		if err != nil {
			return Value{}, fmt.Errorf("parse array: %w", err)
		}
		if inner != nil {
			return Value{}, inner
		}
		return List(items...), nil
	case jsonparser.Object:
		obj := NewObject()
		err := jsonparser.ObjectEach(raw, func(key []byte, value []byte, dt jsonparser.ValueType, _ int) error {
			k, err := jsonparser.ParseString(key)
			if err != nil {
				return err
			}
			item, err := convert(value, dt)
			if err != nil {
				return err
			}
			obj.Set(k, item)
			return nil
		})
		if err != nil {
			return Value{}, fmt.Errorf("parse object: %w", err)
		}
		return ObjectValue(obj), nil
	}
	return Value{}, fmt.Errorf("unsupported json value type %s", dataType)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
