package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"time"
)

// Op identifies a compiled check.
type Op string

const (
	OpCheckRequired       Op = "check_required"
	OpCheckMultivalued    Op = "check_multivalued"
	OpValidateCardinality Op = "validate_cardinality"
	OpValidateType        Op = "validate_type"
	OpCheckObject         Op = "check_object"
	OpValidatePattern     Op = "validate_pattern"
	OpValidateRange       Op = "validate_range"
	OpValidateEnum        Op = "validate_enum"
)

// ValueType is the expected runtime shape of a slot value.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInteger  ValueType = "integer"
	TypeFloat    ValueType = "float"
	TypeBoolean  ValueType = "boolean"
	TypeDate     ValueType = "date"
	TypeDateTime ValueType = "datetime"
	TypeURI      ValueType = "uri"
	TypeObject   ValueType = "object"
	TypeAny      ValueType = "any"
)

// typeForRange maps a primitive range name to a ValueType.
func typeForRange(rangeName string) ValueType {
	switch rangeName {
	case "string", "uriorcurie", "":
		return TypeString
	case "integer":
		return TypeInteger
	case "float", "double", "decimal":
		return TypeFloat
	case "boolean":
		return TypeBoolean
	case "date":
		return TypeDate
	case "datetime":
		return TypeDateTime
	case "uri":
		return TypeURI
	default:
		return TypeAny
	}
}

// Instruction is one step of a compiled validation plan. Only the fields
// relevant to Op are set.
type Instruction struct {
	Op          Op        `json:"op"`
	Slot        string    `json:"slot"`
	Type        ValueType `json:"type,omitempty"`
	Multivalued bool      `json:"multivalued,omitempty"`
	Pattern     int       `json:"pattern,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	MinCard     *int      `json:"min_card,omitempty"`
	MaxCard     *int      `json:"max_card,omitempty"`
	Enum        int       `json:"enum,omitempty"`
	Class       string    `json:"class,omitempty"`
}

// elementwise reports whether the instruction applies to each list element
// rather than to the slot value as a whole.
func (in Instruction) elementwise() bool {
	switch in.Op {
	case OpValidateType, OpCheckObject, OpValidatePattern, OpValidateRange, OpValidateEnum:
		return true
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case time.Time:
		return "datetime"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// toFloat converts the numeric types produced by JSON and YAML decoders.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// matchesType reports whether v has the runtime shape of t.
func matchesType(t ValueType, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeFloat:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && !math.IsInf(f, 0) && f == math.Trunc(f)
	case TypeDate:
		switch s := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.DateOnly, s)
			return err == nil
		}
		return false
	case TypeDateTime:
		switch s := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, s)
			return err == nil
		}
		return false
	case TypeURI:
		s, ok := v.(string)
		if !ok {
			return false
		}
		u, err := url.Parse(s)
		return err == nil && u.Scheme != ""
	case TypeObject:
		switch v.(type) {
		case map[string]any, string:
			return true
		}
		return false
	}
	return false
}
