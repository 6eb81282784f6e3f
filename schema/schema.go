// Package schema extracts typed fields from generic configuration
// documents.
//
// Documents are decoded into a plain tree of map[string]any, []any,
// json.Number, string, bool and nil. Numbers keep their literal text so
// callers can distinguish 3 from 3.5 and reject values that do not fit
// the destination type.
//
// Getters come in two flavours:
//
//   - Mandatory getters fail when the key is absent or holds the wrong
//     kind of value.
//   - Optional getters return the supplied default when the key is
//     absent, and the default together with a *FieldError when the key
//     is present with the wrong kind of value.
//
// Every failure is a *FieldError that unwraps to one of ErrMissing,
// ErrWrongType, ErrEmpty or ErrOutOfRange.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrMissing is returned when a mandatory key is absent.
	ErrMissing = errors.New("missing")
	// ErrWrongType is returned when a key holds the wrong kind of value.
	ErrWrongType = errors.New("wrong type")
	// ErrEmpty is returned when a mandatory list is present but empty.
	ErrEmpty = errors.New("empty")
	// ErrOutOfRange is returned when a number does not fit the requested type.
	ErrOutOfRange = errors.New("out of range")
)

// NodeKind classifies a value in a decoded document.
type NodeKind int

const (
	KindNull NodeKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindUnknown
)

func (k NodeKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "list"
	case KindObject:
		return "map"
	default:
		return "unknown"
	}
}

// Kind reports the kind of a decoded value. Native Go numeric types are
// classified as numbers so hand-built trees behave like decoded ones.
func Kind(v any) NodeKind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case json.Number, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindUnknown
	}
}

// FieldError describes why a field could not be extracted.
type FieldError struct {
	// Key is the field name within its enclosing object.
	Key string
	// Want names the expected type, e.g. "string" or "list of string".
	Want string
	// Got is the kind actually found. Meaningless for ErrMissing.
	Got NodeKind
	// Err is one of the package sentinels.
	Err error
}

func (e *FieldError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissing):
		return fmt.Sprintf("mandatory %s param %s is missing", e.Want, e.Key)
	case errors.Is(e.Err, ErrEmpty):
		return fmt.Sprintf("mandatory %s param %s is empty", e.Want, e.Key)
	case errors.Is(e.Err, ErrOutOfRange):
		return fmt.Sprintf("param %s is out of range for %s", e.Key, e.Want)
	default:
		return fmt.Sprintf("param %s is not of type %s (got %s)", e.Key, e.Want, e.Got)
	}
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func missing(key, want string) error {
	return &FieldError{Key: key, Want: want, Err: ErrMissing}
}

func wrongType(key, want string, v any) error {
	return &FieldError{Key: key, Want: want, Got: Kind(v), Err: ErrWrongType}
}

// AsObject returns v as an object node.
func AsObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsList returns v as a list node.
func AsList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

// Has reports whether key is present in obj, whatever its value.
func Has(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}

// ValidList checks that key is present in obj and holds a list.
func ValidList(obj map[string]any, key string) ([]any, error) {
	v, ok := obj[key]
	if !ok {
		return nil, missing(key, "list")
	}
	l, ok := v.([]any)
	if !ok {
		return nil, wrongType(key, "list", v)
	}
	return l, nil
}

// ValidMap checks that key is present in obj and holds a map.
func ValidMap(obj map[string]any, key string) (map[string]any, error) {
	v, ok := obj[key]
	if !ok {
		return nil, missing(key, "map")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, wrongType(key, "map", v)
	}
	return m, nil
}

// MandatoryString returns the string stored under key.
func MandatoryString(obj map[string]any, key string) (string, error) {
	v, ok := obj[key]
	if !ok {
		return "", missing(key, "string")
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(key, "string", v)
	}
	return s, nil
}

// OptionalString returns the string stored under key, or def.
func OptionalString(obj map[string]any, key, def string) (string, error) {
	v, ok := obj[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, wrongType(key, "string", v)
	}
	return s, nil
}

// OptionalBool returns the bool stored under key, or def.
func OptionalBool(obj map[string]any, key string, def bool) (bool, error) {
	v, ok := obj[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, wrongType(key, "bool", v)
	}
	return b, nil
}

// OptionalInt32 returns the integer stored under key, or def. Numbers
// with a fractional part, and numbers outside the int32 range, are
// rejected.
func OptionalInt32(obj map[string]any, key string, def int32) (int32, error) {
	v, ok := obj[key]
	if !ok {
		return def, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return def, fieldErr(key, "int32", v, err)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return def, &FieldError{Key: key, Want: "int32", Got: KindNumber, Err: ErrOutOfRange}
	}
	return int32(n), nil
}

// OptionalFloat64 returns the number stored under key, or def.
func OptionalFloat64(obj map[string]any, key string, def float64) (float64, error) {
	v, ok := obj[key]
	if !ok {
		return def, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return def, fieldErr(key, "double", v, err)
	}
	return f, nil
}

// MandatoryStringList returns the non-empty list of strings stored under key.
func MandatoryStringList(obj map[string]any, key string) ([]string, error) {
	v, ok := obj[key]
	if !ok {
		return nil, missing(key, "list of string")
	}
	l, err := stringList(key, v)
	if err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, &FieldError{Key: key, Want: "list of string", Got: KindArray, Err: ErrEmpty}
	}
	return l, nil
}

// OptionalStringList returns the list of strings stored under key. An
// absent key yields an empty list.
func OptionalStringList(obj map[string]any, key string) ([]string, error) {
	v, ok := obj[key]
	if !ok {
		return []string{}, nil
	}
	l, err := stringList(key, v)
	if err != nil {
		return []string{}, err
	}
	return l, nil
}

// OptionalUint16List returns the list of port numbers stored under key.
// An absent key yields an empty list. A single element that is not an
// integer in [0, 65535] invalidates the whole list.
func OptionalUint16List(obj map[string]any, key string) ([]uint16, error) {
	v, ok := obj[key]
	if !ok {
		return []uint16{}, nil
	}
	l, ok := v.([]any)
	if !ok {
		return []uint16{}, wrongType(key, "list of uint16", v)
	}
	out := make([]uint16, 0, len(l))
	for _, e := range l {
		n, err := toInt64(e)
		if err != nil {
			return []uint16{}, fieldErr(key, "list of uint16", e, err)
		}
		if n < 0 || n > math.MaxUint16 {
			return []uint16{}, &FieldError{Key: key, Want: "list of uint16", Got: KindNumber, Err: ErrOutOfRange}
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

func stringList(key string, v any) ([]string, error) {
	l, ok := v.([]any)
	if !ok {
		return nil, wrongType(key, "list of string", v)
	}
	out := make([]string, 0, len(l))
	for _, e := range l {
		s, ok := e.(string)
		if !ok {
			return nil, wrongType(key, "list of string", e)
		}
		out = append(out, s)
	}
	return out, nil
}

func fieldErr(key, want string, v any, err error) error {
	if errors.Is(err, ErrOutOfRange) {
		return &FieldError{Key: key, Want: want, Got: Kind(v), Err: ErrOutOfRange}
	}
	return wrongType(key, want, v)
}

// toInt64 converts an integral number node. Integral floats such as 2.0
// are accepted.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, ErrWrongType
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	default:
		return 0, ErrWrongType
	}
}

func floatToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, ErrWrongType
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, ErrOutOfRange
	}
	return int64(f), nil
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, ErrOutOfRange
	}
	return int64(u), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, ErrWrongType
		}
		return f, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	if Kind(v) != KindNumber {
		return 0, ErrWrongType
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}
