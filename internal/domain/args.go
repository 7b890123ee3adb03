package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Args is a positional payload decoded from a frame. Values follow
// encoding/json's generic decoding: numbers are float64, objects are
// map[string]any.
type Args []any

// ArgsFrom converts a raw frame payload into positional arguments. Arrays
// expand element by element; a keyed object or scalar becomes a single
// argument; an absent payload yields no arguments.
func ArgsFrom(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidFrame, err)
	}
	if list, ok := v.([]any); ok {
		return Args(list), nil
	}
	return Args{v}, nil
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// At returns argument i, or nil when out of range.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// String returns argument i as a string. Numbers and booleans are formatted;
// missing arguments give "".
func (a Args) String(i int) string {
	switch v := a.At(i).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Float returns argument i as a float64. Numeric strings are parsed.
func (a Args) Float(i int) (float64, bool) {
	switch v := a.At(i).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case ErrorCode:
		return float64(v), true
	case SessionState:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns argument i rounded to the nearest int.
func (a Args) Int(i int) (int, bool) {
	f, ok := a.Float(i)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Bool returns argument i as a bool. Numbers are true when non-zero.
func (a Args) Bool(i int) bool {
	switch v := a.At(i).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Map returns argument i as a keyed object, or nil.
func (a Args) Map(i int) map[string]any {
	m, _ := a.At(i).(map[string]any)
	return m
}

// Message returns the (message, code) pair carried by a failure payload.
// A keyed payload is read through its "message" and "code" fields.
func (a Args) Message() (string, ErrorCode) {
	if m := a.Map(0); m != nil && len(a) == 1 {
		msg, _ := m["message"].(string)
		code, _ := Args{m["code"]}.Int(0)
		return msg, ErrorCode(code)
	}
	code, _ := a.Int(1)
	return a.String(0), ErrorCode(code)
}
