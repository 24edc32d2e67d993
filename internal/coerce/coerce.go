// Package coerce converts raw cell values into typed values with a parallel validity mask.
package coerce

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of coercion targets a validation rule may declare.
type Kind int

// Supported kinds. Unknown passes values through untouched.
const (
	Unknown Kind = iota
	String
	Integer
	Float
	Boolean
	Date
)

// Canonical layouts for dates and observation timestamps.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// dateLayouts is tried in order; the first match wins.
var dateLayouts = []string{DateLayout, TimestampLayout}

var (
	truthy = map[string]struct{}{"true": {}, "1": {}, "t": {}, "yes": {}, "si": {}, "sí": {}}
	falsy  = map[string]struct{}{"false": {}, "0": {}, "f": {}, "no": {}}

	errEmpty   = errors.New("empty value")
	errBoolean = errors.New("invalid boolean")
	errDate    = errors.New("invalid date format")
)

// ParseKind maps a rule type name onto a Kind. Unrecognized names map to Unknown.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string":
		return String
	case "integer":
		return Integer
	case "float":
		return Float
	case "boolean":
		return Boolean
	case "date":
		return Date
	default:
		return Unknown
	}
}

// String returns the rule type name for k.
func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	default:
		return "unknown"
	}
}

// Coerce converts every value to kind. The returned slices have the same length
// and order as values; an invalid entry is nil in the first slice and false in
// the mask. A nil input is invalid for every kind.
func Coerce(values []any, kind Kind) ([]any, []bool) {
	converted := make([]any, len(values))
	valid := make([]bool, len(values))
	for i, v := range values {
		out, err := Value(v, kind)
		if err != nil {
			continue
		}
		converted[i] = out
		valid[i] = true
	}
	return converted, valid
}

// Value coerces a single value.
func Value(v any, kind Kind) (any, error) {
	if v == nil {
		return nil, errEmpty
	}
	switch kind {
	case String:
		text := strings.TrimSpace(toText(v))
		if text == "" {
			return nil, errEmpty
		}
		return text, nil
	case Integer:
		text := strings.TrimSpace(toText(v))
		if text == "" {
			return nil, errEmpty
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer: %w", err)
		}
		return n, nil
	case Float:
		text := strings.TrimSpace(toText(v))
		if text == "" {
			return nil, errEmpty
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float: %w", err)
		}
		return f, nil
	case Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		text := strings.ToLower(strings.TrimSpace(toText(v)))
		if _, ok := truthy[text]; ok {
			return true, nil
		}
		if _, ok := falsy[text]; ok {
			return false, nil
		}
		return nil, errBoolean
	case Date:
		if t, ok := v.(time.Time); ok {
			return t.Format(DateLayout), nil
		}
		text := strings.TrimSpace(toText(v))
		if text == "" {
			return nil, errEmpty
		}
		t, ok := ParseDate(text)
		if !ok {
			return nil, errDate
		}
		return t.Format(DateLayout), nil
	default:
		return v, nil
	}
}

// ParseDate tries the supported layouts in order and returns the first match.
func ParseDate(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Text renders a coerced value the way regex and length checks see it. Nil renders
// as the empty string.
func Text(v any) string {
	if v == nil {
		return ""
	}
	return toText(v)
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.Format(TimestampLayout)
	default:
		return fmt.Sprint(v)
	}
}
