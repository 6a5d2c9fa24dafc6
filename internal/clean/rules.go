package clean

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalization helpers shared by source rule sets.

// TrimSpace trims surrounding whitespace from string values.
func TrimSpace(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	return strings.TrimSpace(s), nil
}

// ToFloat coerces numeric strings and integer types into float64.
func ToFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("not a number: %T", value)
	}
}

// ToISODate parses a date in any of the given layouts and reformats it as
// 2006-01-02, the canonical checkpoint-sortable form.
func ToISODate(layouts ...string) NormalizeFunc {
	if len(layouts) == 0 {
		layouts = []string{"2006-01-02", "20060102", "2006/01/02"}
	}
	return func(value any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("not a date string: %T", value)
		}
		s = strings.TrimSpace(s)
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
		return nil, fmt.Errorf("unparseable date: %q", s)
	}
}

// Chain runs normalizers left to right.
func Chain(fns ...NormalizeFunc) NormalizeFunc {
	return func(value any) (any, error) {
		var err error
		for _, fn := range fns {
			value, err = fn(value)
			if err != nil {
				return nil, err
			}
		}
		return value, nil
	}
}

// Assertion helpers.

// NonEmpty fails on empty strings.
func NonEmpty(value any) error {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

// Positive fails unless the value is a float64 greater than zero.
func Positive(value any) error {
	f, ok := value.(float64)
	if !ok {
		return fmt.Errorf("must be numeric")
	}
	if f <= 0 {
		return fmt.Errorf("must be > 0")
	}
	return nil
}

// InRange fails unless min <= value <= max.
func InRange(min, max float64) AssertFunc {
	return func(value any) error {
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("must be numeric")
		}
		if f < min || f > max {
			return fmt.Errorf("must be within [%v, %v]", min, max)
		}
		return nil
	}
}
