package connector

import (
	"fmt"
	"strconv"
	"strings"
)

// firstString probes an ordered list of candidate portal field names and
// returns the first non-empty value along with the field name that supplied
// it. Portal schemas vary per jurisdiction; the alternates lists live with
// each connector.
func firstString(row map[string]interface{}, keys ...string) (value, key string) {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(stringify(v))
		if s != "" {
			return s, k
		}
	}
	return "", ""
}

// stringify renders scalar portal values without the %v float noise that
// fmt would add for large integers.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// coerceFloat converts a portal value to a float, tolerating string-encoded
// numbers with currency symbols and separators. Malformed numbers become nil.
func coerceFloat(v interface{}) *float64 {
	switch t := v.(type) {
	case float64:
		f := t
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		s := strings.TrimSpace(strings.NewReplacer("$", "", ",", "").Replace(t))
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// firstFloat probes candidate field names and coerces the first parseable
// numeric value.
func firstFloat(row map[string]interface{}, keys ...string) (*float64, string) {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		if f := coerceFloat(v); f != nil {
			return f, k
		}
	}
	return nil, ""
}
