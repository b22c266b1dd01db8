package plan

import (
	"fmt"
	"strconv"
	"strings"
)

func StringParam(params map[string]any, key string) (string, error) {
	value, ok := params[key]
	if !ok {
		return "", fmt.Errorf("params missing required key: '%s'", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("param '%s' has an invalid type (expected string)", key)
	}
	return s, nil
}

// IntParam accepts JSON numbers, Go ints and numeric strings.
func IntParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("params missing required key: '%s'", key)
	}
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("param '%s' invalid int: %v", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("param '%s' has unsupported type %T", key, v)
	}
}

// StringsParam accepts a list of strings or a single comma separated string.
func StringsParam(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("params missing required key: '%s'", key)
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("param '%s[%d]' has type %T (expected string)", key, i, item)
			}
			out = append(out, s)
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	default:
		return nil, fmt.Errorf("param '%s' has unsupported type %T", key, v)
	}
	return out, nil
}
