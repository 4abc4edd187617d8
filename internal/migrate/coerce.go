package migrate

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Raw records are decoded with json.Decoder.UseNumber, so numbers arrive as
// json.Number. Every numeric value this package writes is a json.Number too,
// which keeps a second pass from seeing anything it did not produce itself.

func toInt(v any) (json.Number, bool) {
	switch n := v.(type) {
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return n, true
		}
		if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return intNumber(int64(math.Floor(f))), true
		}
	case int:
		return intNumber(int64(n)), true
	case int64:
		return intNumber(n), true
	case float64:
		if !math.IsInf(n, 0) && !math.IsNaN(n) {
			return intNumber(int64(math.Floor(n))), true
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return intNumber(i), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return intNumber(int64(math.Floor(f))), true
		}
	}
	return "", false
}

func toFloat(v any) (json.Number, bool) {
	switch n := v.(type) {
	case json.Number:
		if _, err := n.Float64(); err == nil {
			return n, true
		}
	case int:
		return intNumber(int64(n)), true
	case int64:
		return intNumber(n), true
	case float64:
		if !math.IsInf(n, 0) && !math.IsNaN(n) {
			return json.Number(strconv.FormatFloat(n, 'f', -1, 64)), true
		}
	case string:
		s := strings.TrimSpace(n)
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return json.Number(s), true
		}
	}
	return "", false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

// toTimestamp accepts an RFC 3339 string or epoch milliseconds
func toTimestamp(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC().Format(time.RFC3339Nano), true
		}
	case json.Number, int, int64, float64:
		if ms, ok := toInt(t); ok {
			i, _ := ms.Int64()
			return time.UnixMilli(i).UTC().Format(time.RFC3339Nano), true
		}
	}
	return "", false
}

func intNumber(i int64) json.Number {
	return json.Number(strconv.FormatInt(i, 10))
}

func stringList(v any) []any {
	items, ok := v.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		s, ok := toString(item)
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// rename moves from to to unless to is already set
func rename(m map[string]any, from, to string) {
	v, ok := m[from]
	if !ok {
		return
	}
	delete(m, from)
	if _, exists := m[to]; !exists {
		m[to] = v
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
