package actions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Substitute returns a copy of params with every "{{key}}" reference replaced by the
// stored response. A value that is exactly one reference takes the raw stored value,
// or nil when unresolved. References embedded in a longer string are interpolated as
// text, empty when unresolved. Nested maps and lists are substituted recursively.
func Substitute(params map[string]any, responses map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, responses)
	}
	return out
}

func substituteValue(v any, responses map[string]any) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, responses)
	case map[string]any:
		return Substitute(t, responses)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, responses)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, responses map[string]any) any {
	if m := templatePattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		val, ok := Lookup(responses, s[m[2]:m[3]])
		if !ok {
			return nil
		}
		return models.CloneValue(val)
	}
	if !strings.Contains(s, "{{") {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		key := templatePattern.FindStringSubmatch(match)[1]
		val, ok := Lookup(responses, key)
		if !ok || val == nil {
			return ""
		}
		return textOf(val)
	})
}

// Lookup resolves key against data. An exact key wins; otherwise a dotted path
// descends into nested objects.
func Lookup(data map[string]any, key string) (any, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = textOf(item)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	default:
		return fmt.Sprint(v)
	}
}

// StringParam reads a string parameter, trimming whitespace.
func StringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}
