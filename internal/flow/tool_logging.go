package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	functionParamsLogLimit  = 1024
	externalDataPromptLimit = 600
)

func formatFunctionParamsForLog(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	return truncate(strings.TrimSpace(string(raw)), functionParamsLogLimit)
}

// summarizeExternalData renders each action result as one bounded JSON line.
func summarizeExternalData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		raw, err := json.Marshal(data[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, truncate(string(raw), externalDataPromptLimit))
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "...(truncated)"
}
