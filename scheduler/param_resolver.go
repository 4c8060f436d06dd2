package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`{(\$[^}]*)}`)

// ResolveProperties substitutes {$.path} tokens in a dependent manifest's
// properties with values from the parent run's output, at enqueue time.
// Properties without tokens pass through unchanged.
func ResolveProperties(properties []byte, parentOutput []byte) ([]byte, error) {
	if len(properties) == 0 || len(parentOutput) == 0 {
		return properties, nil
	}
	var props any
	if err := json.Unmarshal(properties, &props); err != nil {
		return nil, fmt.Errorf("decoding manifest properties: %w", err)
	}
	var output any
	if err := json.Unmarshal(parentOutput, &output); err != nil {
		return nil, fmt.Errorf("decoding parent output: %w", err)
	}
	resolved := resolveValue(output, props)
	return json.Marshal(resolved)
}

func resolveValue(output any, v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = resolveValue(output, item)
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, resolveValue(output, item))
		}
		return out
	case string:
		return resolveString(output, typed)
	default:
		return v
	}
}

func resolveString(output any, s string) any {
	tokens := tokenPattern.FindAllStringSubmatch(s, -1)
	if len(tokens) == 0 {
		return s
	}
	// A string that is exactly one token keeps the looked-up value's type.
	if len(tokens) == 1 && tokens[0][0] == s {
		value, err := jsonpath.JsonPathLookup(output, tokens[0][1])
		if err != nil {
			return s
		}
		return value
	}
	resolved := s
	for _, token := range tokens {
		value, err := jsonpath.JsonPathLookup(output, token[1])
		if err != nil {
			continue
		}
		resolved = strings.ReplaceAll(resolved, token[0], fmt.Sprintf("%v", value))
	}
	return resolved
}
