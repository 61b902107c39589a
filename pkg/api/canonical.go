package api

import (
	"regexp"
	"strings"
)

// Agent frameworks send execute requests in a handful of near-identical
// shapes: camelCase keys, aliased field names, or the whole payload
// wrapped in a requestBody envelope. canonicalise normalizes all of them
// to the snake_case contract before decoding.

var keyAliases = map[string]string{
	"sourceCode":     "source_code",
	"code":           "source_code",
	"timeoutSeconds": "timeout",
}

var camelRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func camelToSnake(name string) string {
	return strings.ToLower(camelRe.ReplaceAllString(name, "${1}_${2}"))
}

// canonicalise rewrites the payload's top-level keys to snake_case,
// applying the alias table first. Nested values stay untouched: keys of
// the files and env maps are workspace paths and variable names, not
// field names.
func canonicalise(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, inner := range payload {
		key, aliased := keyAliases[k]
		if !aliased {
			key = camelToSnake(k)
		}
		out[key] = inner
	}
	return out
}

// unwrapEnvelope strips a {"requestBody": {...}} wrapper when it is the
// only key.
func unwrapEnvelope(payload map[string]any) map[string]any {
	if len(payload) != 1 {
		return payload
	}
	if inner, ok := payload["requestBody"].(map[string]any); ok {
		return inner
	}
	return payload
}
