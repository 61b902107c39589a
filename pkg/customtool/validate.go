package customtool

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/kiln-sh/kiln/pkg/errdef"
)

// ValidateInput checks inputJSON against the tool's input schema:
// required keys present, no unknown keys, values matching the declared
// types. Violations are InvalidArgument errors.
func (t *Tool) ValidateInput(inputJSON string) error {
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return errdef.Wrap(errdef.KindInvalidArgument, err, "tool input is not a JSON object")
	}

	properties, _ := t.InputSchema["properties"].(map[string]any)

	if required, ok := t.InputSchema["required"].([]string); ok {
		for _, key := range required {
			if _, present := input[key]; !present {
				return errdef.New(errdef.KindInvalidArgument, "missing required argument %q", key)
			}
		}
	}

	for key, value := range input {
		schema, known := properties[key].(map[string]any)
		if !known {
			return errdef.New(errdef.KindInvalidArgument, "unexpected argument %q", key)
		}
		if err := checkValue(key, value, schema); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(key string, value any, schema map[string]any) error {
	if enum, ok := schema["enum"].([]any); ok {
		for _, allowed := range enum {
			if looseEqual(value, allowed) {
				return nil
			}
		}
		return errdef.New(errdef.KindInvalidArgument, "argument %q is not one of the allowed values", key)
	}

	if anyOf, ok := schema["anyOf"].([]any); ok {
		for _, alt := range anyOf {
			if s, ok := alt.(map[string]any); ok && checkValue(key, value, s) == nil {
				return nil
			}
		}
		return errdef.New(errdef.KindInvalidArgument, "argument %q matches none of the allowed types", key)
	}

	typ, ok := schema["type"].(string)
	if !ok {
		return nil // untyped, anything goes
	}
	if value == nil {
		return errdef.New(errdef.KindInvalidArgument, "argument %q must not be null", key)
	}

	switch typ {
	case "string":
		if _, ok := value.(string); !ok {
			return typeError(key, "a string")
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeError(key, "a boolean")
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return typeError(key, "a number")
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return typeError(key, "an integer")
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return typeError(key, "an array")
		}
		if itemSchema, ok := schema["items"].(map[string]any); ok {
			for i, item := range items {
				if err := checkValue(fmt.Sprintf("%s[%d]", key, i), item, itemSchema); err != nil {
					return err
				}
			}
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return typeError(key, "an object")
		}
	}
	return nil
}

func typeError(key, want string) error {
	return errdef.New(errdef.KindInvalidArgument, "argument %q must be %s", key, want)
}

// looseEqual compares a decoded JSON value with a schema enum value,
// tolerating the int-vs-float64 mismatch of decoded numbers.
func looseEqual(decoded, allowed any) bool {
	if f, ok := decoded.(float64); ok {
		switch n := allowed.(type) {
		case int:
			return f == float64(n)
		case float64:
			return f == n
		}
	}
	return reflect.DeepEqual(decoded, allowed)
}
