// Package customtool turns a function-shaped source snippet into a typed
// tool: a name, a description and a Draft-07 JSON Schema for its input,
// plus an execution bridge that calls the function with validated
// arguments and returns its JSON-serialized result.
package customtool

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kiln-sh/kiln/pkg/errdef"
)

// Tool is the parsed form of a custom tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any

	source string
}

type param struct {
	name       string
	schema     map[string]any
	hasDefault bool
	optional   bool
}

var defRe = regexp.MustCompile(`(?m)^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// Parse extracts the tool interface from source. The source must declare
// exactly one top-level public function with a type annotation on every
// parameter; anything else is an InvalidTool error.
func Parse(source string) (*Tool, error) {
	var (
		name      string
		header    string
		bodyStart int
		public    int
	)
	for _, loc := range defRe.FindAllStringSubmatchIndex(source, -1) {
		candidate := source[loc[2]:loc[3]]
		if strings.HasPrefix(candidate, "_") {
			continue
		}
		public++
		if public > 1 {
			return nil, errdef.New(errdef.KindInvalidTool, "expected exactly one public function, found several")
		}
		name = candidate
		h, end, err := readHeader(source, loc[0])
		if err != nil {
			return nil, err
		}
		header = h
		bodyStart = end
	}
	if public == 0 {
		return nil, errdef.New(errdef.KindInvalidTool, "no public function definition found")
	}

	params, err := parseParams(name, header)
	if err != nil {
		return nil, err
	}

	doc := parseDocstring(source[bodyStart:])

	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		schema := p.schema
		if desc, ok := doc.params[p.name]; ok {
			schema = withDescription(schema, desc)
		}
		properties[p.name] = schema
		if !p.hasDefault && !p.optional {
			required = append(required, p.name)
		}
	}

	schema := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"title":                name,
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	description := doc.summary
	if doc.returns != "" {
		if description != "" {
			description += "\n\n"
		}
		description += "Returns: " + doc.returns
	}

	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		source:      source,
	}, nil
}

// readHeader returns the parameter list of the def starting at offset and
// the index just past the header's terminating colon. Handles parameter
// lists and return annotations spanning multiple lines.
func readHeader(source string, offset int) (string, int, error) {
	open := strings.IndexByte(source[offset:], '(')
	if open < 0 {
		return "", 0, errdef.New(errdef.KindInvalidTool, "malformed function definition")
	}
	i := offset + open + 1
	depth := 1
	start := i
	for ; i < len(source) && depth > 0; i++ {
		switch source[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	if depth != 0 {
		return "", 0, errdef.New(errdef.KindInvalidTool, "unbalanced parentheses in function definition")
	}
	paramList := source[start : i-1]

	// Skip the return annotation up to the header colon.
	for ; i < len(source); i++ {
		switch source[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ':':
			if depth == 0 {
				return paramList, i + 1, nil
			}
		}
	}
	return "", 0, errdef.New(errdef.KindInvalidTool, "function definition has no body")
}

func parseParams(fn, paramList string) ([]param, error) {
	var out []param
	for _, raw := range splitTopLevel(paramList, ',') {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		// Bare markers for positional-only / keyword-only sections.
		if raw == "*" || raw == "/" {
			continue
		}
		if strings.HasPrefix(raw, "*") {
			return nil, errdef.New(errdef.KindInvalidTool, "function %s uses variadic parameters, which cannot be typed", fn)
		}

		decl, defaultPart, hasDefault := cutTopLevel(raw, '=')
		pname, annotation, hasAnnotation := cutTopLevel(decl, ':')
		pname = strings.TrimSpace(pname)
		if !hasAnnotation {
			return nil, errdef.New(errdef.KindInvalidTool, "parameter %q of %s has no type annotation", pname, fn)
		}

		schema, optional, err := schemaFor(strings.TrimSpace(annotation))
		if err != nil {
			return nil, err
		}
		if hasDefault && strings.TrimSpace(defaultPart) == "None" {
			optional = true
		}
		out = append(out, param{
			name:       pname,
			schema:     schema,
			hasDefault: hasDefault,
			optional:   optional,
		})
	}
	return out, nil
}

// schemaFor maps a type annotation to a JSON Schema fragment. The second
// return is true when the annotation admits None.
func schemaFor(annotation string) (map[string]any, bool, error) {
	annotation = strings.TrimSpace(annotation)

	// X | None and Optional[X] both mean nullable.
	if parts := splitTopLevel(annotation, '|'); len(parts) > 1 {
		var schemas []any
		nullable := false
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "None" {
				nullable = true
				continue
			}
			s, _, err := schemaFor(part)
			if err != nil {
				return nil, false, err
			}
			schemas = append(schemas, s)
		}
		if len(schemas) == 1 {
			return schemas[0].(map[string]any), nullable, nil
		}
		return map[string]any{"anyOf": schemas}, nullable, nil
	}

	base, arg := annotation, ""
	if i := strings.IndexByte(annotation, '['); i >= 0 && strings.HasSuffix(annotation, "]") {
		base = strings.TrimSpace(annotation[:i])
		arg = strings.TrimSpace(annotation[i+1 : len(annotation)-1])
	}

	switch base {
	case "str":
		return map[string]any{"type": "string"}, false, nil
	case "int":
		return map[string]any{"type": "integer"}, false, nil
	case "float":
		return map[string]any{"type": "number"}, false, nil
	case "bool":
		return map[string]any{"type": "boolean"}, false, nil
	case "Any", "typing.Any":
		return map[string]any{}, false, nil

	case "Optional", "typing.Optional":
		inner, _, err := schemaFor(arg)
		return inner, true, err

	case "list", "List", "typing.List", "set", "Set", "typing.Set", "tuple", "Tuple", "typing.Tuple":
		schema := map[string]any{"type": "array"}
		if arg != "" && arg != "..." {
			elems := splitTopLevel(arg, ',')
			if len(elems) == 1 {
				item, _, err := schemaFor(elems[0])
				if err != nil {
					return nil, false, err
				}
				if len(item) > 0 {
					schema["items"] = item
				}
			}
		}
		return schema, false, nil

	case "dict", "Dict", "typing.Dict", "Mapping", "typing.Mapping":
		return map[string]any{"type": "object"}, false, nil

	case "Literal", "typing.Literal":
		values, err := literalValues(arg)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"enum": values}, false, nil
	}

	return nil, false, errdef.New(errdef.KindInvalidTool, "unsupported type annotation %q", annotation)
}

// literalValues parses the arguments of a Literal[...] annotation;
// strings, integers and booleans are allowed.
func literalValues(arg string) ([]any, error) {
	var out []any
	for _, raw := range splitTopLevel(arg, ',') {
		raw = strings.TrimSpace(raw)
		switch {
		case len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0]:
			out = append(out, raw[1:len(raw)-1])
		case raw == "True":
			out = append(out, true)
		case raw == "False":
			out = append(out, false)
		default:
			var n int
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
				return nil, errdef.New(errdef.KindInvalidTool, "unsupported literal value %q", raw)
			}
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, errdef.New(errdef.KindInvalidTool, "empty literal annotation")
	}
	return out, nil
}

func withDescription(schema map[string]any, desc string) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["description"] = desc
	return out
}

// splitTopLevel splits s on sep, ignoring separators nested in brackets
// or quotes.
func splitTopLevel(s string, sep byte) []string {
	var (
		out   []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// cutTopLevel splits s at the first top-level occurrence of sep.
func cutTopLevel(s string, sep byte) (before, after string, found bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				return s[:i], s[i+1:], true
			}
		}
	}
	return s, "", false
}

type docstring struct {
	summary string
	params  map[string]string
	returns string
}

var fieldRe = regexp.MustCompile(`^:(param|parameter|arg|argument)\s+(?:[\w.\[\]]+\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.*)$|^:(returns?)\s*:\s*(.*)$`)

// parseDocstring reads the function body's leading triple-quoted string
// and splits it into summary, per-parameter descriptions and the return
// description. Sphinx-style :param x: and :return: fields are honored;
// a missing docstring yields empty fields.
func parseDocstring(body string) docstring {
	doc := docstring{params: map[string]string{}}

	text, ok := leadingString(body)
	if !ok {
		return doc
	}

	var (
		summary      []string
		inFields     bool
		lastParam    string
		lastIsReturn bool
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := fieldRe.FindStringSubmatch(trimmed); m != nil {
			inFields = true
			if m[2] != "" {
				doc.params[m[2]] = m[3]
				lastParam, lastIsReturn = m[2], false
			} else {
				doc.returns = m[5]
				lastParam, lastIsReturn = "", true
			}
			continue
		}
		if inFields {
			// Continuation line of the previous field.
			if trimmed == "" {
				continue
			}
			if lastIsReturn {
				doc.returns += " " + trimmed
			} else if lastParam != "" {
				doc.params[lastParam] += " " + trimmed
			}
			continue
		}
		summary = append(summary, trimmed)
	}
	doc.summary = strings.TrimSpace(strings.Join(summary, "\n"))
	return doc
}

// leadingString extracts the first triple-quoted string from a function
// body, ignoring leading whitespace.
func leadingString(body string) (string, bool) {
	rest := strings.TrimLeft(body, " \t\r\n")
	var delim string
	switch {
	case strings.HasPrefix(rest, `"""`):
		delim = `"""`
	case strings.HasPrefix(rest, `'''`):
		delim = `'''`
	default:
		return "", false
	}
	rest = rest[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
