package customtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/executor"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/types"
)

// outputMarker separates the tool's own stdout noise from the serialized
// return value in the wrapper's output.
const outputMarker = "---kiln-tool-output---"

// serializationExit is the wrapper's exit code when the tool's return
// value cannot be JSON-serialized.
const serializationExit = 3

// Service executes custom tools on pool workers.
type Service struct {
	exec   *executor.Service
	logger zerolog.Logger
}

// NewService creates the custom tool service on top of the code executor.
func NewService(exec *executor.Service) *Service {
	return &Service{
		exec:   exec,
		logger: log.WithComponent("customtool"),
	}
}

// Execute parses the tool, validates inputJSON against its schema, runs
// the tool in a fresh worker and returns the JSON-encoded return value.
func (s *Service) Execute(ctx context.Context, source, inputJSON string, env map[string]string) (string, error) {
	tool, err := Parse(source)
	if err != nil {
		return "", err
	}

	if inputJSON == "" {
		inputJSON = "{}"
	}
	if err := tool.ValidateInput(inputJSON); err != nil {
		return "", err
	}

	wrapper, err := tool.wrapperSource(inputJSON)
	if err != nil {
		return "", err
	}

	result, err := s.exec.Execute(ctx, executor.Request{SourceCode: wrapper, Env: env})
	if err != nil {
		return "", err
	}
	return extractOutput(tool.Name, result)
}

// extractOutput turns the wrapper's execution result into the tool's
// JSON-encoded return value.
func extractOutput(toolName string, result *types.ExecResult) (string, error) {
	switch result.ExitCode {
	case 0:
	case serializationExit:
		return "", errdef.New(errdef.KindInvalidToolOutput, "tool %s returned a value that is not JSON-serializable", toolName)
	default:
		return "", errdef.New(errdef.KindExecutionFailed, "tool %s failed: %s", toolName, strings.TrimSpace(result.Stderr))
	}

	_, output, found := strings.Cut(result.Stdout, outputMarker)
	if !found {
		return "", errdef.New(errdef.KindInvalidToolOutput, "tool %s produced no output", toolName)
	}
	output = strings.TrimSpace(output)
	if !json.Valid([]byte(output)) {
		return "", errdef.New(errdef.KindInvalidToolOutput, "tool %s produced malformed output", toolName)
	}
	return output, nil
}

// wrapperSource builds the script that calls the tool with the validated
// arguments and prints the JSON-encoded result behind the output marker.
// The input is embedded as a string literal; a JSON-encoded string is a
// valid source literal as well.
func (t *Tool) wrapperSource(inputJSON string) (string, error) {
	literal, err := json.Marshal(inputJSON)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool input: %w", err)
	}

	var b strings.Builder
	b.WriteString("import json as _json\nimport sys as _sys\n\n")
	b.WriteString(t.source)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "_args = _json.loads(%s)\n", literal)
	fmt.Fprintf(&b, "_result = %s(**_args)\n", t.Name)
	b.WriteString("try:\n")
	b.WriteString("    _out = _json.dumps(_result)\n")
	b.WriteString("except (TypeError, ValueError):\n")
	fmt.Fprintf(&b, "    _sys.exit(%d)\n", serializationExit)
	fmt.Fprintf(&b, "print(%q)\n", outputMarker)
	b.WriteString("print(_out)\n")
	return b.String(), nil
}
