package customtool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/types"
)

func TestValidateInput(t *testing.T) {
	tool, err := Parse(greetSource)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		wantKind errdef.Kind
	}{
		{name: "valid", input: `{"name": "world"}`},
		{name: "missing required", input: `{}`, wantKind: errdef.KindInvalidArgument},
		{name: "wrong type", input: `{"name": 42}`, wantKind: errdef.KindInvalidArgument},
		{name: "unexpected key", input: `{"name": "world", "x": 1}`, wantKind: errdef.KindInvalidArgument},
		{name: "not an object", input: `[1, 2]`, wantKind: errdef.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.ValidateInput(tt.input)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errdef.KindOf(err))
		})
	}
}

func TestValidateInputEnum(t *testing.T) {
	tool, err := Parse(`def pick(mode: Literal["fast", "slow"]) -> str:
    """Pick."""
    return mode
`)
	require.NoError(t, err)

	assert.NoError(t, tool.ValidateInput(`{"mode": "fast"}`))
	err = tool.ValidateInput(`{"mode": "medium"}`)
	assert.Equal(t, errdef.KindInvalidArgument, errdef.KindOf(err))
}

func TestValidateInputIntegerRejectsFraction(t *testing.T) {
	tool, err := Parse(`def take(n: int) -> int:
    """Take."""
    return n
`)
	require.NoError(t, err)

	assert.NoError(t, tool.ValidateInput(`{"n": 3}`))
	err = tool.ValidateInput(`{"n": 3.5}`)
	assert.Equal(t, errdef.KindInvalidArgument, errdef.KindOf(err))
}

func TestWrapperSource(t *testing.T) {
	tool, err := Parse(greetSource)
	require.NoError(t, err)

	wrapper, err := tool.wrapperSource(`{"name": "world"}`)
	require.NoError(t, err)

	assert.Contains(t, wrapper, greetSource)
	assert.Contains(t, wrapper, `_args = _json.loads("{\"name\": \"world\"}")`)
	assert.Contains(t, wrapper, "_result = greet(**_args)")
	assert.Contains(t, wrapper, outputMarker)
	assert.Contains(t, wrapper, "_sys.exit(3)")
}

func TestExtractOutput(t *testing.T) {
	tests := []struct {
		name     string
		result   types.ExecResult
		want     string
		wantKind errdef.Kind
	}{
		{
			name:   "clean output",
			result: types.ExecResult{Stdout: outputMarker + "\n\"hi world\"\n"},
			want:   `"hi world"`,
		},
		{
			name:   "tool prints noise first",
			result: types.ExecResult{Stdout: "debug noise\n" + outputMarker + "\n[1, 2]\n"},
			want:   `[1, 2]`,
		},
		{
			name:     "serialization failure",
			result:   types.ExecResult{ExitCode: serializationExit},
			wantKind: errdef.KindInvalidToolOutput,
		},
		{
			name:     "tool raised",
			result:   types.ExecResult{ExitCode: 1, Stderr: "Traceback ..."},
			wantKind: errdef.KindExecutionFailed,
		},
		{
			name:     "missing marker",
			result:   types.ExecResult{Stdout: "no marker here\n"},
			wantKind: errdef.KindInvalidToolOutput,
		},
		{
			name:     "garbage after marker",
			result:   types.ExecResult{Stdout: outputMarker + "\nnot json\n"},
			wantKind: errdef.KindInvalidToolOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := extractOutput("greet", &tt.result)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, errdef.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}
