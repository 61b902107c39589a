package api

import (
	"github.com/kiln-sh/kiln/pkg/types"
)

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	SourceCode          string            `json:"source_code"`
	Files               map[string]string `json:"files,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	ChatID              string            `json:"chat_id,omitempty"`
	PersistentWorkspace bool              `json:"persistent_workspace,omitempty"`
	MaxDownloads        *int64            `json:"max_downloads,omitempty"`
	ExpiresDays         *int64            `json:"expires_days,omitempty"`
	ExpiresSeconds      *int64            `json:"expires_seconds,omitempty"`

	// ExpiresIn is a duration literal like "30s", "12h", "7d" or "2w";
	// when several expiry fields are set, the earliest instant wins.
	ExpiresIn string `json:"expires_in,omitempty"`
}

// ExecuteResponse is the result of a code execution.
type ExecuteResponse struct {
	Stdout        string                         `json:"stdout"`
	Stderr        string                         `json:"stderr"`
	ExitCode      int                            `json:"exit_code"`
	Files         map[string]string              `json:"files"`
	FilesMetadata map[string]*types.FileMetadata `json:"files_metadata"`
	ChatID        string                         `json:"chat_id"`
}

// UploadResponse is the result of a multipart upload.
type UploadResponse struct {
	FileHash string              `json:"file_hash"`
	Filename string              `json:"filename"`
	ChatID   string              `json:"chat_id"`
	Metadata *types.FileMetadata `json:"metadata"`
}

// FileRequest identifies one stored file; used by download and expire.
type FileRequest struct {
	ChatID   string `json:"chat_id"`
	FileHash string `json:"file_hash"`
	Filename string `json:"filename"`
}

// ExpireResponse acknowledges an expire call.
type ExpireResponse struct {
	Success bool `json:"success"`
}

// ParseCustomToolRequest is the body of POST /v1/parse-custom-tool.
type ParseCustomToolRequest struct {
	ToolSourceCode string `json:"tool_source_code"`
}

// ParseCustomToolResponse carries the extracted tool interface.
type ParseCustomToolResponse struct {
	ToolName            string `json:"tool_name"`
	ToolInputSchemaJSON string `json:"tool_input_schema_json"`
	ToolDescription     string `json:"tool_description"`
}

// ParseCustomToolErrorResponse is returned when the tool source does not
// parse.
type ParseCustomToolErrorResponse struct {
	ErrorMessages []string `json:"error_messages"`
}

// ExecuteCustomToolRequest is the body of POST /v1/execute-custom-tool.
type ExecuteCustomToolRequest struct {
	ToolSourceCode string            `json:"tool_source_code"`
	ToolInputJSON  string            `json:"tool_input_json"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecuteCustomToolResponse carries the tool's JSON-encoded return value.
type ExecuteCustomToolResponse struct {
	ToolOutputJSON string `json:"tool_output_json"`
}

// ExecuteCustomToolErrorResponse is returned when the tool itself failed.
type ExecuteCustomToolErrorResponse struct {
	Stderr string `json:"stderr"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// UploadCall is the gRPC mirror of the multipart upload: the file content
// travels inline.
type UploadCall struct {
	ChatID         string `json:"chat_id"`
	Filename       string `json:"filename"`
	Content        []byte `json:"content"`
	MaxDownloads   *int64 `json:"max_downloads,omitempty"`
	ExpiresDays    *int64 `json:"expires_days,omitempty"`
	ExpiresSeconds *int64 `json:"expires_seconds,omitempty"`
	ExpiresIn      string `json:"expires_in,omitempty"`
}

// DownloadReply is the gRPC mirror of the file download.
type DownloadReply struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}
