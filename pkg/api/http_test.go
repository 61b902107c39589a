package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/executor"
	"github.com/kiln-sh/kiln/pkg/types"
)

type stubExecutor struct {
	lastReq executor.Request
	result  *types.ExecResult
	err     error
}

func (s *stubExecutor) Execute(ctx context.Context, req executor.Request) (*types.ExecResult, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &types.ExecResult{ChatID: req.ChatID}, nil
}

type stubTools struct {
	output string
	err    error
}

func (s *stubTools) Execute(ctx context.Context, source, inputJSON string, env map[string]string) (string, error) {
	return s.output, s.err
}

type stubStore struct {
	content string
	meta    *types.FileMetadata
	err     error

	putChatID   string
	putFilename string
	putContent  string
	putQuota    int64
	expired     []string
}

func (s *stubStore) Put(chatID, filename string, r io.Reader, maxDownloads int64, expiresAt *time.Time) (*types.FileMetadata, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, _ := io.ReadAll(r)
	s.putChatID, s.putFilename, s.putContent, s.putQuota = chatID, filename, string(data), maxDownloads
	return &types.FileMetadata{ChatID: chatID, Filename: filename, Hash: "deadbeef", SizeBytes: int64(len(data))}, nil
}

func (s *stubStore) Get(chatID, filename, hash string, decrement bool) (io.ReadCloser, *types.FileMetadata, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	meta := s.meta
	if meta == nil {
		meta = &types.FileMetadata{ChatID: chatID, Filename: filename, Hash: hash, SizeBytes: int64(len(s.content))}
	}
	return io.NopCloser(strings.NewReader(s.content)), meta, nil
}

func (s *stubStore) Expire(chatID, filename, hash string) error {
	if s.err != nil {
		return s.err
	}
	s.expired = append(s.expired, chatID+"/"+filename+"/"+hash)
	return nil
}

func newTestServer(exec *stubExecutor, tools *stubTools, store *stubStore, cfg Config) *Server {
	if exec == nil {
		exec = &stubExecutor{}
	}
	if tools == nil {
		tools = &stubTools{}
	}
	if store == nil {
		store = &stubStore{}
	}
	return NewServer(cfg, exec, tools, store, nil)
}

func postJSON(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestExecuteEndpoint(t *testing.T) {
	exec := &stubExecutor{result: &types.ExecResult{
		Stdout:   "Hello, World!\n",
		ExitCode: 0,
		ChatID:   "s1",
	}}
	srv := newTestServer(exec, nil, nil, Config{RequireChatID: true})

	rec := postJSON(t, srv, "/v1/execute", `{"source_code": "print('Hello, World!')", "chat_id": "s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello, World!\n", resp.Stdout)
	assert.Equal(t, "s1", resp.ChatID)
	assert.NotNil(t, resp.Files)
	assert.NotNil(t, resp.FilesMetadata)
}

func TestExecuteCanonicalisesRequestShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "camelCase keys", body: `{"sourceCode": "pass", "chatId": "s1"}`},
		{name: "code alias", body: `{"code": "pass", "chat_id": "s1"}`},
		{name: "requestBody envelope", body: `{"requestBody": {"source_code": "pass", "chat_id": "s1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &stubExecutor{}
			srv := newTestServer(exec, nil, nil, Config{RequireChatID: true})

			rec := postJSON(t, srv, "/v1/execute", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "pass", exec.lastReq.SourceCode)
			assert.Equal(t, "s1", exec.lastReq.ChatID)
		})
	}
}

func TestExecuteRequiresChatID(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Config{RequireChatID: true})

	rec := postJSON(t, srv, "/v1/execute", `{"source_code": "pass"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(errdef.KindInvalidArgument), resp.Kind)
}

func TestExecuteExpiryEarlierWins(t *testing.T) {
	exec := &stubExecutor{}
	srv := newTestServer(exec, nil, nil, Config{})

	rec := postJSON(t, srv, "/v1/execute",
		`{"source_code": "pass", "chat_id": "s1", "expires_days": 7, "expires_seconds": 60}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, exec.lastReq.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *exec.lastReq.ExpiresAt, 5*time.Second)
}

func TestExecuteExpiresInLiteral(t *testing.T) {
	exec := &stubExecutor{}
	srv := newTestServer(exec, nil, nil, Config{})

	rec := postJSON(t, srv, "/v1/execute",
		`{"source_code": "pass", "chat_id": "s1", "expires_in": "2w"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, exec.lastReq.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(14*24*time.Hour), *exec.lastReq.ExpiresAt, 5*time.Second)

	// The literal competes with the numeric knobs; earliest wins.
	rec = postJSON(t, srv, "/v1/execute",
		`{"source_code": "pass", "chat_id": "s1", "expires_in": "2w", "expires_seconds": 60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, exec.lastReq.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *exec.lastReq.ExpiresAt, 5*time.Second)
}

func TestExecuteRejectsBadExpiresIn(t *testing.T) {
	srv := newTestServer(&stubExecutor{}, nil, nil, Config{})

	rec := postJSON(t, srv, "/v1/execute",
		`{"source_code": "pass", "chat_id": "s1", "expires_in": "5y"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(errdef.KindInvalidArgument), resp.Kind)
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "pool dry", err: errdef.New(errdef.KindUnavailable, "no worker"), wantCode: http.StatusServiceUnavailable},
		{name: "missing blob", err: errdef.New(errdef.KindNotFound, "no blob"), wantCode: http.StatusNotFound},
		{name: "internal", err: errdef.New(errdef.KindInternal, "secret detail"), wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&stubExecutor{err: tt.err}, nil, nil, Config{})
			rec := postJSON(t, srv, "/v1/execute", `{"source_code": "pass", "chat_id": "s1"}`)
			assert.Equal(t, tt.wantCode, rec.Code)
			if errdef.KindOf(tt.err) == errdef.KindInternal {
				assert.NotContains(t, rec.Body.String(), "secret detail")
			}
		})
	}
}

func TestUploadEndpoint(t *testing.T) {
	store := &stubStore{}
	srv := newTestServer(nil, nil, store, Config{RequireChatID: true, GlobalMaxDownloads: 5})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chat_id", "s1"))
	require.NoError(t, mw.WriteField("max_downloads", "2"))
	fw, err := mw.CreateFormFile("upload", "data.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "data.csv", resp.Filename)
	assert.Equal(t, "s1", resp.ChatID)
	assert.Equal(t, "a,b\n1,2\n", store.putContent)
	assert.Equal(t, int64(2), store.putQuota, "explicit max_downloads beats the global default")
}

func TestDownloadEndpoint(t *testing.T) {
	store := &stubStore{content: "file body"}
	srv := newTestServer(nil, nil, store, Config{})

	rec := postJSON(t, srv, "/v1/download",
		`{"chat_id": "s1", "file_hash": "abc", "filename": "data.csv"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "file body", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "data.csv")
}

func TestDownloadQuotaExhausted(t *testing.T) {
	store := &stubStore{err: errdef.New(errdef.KindQuotaExhausted, "spent")}
	srv := newTestServer(nil, nil, store, Config{})

	rec := postJSON(t, srv, "/v1/download",
		`{"chat_id": "s1", "file_hash": "abc", "filename": "data.csv"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestExpireEndpoint(t *testing.T) {
	store := &stubStore{}
	srv := newTestServer(nil, nil, store, Config{})

	rec := postJSON(t, srv, "/v1/expire",
		`{"chat_id": "s1", "file_hash": "abc", "filename": "data.csv"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExpireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"s1/data.csv/abc"}, store.expired)
}

func TestParseCustomToolEndpoint(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Config{})

	body, _ := json.Marshal(ParseCustomToolRequest{
		ToolSourceCode: "def greet(name: str) -> str:\n  \"\"\"Greet.\n  :param name: who\n  :return: greeting\n  \"\"\"\n  return 'hi '+name",
	})
	rec := postJSON(t, srv, "/v1/parse-custom-tool", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ParseCustomToolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "greet", resp.ToolName)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.ToolInputSchemaJSON), &schema))
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "string", props["name"].(map[string]any)["type"])
}

func TestParseCustomToolInvalidSource(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Config{})

	rec := postJSON(t, srv, "/v1/parse-custom-tool", `{"tool_source_code": "x = 1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ParseCustomToolErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ErrorMessages)
}

func TestExecuteCustomToolEndpoint(t *testing.T) {
	tools := &stubTools{output: `"hi world"`}
	srv := newTestServer(nil, tools, nil, Config{})

	rec := postJSON(t, srv, "/v1/execute-custom-tool",
		`{"tool_source_code": "def f(): pass", "tool_input_json": "{}"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExecuteCustomToolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, `"hi world"`, resp.ToolOutputJSON)
}

func TestExecuteCustomToolFailureShape(t *testing.T) {
	tools := &stubTools{err: errdef.New(errdef.KindExecutionFailed, "tool f failed: boom")}
	srv := newTestServer(nil, tools, nil, Config{})

	rec := postJSON(t, srv, "/v1/execute-custom-tool",
		`{"tool_source_code": "def f(): pass", "tool_input_json": "{}"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ExecuteCustomToolErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Stderr, "boom")
}

func TestIngressGuardBlocksUnknownOrigins(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Config{
		HostAllowlist: []string{"internal.example"},
	})

	rec := postJSON(t, srv, "/v1/execute", `{"source_code": "pass", "chat_id": "s1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/execute", strings.NewReader(`{"source_code": "pass", "chat_id": "s1"}`))
	req.Host = "internal.example"
	ok := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
