package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/kiln-sh/kiln/pkg/api"
	"github.com/kiln-sh/kiln/pkg/errdef"
)

const defaultTimeout = 60 * time.Second

// Client talks to a broker over its HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option adjusts the client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, mainly for tests and
// custom TLS setups.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the broker at baseURL, e.g.
// "http://127.0.0.1:50081".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Execute runs source code in a fresh sandbox.
func (c *Client) Execute(ctx context.Context, req api.ExecuteRequest) (*api.ExecuteResponse, error) {
	var resp api.ExecuteResponse
	if err := c.postJSON(ctx, "/v1/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upload stores a file for later projection into workspaces.
func (c *Client) Upload(ctx context.Context, chatID, filename string, content io.Reader) (*api.UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("upload", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/upload", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var resp api.UploadResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches a stored file, spending one download.
func (c *Client) Download(ctx context.Context, chatID, filename, hash string) (io.ReadCloser, error) {
	body, err := json.Marshal(api.FileRequest{ChatID: chatID, Filename: filename, FileHash: hash})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/download", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// Expire revokes a stored file immediately.
func (c *Client) Expire(ctx context.Context, chatID, filename, hash string) error {
	var resp api.ExpireResponse
	return c.postJSON(ctx, "/v1/expire", api.FileRequest{ChatID: chatID, Filename: filename, FileHash: hash}, &resp)
}

// ParseCustomTool extracts the callable interface of a tool source.
func (c *Client) ParseCustomTool(ctx context.Context, source string) (*api.ParseCustomToolResponse, error) {
	var resp api.ParseCustomToolResponse
	if err := c.postJSON(ctx, "/v1/parse-custom-tool", api.ParseCustomToolRequest{ToolSourceCode: source}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteCustomTool runs a tool with JSON-encoded arguments.
func (c *Client) ExecuteCustomTool(ctx context.Context, req api.ExecuteCustomToolRequest) (*api.ExecuteCustomToolResponse, error) {
	var resp api.ExecuteCustomToolResponse
	if err := c.postJSON(ctx, "/v1/execute-custom-tool", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthz reports the broker's health snapshot.
func (c *Client) Healthz(ctx context.Context) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	var resp api.HealthResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError rebuilds a kind-tagged error from an error response body so
// callers can branch on errdef kinds as if the failure were local.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var e api.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		kind := errdef.Kind(e.Kind)
		if kind == "" {
			kind = errdef.KindInternal
		}
		return errdef.New(kind, "%s", e.Error)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}
