package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-sh/kiln/pkg/api"
	"github.com/kiln-sh/kiln/pkg/errdef"
)

func TestExecuteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/execute", r.URL.Path)

		var req api.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "print(21 * 2)", req.SourceCode)

		json.NewEncoder(w).Encode(api.ExecuteResponse{Stdout: "42\n", ChatID: req.ChatID})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Execute(t.Context(), api.ExecuteRequest{SourceCode: "print(21 * 2)", ChatID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "42\n", resp.Stdout)
	assert.Equal(t, "s1", resp.ChatID)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "downloads spent", Kind: string(errdef.KindQuotaExhausted)})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Download(t.Context(), "s1", "data.csv", "abc")
	require.Error(t, err)
	assert.True(t, errdef.Is(err, errdef.KindQuotaExhausted))
	assert.Contains(t, err.Error(), "downloads spent")
}

func TestUploadSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "s1", r.FormValue("chat_id"))

		f, header, err := r.FormFile("upload")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		json.NewEncoder(w).Encode(api.UploadResponse{FileHash: "abc", Filename: header.Filename, ChatID: "s1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Upload(t.Context(), "s1", "greeting.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "greeting.txt", resp.Filename)
	assert.Equal(t, "abc", resp.FileHash)
}

func TestDownloadStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "file body")
	}))
	defer srv.Close()

	c := New(srv.URL)
	rc, err := c.Download(t.Context(), "s1", "data.csv", "abc")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "file body", string(data))
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Healthz(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
