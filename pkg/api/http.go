// Package api exposes the broker over HTTP and gRPC. Both surfaces share
// the same request/response shapes and delegate to the same services; the
// gRPC mirror simply carries the JSON bodies over unary calls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/config"
	"github.com/kiln-sh/kiln/pkg/customtool"
	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/executor"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/metrics"
	"github.com/kiln-sh/kiln/pkg/types"
)

// multipartMemory is the in-memory threshold for multipart uploads;
// larger files spill to disk while parsing.
const multipartMemory = 32 << 20

// ExecutorService runs code on pool workers.
type ExecutorService interface {
	Execute(ctx context.Context, req executor.Request) (*types.ExecResult, error)
}

// ToolRunner executes parsed custom tools.
type ToolRunner interface {
	Execute(ctx context.Context, source, inputJSON string, env map[string]string) (string, error)
}

// FileStore is the storage surface the API needs.
type FileStore interface {
	Put(chatID, filename string, r io.Reader, maxDownloads int64, expiresAt *time.Time) (*types.FileMetadata, error)
	Get(chatID, filename, hash string, decrement bool) (io.ReadCloser, *types.FileMetadata, error)
	Expire(chatID, filename, hash string) error
}

// PoolStatus reports pool occupancy for health checks.
type PoolStatus interface {
	Snapshot() (map[types.WorkerState]int, int)
}

// Config holds the API server's policy knobs.
type Config struct {
	RequireChatID      bool
	GlobalMaxDownloads int64
	FileSizeLimitBytes int64

	PublicSpawnEnabled bool
	HostAllowlist      []string
	IPAllowlist        []string
}

// Server is the HTTP surface of the broker.
type Server struct {
	cfg      Config
	executor ExecutorService
	tools    ToolRunner
	store    FileStore
	pool     PoolStatus
	router   chi.Router
	logger   zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP routes.
func NewServer(cfg Config, exec ExecutorService, tools ToolRunner, store FileStore, pool PoolStatus) *Server {
	s := &Server{
		cfg:      cfg,
		executor: exec,
		tools:    tools,
		store:    store,
		pool:     pool,
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(ingressGuard(cfg.PublicSpawnEnabled, cfg.HostAllowlist, cfg.IPAllowlist))
		r.Post("/execute", s.handleExecute)
		r.Post("/upload", s.handleUpload)
		r.Post("/download", s.handleDownload)
		r.Post("/expire", s.handleExpire)
		r.Post("/parse-custom-tool", s.handleParseCustomTool)
		r.Post("/execute-custom-tool", s.handleExecuteCustomTool)
	})

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeCanonical(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.RequireChatID && req.ChatID == "" {
		writeError(w, errdef.New(errdef.KindInvalidArgument, "chat_id is required"))
		return
	}
	if req.SourceCode == "" {
		writeError(w, errdef.New(errdef.KindInvalidArgument, "source_code is required"))
		return
	}

	expiresAt, err := expiryWith(req.ExpiresDays, req.ExpiresSeconds, req.ExpiresIn, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.executor.Execute(r.Context(), executor.Request{
		SourceCode:          req.SourceCode,
		Files:               req.Files,
		Env:                 req.Env,
		ChatID:              req.ChatID,
		PersistentWorkspace: req.PersistentWorkspace,
		MaxDownloads:        req.MaxDownloads,
		ExpiresAt:           expiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		Files:         orEmpty(result.Files),
		FilesMetadata: orEmptyMeta(result.FilesMetadata),
		ChatID:        result.ChatID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.FileSizeLimitBytes > 0 {
		// Headroom for the multipart framing around the file itself.
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.FileSizeLimitBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, errdef.Wrap(errdef.KindInvalidArgument, err, "malformed multipart request"))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	chatID := r.FormValue("chat_id")
	if s.cfg.RequireChatID && chatID == "" {
		writeError(w, errdef.New(errdef.KindInvalidArgument, "chat_id is required"))
		return
	}
	if chatID == "" {
		chatID = executor.DefaultChatID
	}

	file, header, err := r.FormFile("upload")
	if err != nil {
		if file, header, err = r.FormFile("file"); err != nil {
			writeError(w, errdef.New(errdef.KindInvalidArgument, "missing file field %q", "upload"))
			return
		}
	}
	defer file.Close()

	maxDownloads := s.cfg.GlobalMaxDownloads
	if v := r.FormValue("max_downloads"); v != "" {
		if maxDownloads, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, errdef.New(errdef.KindInvalidArgument, "invalid max_downloads %q", v))
			return
		}
	}
	expiresAt, err := expiryFromForm(r.FormValue("expires_days"), r.FormValue("expires_seconds"), r.FormValue("expires_in"))
	if err != nil {
		writeError(w, err)
		return
	}

	meta, err := s.store.Put(chatID, path.Base(header.Filename), file, maxDownloads, expiresAt)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		FileHash: meta.Hash,
		Filename: meta.Filename,
		ChatID:   meta.ChatID,
		Metadata: meta,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if err := decodeCanonical(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rc, meta, err := s.store.Get(req.ChatID, req.Filename, req.FileHash, true)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(meta.SizeBytes, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("hash", meta.Hash).Msg("download stream aborted")
	}
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if err := decodeCanonical(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Expire(req.ChatID, req.Filename, req.FileHash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Success: true})
}

func (s *Server) handleParseCustomTool(w http.ResponseWriter, r *http.Request) {
	var req ParseCustomToolRequest
	if err := decodeCanonical(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tool, err := customtool.Parse(req.ToolSourceCode)
	if err != nil {
		if errdef.Is(err, errdef.KindInvalidTool) {
			writeJSON(w, http.StatusBadRequest, ParseCustomToolErrorResponse{ErrorMessages: []string{err.Error()}})
			return
		}
		writeError(w, err)
		return
	}

	schemaJSON, err := json.Marshal(tool.InputSchema)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParseCustomToolResponse{
		ToolName:            tool.Name,
		ToolInputSchemaJSON: string(schemaJSON),
		ToolDescription:     tool.Description,
	})
}

func (s *Server) handleExecuteCustomTool(w http.ResponseWriter, r *http.Request) {
	var req ExecuteCustomToolRequest
	if err := decodeCanonical(r, &req); err != nil {
		writeError(w, err)
		return
	}

	output, err := s.tools.Execute(r.Context(), req.ToolSourceCode, req.ToolInputJSON, req.Env)
	if err != nil {
		switch errdef.KindOf(err) {
		case errdef.KindInvalidTool:
			writeJSON(w, http.StatusBadRequest, ParseCustomToolErrorResponse{ErrorMessages: []string{err.Error()}})
		case errdef.KindExecutionFailed, errdef.KindInvalidToolOutput:
			writeJSON(w, http.StatusBadRequest, ExecuteCustomToolErrorResponse{Stderr: err.Error()})
		default:
			writeError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, ExecuteCustomToolResponse{ToolOutputJSON: output})
}

// decodeCanonical reads a JSON body, unwraps the requestBody envelope,
// normalizes key casing and decodes into dst.
func decodeCanonical(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		return errdef.Wrap(errdef.KindInvalidArgument, err, "failed to read request body")
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errdef.Wrap(errdef.KindInvalidArgument, err, "request body is not valid JSON")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return errdef.New(errdef.KindInvalidArgument, "request body must be a JSON object")
	}

	normalized, err := json.Marshal(canonicalise(unwrapEnvelope(obj)))
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, err, "failed to re-encode request")
	}
	if err := json.Unmarshal(normalized, dst); err != nil {
		return errdef.Wrap(errdef.KindInvalidArgument, err, "request body does not match the expected shape")
	}
	return nil
}

// expiryFrom resolves the expires_days / expires_seconds pair; when both
// are set, the earlier instant wins.
func expiryFrom(days, seconds *int64, now time.Time) *time.Time {
	var out *time.Time
	consider := func(t time.Time) {
		if out == nil || t.Before(*out) {
			out = &t
		}
	}
	if days != nil {
		consider(now.UTC().Add(time.Duration(*days) * 24 * time.Hour))
	}
	if seconds != nil {
		consider(now.UTC().Add(time.Duration(*seconds) * time.Second))
	}
	return out
}

// expiryWith folds an expires_in duration literal ("30s", "12h", "7d",
// "2w") into the resolved expiry; the earliest instant still wins.
func expiryWith(days, seconds *int64, literal string, now time.Time) (*time.Time, error) {
	out := expiryFrom(days, seconds, now)
	if literal == "" {
		return out, nil
	}
	d, err := config.ParseExpiry(literal)
	if err != nil {
		return nil, errdef.New(errdef.KindInvalidArgument, "invalid expires_in %q", literal)
	}
	t := now.UTC().Add(d)
	if out == nil || t.Before(*out) {
		out = &t
	}
	return out, nil
}

func expiryFromForm(days, seconds, literal string) (*time.Time, error) {
	var dp, sp *int64
	if days != "" {
		d, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return nil, errdef.New(errdef.KindInvalidArgument, "invalid expires_days %q", days)
		}
		dp = &d
	}
	if seconds != "" {
		s, err := strconv.ParseInt(seconds, 10, 64)
		if err != nil {
			return nil, errdef.New(errdef.KindInvalidArgument, "invalid expires_seconds %q", seconds)
		}
		sp = &s
	}
	return expiryWith(dp, sp, literal, time.Now())
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyMeta(m map[string]*types.FileMetadata) map[string]*types.FileMetadata {
	if m == nil {
		return map[string]*types.FileMetadata{}
	}
	return m
}
