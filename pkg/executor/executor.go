// Package executor runs untrusted source code inside pool workers. Each
// request acquires a fresh worker, projects the declared session files
// into its workspace, drives the in-container execution RPC, extracts
// changed files back into storage, and always releases the worker for
// destruction afterwards.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/metrics"
	"github.com/kiln-sh/kiln/pkg/orchestrator"
	"github.com/kiln-sh/kiln/pkg/pool"
	"github.com/kiln-sh/kiln/pkg/types"
	"github.com/kiln-sh/kiln/pkg/workerio"
	"github.com/kiln-sh/kiln/pkg/workspace"
)

const (
	// DefaultChatID scopes files of requests that carry no chat id.
	DefaultChatID = "default"

	// TruncationSentinel is appended to stdout/stderr cut at the output
	// byte limit.
	TruncationSentinel = "... [truncated]"

	rpcPath       = "/opt/kiln/exec-rpc"
	execAttempts  = 3
	execBaseWait  = 2 * time.Second
)

// Request describes one code execution.
type Request struct {
	SourceCode          string
	Files               map[string]string // absolute path -> sha256
	Env                 map[string]string
	ChatID              string
	PersistentWorkspace bool

	// MaxDownloads overrides the global download quota for files this
	// execution produces. Nil keeps the global default.
	MaxDownloads *int64

	// ExpiresAt stamps an expiry on produced files. Nil means no expiry.
	ExpiresAt *time.Time
}

// Config holds the executor service tunables.
type Config struct {
	// OutputLimitBytes caps stdout and stderr in the result; longer
	// output is cut and marked with the truncation sentinel. <= 0
	// disables the cap.
	OutputLimitBytes int64

	// GlobalMaxDownloads is the download quota stamped on every
	// extracted file. <= 0 means unlimited.
	GlobalMaxDownloads int64
}

// Service executes code on pool workers.
type Service struct {
	pool       *pool.Pool
	client     orchestrator.Client
	workspaces *workspace.Manager
	cfg        Config
	logger     zerolog.Logger
}

// New creates the execution service.
func New(p *pool.Pool, client orchestrator.Client, ws *workspace.Manager, cfg Config) *Service {
	return &Service{
		pool:       p,
		client:     client,
		workspaces: ws,
		cfg:        cfg,
		logger:     log.WithComponent("executor"),
	}
}

// Execute runs one request end to end. Infrastructure failures are
// retried on a fresh worker a bounded number of times; a non-zero exit
// of the user's code is a successful execution, not an error.
func (s *Service) Execute(ctx context.Context, req Request) (*types.ExecResult, error) {
	if req.ChatID == "" {
		req.ChatID = DefaultChatID
	}

	timer := metrics.NewTimer()
	var (
		result *types.ExecResult
		err    error
	)
	wait := execBaseWait
	for attempt := 0; attempt < execAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying execution on a fresh worker")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, errdef.Wrap(errdef.KindUnavailable, ctx.Err(), "execution aborted")
			}
			wait *= 2
		}
		result, err = s.executeOnce(ctx, req)
		if err == nil || !retryable(err) {
			break
		}
	}

	timer.ObserveDuration(metrics.ExecutionDuration)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// retryable reports whether a failure is worth a fresh worker. Client
// mistakes and policy refusals are not; broken workers and transport
// hiccups are.
func retryable(err error) bool {
	switch errdef.KindOf(err) {
	case errdef.KindWorkspaceProjectionFailed, errdef.KindExecutionFailed, errdef.KindInternal:
		return true
	}
	return false
}

func (s *Service) executeOnce(ctx context.Context, req Request) (*types.ExecResult, error) {
	worker, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	// Workers are single-use; the pool destroys it no matter what.
	defer s.pool.Release(worker)

	logger := s.logger.With().Str("worker", worker).Logger()
	conn := workerio.New(s.client, worker)

	if err := s.workspaces.Project(ctx, conn, req.ChatID, req.Files, req.PersistentWorkspace); err != nil {
		return nil, err
	}

	// Snapshot what the workspace holds right before execution, so
	// extraction sees exactly what the code changed. With a persistent
	// workspace this includes residue beyond the declared files.
	before, err := conn.List(ctx)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to snapshot workspace")
	}

	logger.Debug().Int("files", len(req.Files)).Msg("running code")
	resp, err := s.runRPC(ctx, worker, req.SourceCode, req.Env)
	if err != nil {
		return nil, err
	}

	maxDownloads := s.cfg.GlobalMaxDownloads
	if req.MaxDownloads != nil {
		maxDownloads = *req.MaxDownloads
	}
	files, metas, err := s.workspaces.Extract(ctx, conn, req.ChatID, before, maxDownloads, req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return &types.ExecResult{
		Stdout:        s.truncate(resp.Stdout),
		Stderr:        s.truncate(resp.Stderr),
		ExitCode:      resp.ExitCode,
		Files:         files,
		FilesMetadata: metas,
		ChatID:        req.ChatID,
	}, nil
}

type rpcRequest struct {
	SourceCode string            `json:"source_code"`
	Env        map[string]string `json:"env"`
}

type rpcResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// runRPC drives the in-container execution endpoint: one JSON request on
// stdin, one JSON response on stdout. A failing RPC process means the
// worker is broken, not that the user's code failed.
func (s *Service) runRPC(ctx context.Context, worker, sourceCode string, env map[string]string) (*rpcResponse, error) {
	if env == nil {
		env = map[string]string{}
	}
	payload, err := json.Marshal(rpcRequest{SourceCode: sourceCode, Env: env})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	code, err := s.client.Exec(ctx, worker, []string{rpcPath}, bytes.NewReader(payload), &stdout, &stderr)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindExecutionFailed, err, "execution transport failed")
	}
	if code != 0 {
		return nil, errdef.New(errdef.KindExecutionFailed, "execution runner exited %d: %s", code, trimTo(stderr.String(), 512))
	}

	var resp rpcResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, errdef.Wrap(errdef.KindExecutionFailed, err, "malformed execution response")
	}
	return &resp, nil
}

func (s *Service) truncate(out string) string {
	limit := s.cfg.OutputLimitBytes
	if limit <= 0 || int64(len(out)) <= limit {
		return out
	}
	return out[:limit] + TruncationSentinel
}

func trimTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
