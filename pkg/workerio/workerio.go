// Package workerio drives file transfer in and out of a worker container.
// The executor image is a black box reached only through exec: listing,
// upload, download and removal are plain POSIX shell one-liners so the
// image needs nothing beyond busybox-level tooling.
package workerio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/orchestrator"
)

// WorkspaceDir is the session workspace root inside every worker.
const WorkspaceDir = "/workspace"

// Conn is a handle for file operations against one worker.
type Conn struct {
	client orchestrator.Client
	worker string
	logger zerolog.Logger
}

// New returns a connection to the named worker.
func New(client orchestrator.Client, worker string) *Conn {
	return &Conn{
		client: client,
		worker: worker,
		logger: log.WithComponent("workerio").With().Str("worker", worker).Logger(),
	}
}

// Worker returns the worker name this connection targets.
func (c *Conn) Worker() string { return c.worker }

// CleanPath validates that p is an absolute path inside the workspace and
// returns its cleaned form.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", errdef.New(errdef.KindInvalidArgument, "path %q is not absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned != WorkspaceDir && !strings.HasPrefix(cleaned, WorkspaceDir+"/") {
		return "", errdef.New(errdef.KindInvalidArgument, "path %q is outside the workspace", p)
	}
	if cleaned == WorkspaceDir {
		return "", errdef.New(errdef.KindInvalidArgument, "path %q is the workspace root, not a file", p)
	}
	return cleaned, nil
}

// List returns the workspace contents as path -> sha256. A worker with an
// empty or missing workspace directory yields an empty map.
func (c *Conn) List(ctx context.Context) (map[string]string, error) {
	script := fmt.Sprintf(
		`[ -d %[1]s ] || exit 0; cd %[1]s && find . -type f -exec sha256sum -- {} +`,
		WorkspaceDir,
	)

	var stdout, stderr bytes.Buffer
	code, err := c.client.Exec(ctx, c.worker, []string{"sh", "-c", script}, nil, &stdout, &stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("workspace listing exited %d: %s", code, strings.TrimSpace(stderr.String()))
	}

	files := make(map[string]string)
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// sha256sum output: "<hash>  <path>"
		hash, rel, ok := strings.Cut(line, " ")
		if !ok || len(hash) != 64 {
			c.logger.Debug().Str("line", line).Msg("skipping malformed listing line")
			continue
		}
		rel = strings.TrimSpace(rel)
		rel = strings.TrimPrefix(rel, "./")
		files[WorkspaceDir+"/"+rel] = hash
	}
	return files, nil
}

// Upload streams r into the worker at path, creating parent directories.
func (c *Conn) Upload(ctx context.Context, p string, r io.Reader) error {
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}

	script := fmt.Sprintf(
		`mkdir -p -- %s && cat > %s`,
		shellQuote(path.Dir(cleaned)), shellQuote(cleaned),
	)

	var stderr bytes.Buffer
	code, err := c.client.Exec(ctx, c.worker, []string{"sh", "-c", script}, r, io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", cleaned, err)
	}
	if code != 0 {
		return fmt.Errorf("upload of %s exited %d: %s", cleaned, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Download streams the file at path from the worker into w.
func (c *Conn) Download(ctx context.Context, p string, w io.Writer) error {
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	code, err := c.client.Exec(ctx, c.worker, []string{"cat", "--", cleaned}, nil, w, &stderr)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", cleaned, err)
	}
	if code != 0 {
		return errdef.New(errdef.KindNotFound, "file %s not found in workspace: %s", cleaned, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Remove deletes the file at path inside the worker. Missing files are fine.
func (c *Conn) Remove(ctx context.Context, p string) error {
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	code, err := c.client.Exec(ctx, c.worker, []string{"rm", "-f", "--", cleaned}, nil, io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", cleaned, err)
	}
	if code != 0 {
		return fmt.Errorf("removal of %s exited %d: %s", cleaned, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
