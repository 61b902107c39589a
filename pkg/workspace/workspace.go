// Package workspace projects stored files into a worker's session
// workspace and extracts changed files back out. Files are identified by
// content hash, so projection is a diff against what the worker already
// holds and extraction only touches files whose hash actually changed.
package workspace

import (
	"context"
	"io"
	"path"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/blobstore"
	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/types"
	"github.com/kiln-sh/kiln/pkg/workerio"
)

var hashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Manager moves files between the blob store and worker workspaces.
type Manager struct {
	store  *blobstore.Store
	logger zerolog.Logger
}

// New creates a workspace manager backed by the given store.
func New(store *blobstore.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.WithComponent("workspace"),
	}
}

// Project makes the worker's workspace contain exactly the requested
// path -> hash mapping. Files already present with the right hash are
// left alone; missing or mismatched files are uploaded from the store.
// Unless persistent is set, workspace files the request does not declare
// are removed, so the worker looks freshly provisioned plus the
// declared files.
func (m *Manager) Project(ctx context.Context, conn *workerio.Conn, chatID string, files map[string]string, persistent bool) error {
	for p, hash := range files {
		if _, err := workerio.CleanPath(p); err != nil {
			return err
		}
		if !hashRe.MatchString(hash) {
			return errdef.New(errdef.KindInvalidArgument, "invalid content hash %q for %s", hash, p)
		}
	}

	current, err := conn.List(ctx)
	if err != nil {
		return errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to inspect workspace")
	}

	for p, hash := range files {
		if current[p] == hash {
			continue
		}
		if err := m.upload(ctx, conn, chatID, p, hash); err != nil {
			return err
		}
	}

	if persistent {
		return nil
	}
	for p := range current {
		if _, wanted := files[p]; wanted {
			continue
		}
		if err := conn.Remove(ctx, p); err != nil {
			return errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to clear workspace file %s", p)
		}
	}
	return nil
}

func (m *Manager) upload(ctx context.Context, conn *workerio.Conn, chatID, p, hash string) error {
	rc, _, err := m.store.Get(chatID, path.Base(p), hash, false)
	if err != nil {
		if errdef.Is(err, errdef.KindNotFound) {
			return errdef.Wrap(errdef.KindNotFound, err, "declared file %s is not in storage", p)
		}
		return errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to open stored file for %s", p)
	}
	defer rc.Close()

	if err := conn.Upload(ctx, p, rc); err != nil {
		return errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to project %s", p)
	}
	m.logger.Debug().Str("worker", conn.Worker()).Str("path", p).Str("hash", hash).Msg("projected file")
	return nil
}

// Extract stores every workspace file whose hash differs from the
// pre-execution snapshot and returns the changed path -> hash mapping
// together with the stored metadata. maxDownloads <= 0 means unlimited.
func (m *Manager) Extract(ctx context.Context, conn *workerio.Conn, chatID string, before map[string]string, maxDownloads int64, expiresAt *time.Time) (map[string]string, map[string]*types.FileMetadata, error) {
	after, err := conn.List(ctx)
	if err != nil {
		return nil, nil, errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to inspect workspace after execution")
	}

	changed := make(map[string]string)
	metas := make(map[string]*types.FileMetadata)
	for p, hash := range after {
		if before[p] == hash {
			continue
		}
		meta, err := m.download(ctx, conn, chatID, p, maxDownloads, expiresAt)
		if err != nil {
			return nil, nil, err
		}
		changed[p] = meta.Hash
		metas[p] = meta
	}
	return changed, metas, nil
}

// download streams a workspace file straight into the store; the hash is
// computed by the store during the copy, never trusted from the worker.
func (m *Manager) download(ctx context.Context, conn *workerio.Conn, chatID, p string, maxDownloads int64, expiresAt *time.Time) (*types.FileMetadata, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(conn.Download(ctx, p, pw))
	}()

	meta, err := m.store.Put(chatID, path.Base(p), pr, maxDownloads, expiresAt)
	pr.Close()
	if err != nil {
		return nil, errdef.Wrap(errdef.KindWorkspaceProjectionFailed, err, "failed to collect %s", p)
	}
	m.logger.Debug().Str("worker", conn.Worker()).Str("path", p).Str("hash", meta.Hash).Msg("extracted file")
	return meta, nil
}
