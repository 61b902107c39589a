package blobstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kiln-sh/kiln/pkg/events"
	"github.com/kiln-sh/kiln/pkg/metrics"
	"github.com/kiln-sh/kiln/pkg/types"
)

// tmpMaxAge is how long an in-progress temp file may linger before the
// sweep treats it as abandoned.
const tmpMaxAge = time.Hour

// ReclaimStats summarizes one sweep.
type ReclaimStats struct {
	MetadataRemoved int
	BlobsRemoved    int
	TempRemoved     int
}

// Reclaim sweeps the store: metadata entries that are expired or have no
// downloads left are removed, blobs no live metadata references are
// deleted, and abandoned temp files are cleaned up. The sweep takes the
// write side of the store barrier, so no put can publish a blob while
// its liveness is being decided.
func (s *Store) Reclaim(ctx context.Context) (ReclaimStats, error) {
	s.barrier.Lock()
	defer s.barrier.Unlock()

	var stats ReclaimStats
	now := s.now()
	live := make(map[string]struct{})

	err := filepath.Walk(s.metaRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var meta types.FileMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			// Unreadable sidecar; drop it rather than leak the blob forever.
			s.logger.Warn().Str("path", path).Msg("removing corrupt metadata sidecar")
			_ = os.Remove(path)
			stats.MetadataRemoved++
			return nil
		}

		if meta.Expired(now) || meta.Exhausted() {
			if err := os.Remove(path); err == nil {
				stats.MetadataRemoved++
				s.publish(events.EventFileReclaimed, &meta)
			}
			return nil
		}

		live[meta.Hash] = struct{}{}
		return nil
	})
	if err != nil {
		return stats, err
	}

	err = filepath.Walk(s.blobRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, referenced := live[info.Name()]; referenced {
			return nil
		}
		if err := os.Remove(path); err == nil {
			stats.BlobsRemoved++
			metrics.StoreReclaimedBlobs.Inc()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	entries, _ := os.ReadDir(s.tmpRoot())
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > tmpMaxAge {
			if err := os.Remove(filepath.Join(s.tmpRoot(), entry.Name())); err == nil {
				stats.TempRemoved++
			}
		}
	}

	s.logger.Info().
		Int("metadata_removed", stats.MetadataRemoved).
		Int("blobs_removed", stats.BlobsRemoved).
		Int("temp_removed", stats.TempRemoved).
		Msg("store sweep complete")
	return stats, nil
}

// RunReclaimer sweeps the store on the given interval until ctx is done.
func (s *Store) RunReclaimer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Reclaim(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("store sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
