// Package blobstore implements the content-addressed file object store.
//
// Blobs live under <root>/blobs/<shard>/<hash>, addressed by the SHA-256
// of their bytes and immutable once published. Per-(chat_id, filename,
// hash) metadata lives in JSON sidecars under <root>/meta/<chat_id>/,
// carrying the download quota and expiry. Blob publication relies on the
// filesystem's atomic rename; metadata mutations are serialized by a
// per-key lock. A store-wide barrier keeps reclamation from deleting a
// blob while a put is in flight.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/events"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/metrics"
	"github.com/kiln-sh/kiln/pkg/types"
)

var hashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a content-addressed blob store with quota/expiry metadata.
type Store struct {
	root   string
	logger zerolog.Logger
	broker *events.Broker // may be nil

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// barrier: puts hold the read side, reclamation holds the write side.
	barrier sync.RWMutex

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEventBroker publishes file lifecycle events to the given broker.
func WithEventBroker(b *events.Broker) Option {
	return func(s *Store) { s.broker = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open initializes the store directory layout under root.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		logger: log.WithComponent("blobstore"),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.blobRoot(), s.metaRoot(), s.tmpRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return s, nil
}

func (s *Store) blobRoot() string { return filepath.Join(s.root, "blobs") }
func (s *Store) metaRoot() string { return filepath.Join(s.root, "meta") }
func (s *Store) tmpRoot() string  { return filepath.Join(s.root, "tmp") }

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.blobRoot(), hash[:2], hash)
}

func (s *Store) metaPath(chatID, filename, hash string) string {
	return filepath.Join(s.metaRoot(), chatID, hash+"__"+filename+".json")
}

func (s *Store) keyLock(chatID, filename, hash string) *sync.Mutex {
	key := chatID + "\x00" + filename + "\x00" + hash
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func validKey(chatID, filename string) error {
	if chatID == "" || strings.ContainsAny(chatID, "/\x00") || chatID == "." || chatID == ".." {
		return errdef.New(errdef.KindInvalidArgument, "invalid chat id %q", chatID)
	}
	if filename == "" || strings.ContainsAny(filename, "/\x00") || filename == "." || filename == ".." {
		return errdef.New(errdef.KindInvalidArgument, "invalid filename %q", filename)
	}
	return nil
}

// Put streams r into the store and publishes the blob under its SHA-256.
// Storing the same bytes twice is idempotent. Metadata for an existing
// (chat_id, filename, hash) is merged by taking the minimum remaining
// downloads and the earlier expiry; quotas are never extended.
// maxDownloads <= 0 means unlimited.
func (s *Store) Put(chatID, filename string, r io.Reader, maxDownloads int64, expiresAt *time.Time) (*types.FileMetadata, error) {
	if err := validKey(chatID, filename); err != nil {
		return nil, err
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	tmp, err := os.CreateTemp(s.tmpRoot(), "put-*")
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues("put", "error").Inc()
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, hasher))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues("put", "error").Inc()
		return nil, fmt.Errorf("failed to stream blob: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	blobPath := s.blobPath(hash)
	if _, err := os.Stat(blobPath); err != nil {
		if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create blob shard: %w", err)
		}
		if err := os.Rename(tmpName, blobPath); err != nil {
			metrics.StoreOpsTotal.WithLabelValues("put", "error").Inc()
			return nil, fmt.Errorf("failed to publish blob: %w", err)
		}
	}

	meta := &types.FileMetadata{
		ChatID:    chatID,
		Filename:  filename,
		Hash:      hash,
		SizeBytes: size,
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
	}
	if maxDownloads > 0 {
		remaining := maxDownloads
		meta.RemainingDownloads = &remaining
	}

	lock := s.keyLock(chatID, filename, hash)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.readMeta(chatID, filename, hash); err == nil {
		meta = mergeMeta(existing, meta)
	}
	if err := s.writeMeta(meta); err != nil {
		metrics.StoreOpsTotal.WithLabelValues("put", "error").Inc()
		return nil, err
	}

	metrics.StoreOpsTotal.WithLabelValues("put", "ok").Inc()
	metrics.StoreBytesWritten.Add(float64(size))
	s.publish(events.EventFileStored, meta)
	s.logger.Debug().Str("chat_id", chatID).Str("file", filename).Str("hash", hash).Int64("bytes", size).Msg("stored file")
	return meta, nil
}

// mergeMeta resolves concurrent puts of the same identity by taking the
// stricter policy on both axes.
func mergeMeta(old, new_ *types.FileMetadata) *types.FileMetadata {
	merged := *new_
	merged.CreatedAt = old.CreatedAt

	switch {
	case old.RemainingDownloads == nil:
		// unlimited; the new quota (or nil) wins
	case merged.RemainingDownloads == nil || *old.RemainingDownloads < *merged.RemainingDownloads:
		v := *old.RemainingDownloads
		merged.RemainingDownloads = &v
	}

	if old.ExpiresAt != nil && (merged.ExpiresAt == nil || old.ExpiresAt.Before(*merged.ExpiresAt)) {
		t := *old.ExpiresAt
		merged.ExpiresAt = &t
	}
	return &merged
}

// Get opens the blob for reading. When decrement is true one download is
// reserved against the quota at open, so concurrent reads can never
// over-serve it; an aborted stream returns the reservation on Close.
// Reads of expired or exhausted entries fail.
func (s *Store) Get(chatID, filename, hash string, decrement bool) (io.ReadCloser, *types.FileMetadata, error) {
	if err := validKey(chatID, filename); err != nil {
		return nil, nil, err
	}
	if !hashRe.MatchString(hash) {
		return nil, nil, errdef.New(errdef.KindInvalidArgument, "invalid content hash %q", hash)
	}

	lock := s.keyLock(chatID, filename, hash)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(chatID, filename, hash)
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues("get", "not_found").Inc()
		return nil, nil, err
	}

	if meta.Expired(s.now()) {
		// Zero the quota so the sweep reclaims the entry.
		if meta.RemainingDownloads == nil || *meta.RemainingDownloads != 0 {
			zero := int64(0)
			meta.RemainingDownloads = &zero
			_ = s.writeMeta(meta)
		}
		metrics.StoreOpsTotal.WithLabelValues("get", "expired").Inc()
		return nil, nil, errdef.New(errdef.KindExpired, "file %s has expired", filename)
	}
	if meta.Exhausted() {
		metrics.StoreOpsTotal.WithLabelValues("get", "quota_exhausted").Inc()
		return nil, nil, errdef.New(errdef.KindQuotaExhausted, "download limit reached for file %s", filename)
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		metrics.StoreOpsTotal.WithLabelValues("get", "not_found").Inc()
		return nil, nil, errdef.Wrap(errdef.KindNotFound, err, "blob %s not found", hash)
	}

	metrics.StoreOpsTotal.WithLabelValues("get", "ok").Inc()
	if !decrement || meta.RemainingDownloads == nil {
		return f, meta, nil
	}

	// Reserve the download while the key lock is still held: two
	// overlapping reads of a quota-1 file must not both be served.
	*meta.RemainingDownloads--
	if err := s.writeMeta(meta); err != nil {
		f.Close()
		return nil, nil, errdef.Wrap(errdef.KindInternal, err, "failed to reserve download")
	}
	return &reservedReader{f: f, store: s, meta: meta}, meta, nil
}

// Stat returns the metadata for a stored file without touching the quota.
func (s *Store) Stat(chatID, filename, hash string) (*types.FileMetadata, error) {
	if err := validKey(chatID, filename); err != nil {
		return nil, err
	}
	lock := s.keyLock(chatID, filename, hash)
	lock.Lock()
	defer lock.Unlock()
	return s.readMeta(chatID, filename, hash)
}

// Expire marks the entry as spent: zero quota, expiry now. Idempotent.
func (s *Store) Expire(chatID, filename, hash string) error {
	if err := validKey(chatID, filename); err != nil {
		return err
	}

	lock := s.keyLock(chatID, filename, hash)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(chatID, filename, hash)
	if err != nil {
		return err
	}

	zero := int64(0)
	now := s.now().UTC()
	meta.RemainingDownloads = &zero
	meta.ExpiresAt = &now
	if err := s.writeMeta(meta); err != nil {
		return err
	}

	metrics.StoreOpsTotal.WithLabelValues("expire", "ok").Inc()
	s.publish(events.EventFileExpired, meta)
	return nil
}

func (s *Store) readMeta(chatID, filename, hash string) (*types.FileMetadata, error) {
	data, err := os.ReadFile(s.metaPath(chatID, filename, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdef.New(errdef.KindNotFound, "file %s (%s) not found for chat %s", filename, hash, chatID)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta types.FileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &meta, nil
}

func (s *Store) writeMeta(meta *types.FileMetadata) error {
	path := s.metaPath(meta.ChatID, meta.Filename, meta.Hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(s.tmpRoot(), "meta-*")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close metadata file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish metadata: %w", err)
	}
	return nil
}

func (s *Store) publish(t events.EventType, meta *types.FileMetadata) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type: t,
		Metadata: map[string]string{
			"chat_id":  meta.ChatID,
			"filename": meta.Filename,
			"hash":     meta.Hash,
		},
	})
}

// reservedReader carries one reserved download. The reservation is kept
// when the stream reaches EOF and returned on an aborted Close, so
// partial downloads do not consume quota.
type reservedReader struct {
	f      *os.File
	store  *Store
	meta   *types.FileMetadata
	sawEOF bool
	once   sync.Once
}

func (r *reservedReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err == io.EOF {
		r.sawEOF = true
	}
	return n, err
}

func (r *reservedReader) Close() error {
	err := r.f.Close()
	if !r.sawEOF {
		r.once.Do(r.restore)
	}
	return err
}

// restore returns the reservation after an aborted download. An entry
// expired or explicitly spent in the meantime stays spent.
func (r *reservedReader) restore() {
	s := r.store
	lock := s.keyLock(r.meta.ChatID, r.meta.Filename, r.meta.Hash)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(r.meta.ChatID, r.meta.Filename, r.meta.Hash)
	if err != nil || meta.RemainingDownloads == nil || meta.Expired(s.now()) {
		return
	}
	*meta.RemainingDownloads++
	if err := s.writeMeta(meta); err != nil {
		s.logger.Error().Err(err).Str("hash", meta.Hash).Msg("failed to restore download reservation")
	}
}
