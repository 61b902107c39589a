// Package types contains the core data structures shared across kiln packages.
package types

import (
	"time"
)

// WorkerState tracks a sandbox worker through its lifecycle.
// Transitions are monotonic toward StateGone.
type WorkerState string

const (
	StateProvisioning WorkerState = "provisioning"
	StateReady        WorkerState = "ready"
	StateAssigned     WorkerState = "assigned"
	StateTerminating  WorkerState = "terminating"
	StateGone         WorkerState = "gone"
)

// WorkerPhase is the last phase observed from the orchestrator.
type WorkerPhase string

const (
	PhasePending WorkerPhase = "pending"
	PhaseRunning WorkerPhase = "running"
	PhaseStopped WorkerPhase = "stopped"
	PhaseGone    WorkerPhase = "gone"
)

// Worker is an ephemeral sandbox container tracked by the pool.
type Worker struct {
	Name      string      `json:"name"`
	State     WorkerState `json:"state"`
	Phase     WorkerPhase `json:"phase"`
	ChatID    string      `json:"chat_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// WorkerEvent is one state transition observed on the orchestrator watch
// stream. After a reconnect the current state of every matching worker is
// re-emitted, so consumers never miss a transition.
type WorkerEvent struct {
	Name  string
	Phase WorkerPhase
	Ready bool
}

// FileMetadata is the durable sidecar record for one stored file,
// keyed by (chat_id, filename, content hash).
type FileMetadata struct {
	ChatID    string    `json:"chat_id"`
	Filename  string    `json:"filename"`
	Hash      string    `json:"file_hash"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`

	// RemainingDownloads is nil for unlimited, otherwise it only ever
	// decreases. A value of zero means the file can no longer be served.
	RemainingDownloads *int64 `json:"remaining_downloads"`

	// ExpiresAt is nil for no expiry.
	ExpiresAt *time.Time `json:"expires_at"`
}

// Expired reports whether the entry has passed its expiry instant.
func (m *FileMetadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Exhausted reports whether the download quota has been used up.
func (m *FileMetadata) Exhausted() bool {
	return m.RemainingDownloads != nil && *m.RemainingDownloads <= 0
}

// ExecResult is the outcome of running user code in a worker.
// A non-zero exit code is a successful execution, not an error.
type ExecResult struct {
	Stdout        string                   `json:"stdout"`
	Stderr        string                   `json:"stderr"`
	ExitCode      int                      `json:"exit_code"`
	Files         map[string]string        `json:"files"`
	FilesMetadata map[string]*FileMetadata `json:"files_metadata"`
	ChatID        string                   `json:"chat_id"`
}
