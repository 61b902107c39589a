// Package orchestrator is a thin capability over the container orchestrator:
// create a worker, watch worker state, exec inside a worker, delete a worker.
// The production implementation is backed by containerd; tests substitute
// the Client interface with an in-memory fake.
package orchestrator

import (
	"context"
	"io"
	"math/rand"

	"github.com/kiln-sh/kiln/pkg/config"
	"github.com/kiln-sh/kiln/pkg/types"
)

// WorkerSpec describes the container to create for a worker.
type WorkerSpec struct {
	Image     string
	Env       []string
	Resources config.Resources
	Extra     config.SpecExtra
}

// Client is the orchestrator capability used by the pool and the
// worker I/O protocol.
type Client interface {
	// CreateWorker submits a worker container and starts it. A name
	// conflict is fatal for the attempt; the caller regenerates the name.
	CreateWorker(ctx context.Context, name string, spec WorkerSpec) error

	// WatchWorkers emits state transitions for workers whose name matches
	// the prefix. The stream restarts itself on disconnect and re-emits
	// the current state of all matching workers after every (re)connect.
	// The channel closes when ctx is done.
	WatchWorkers(ctx context.Context, prefix string) <-chan types.WorkerEvent

	// ListWorkers returns the current state of all matching workers.
	ListWorkers(ctx context.Context, prefix string) ([]types.WorkerEvent, error)

	// Exec runs argv inside the worker, streaming stdin in and
	// stdout/stderr out, and returns the remote exit code. It blocks
	// until the remote process exits or ctx is done.
	Exec(ctx context.Context, name string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error)

	// DeleteWorker removes a worker. Deleting an unknown worker is success.
	DeleteWorker(ctx context.Context, name string) error

	// Close releases the underlying connection.
	Close() error
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomName generates a worker name from the configured prefix and a
// random lowercase/digit suffix.
func RandomName(prefix string) string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = nameAlphabet[rand.Intn(len(nameAlphabet))]
	}
	return prefix + string(b)
}
