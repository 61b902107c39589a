package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/types"
)

const (
	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultNamespace is the containerd namespace for kiln workers
	DefaultNamespace = "kiln"
)

// Containerd implements Client using a containerd daemon.
type Containerd struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerd creates a new containerd-backed orchestrator client.
func NewContainerd(socketPath, namespace string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Containerd{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("orchestrator"),
	}, nil
}

// Close closes the containerd client connection
func (c *Containerd) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// CreateWorker pulls the image if needed, creates the container and starts
// its task. Readiness is reported by the watch stream, not by this call.
func (c *Containerd) CreateWorker(ctx context.Context, name string, spec WorkerSpec) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	image, err := c.client.GetImage(ctx, spec.Image)
	if errdefs.IsNotFound(err) {
		err = withRetry(ctx, func() error {
			image, err = c.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("failed to resolve image %s: %w", spec.Image, err)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		withSandboxHardening(name),
	}
	if spec.Resources.CPUShares > 0 {
		specOpts = append(specOpts, oci.WithCPUShares(spec.Resources.CPUShares))
	}
	if spec.Resources.MemoryBytes > 0 {
		specOpts = append(specOpts, oci.WithMemoryLimit(uint64(spec.Resources.MemoryBytes)))
	}
	if spec.Resources.PidsLimit > 0 {
		specOpts = append(specOpts, oci.WithPidsLimit(spec.Resources.PidsLimit))
	}
	if len(spec.Extra.Annotations) > 0 {
		specOpts = append(specOpts, oci.WithAnnotations(spec.Extra.Annotations))
	}

	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	}
	if len(spec.Extra.Labels) > 0 {
		containerOpts = append(containerOpts, containerd.WithContainerLabels(spec.Extra.Labels))
	}

	container, err := c.client.NewContainer(ctx, name, containerOpts...)
	if err != nil {
		// A name conflict is fatal for this attempt; the caller
		// regenerates the name.
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to create task for %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to start task for %s: %w", name, err)
	}

	c.logger.Debug().Str("worker", name).Msg("worker container started")
	return nil
}

// withSandboxHardening names the sandbox after its worker and forbids
// privilege escalation for every process in it, execs included.
func withSandboxHardening(name string) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		s.Hostname = name
		if s.Process != nil {
			s.Process.NoNewPrivileges = true
		}
		return nil
	}
}

// Exec runs argv inside the worker's container and blocks until the remote
// process exits.
func (c *Containerd) Exec(ctx context.Context, name string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, name)
	if err != nil {
		return -1, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	ociSpec, err := container.Spec(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to read container spec: %w", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("failed to get task for %s: %w", name, err)
	}

	pspec := ociSpec.Process
	pspec.Args = argv
	pspec.Terminal = false

	execID := "exec-" + uuid.New().String()[:8]
	process, err := task.Exec(ctx, execID, pspec, cio.NewCreator(cio.WithStreams(stdin, stdout, stderr)))
	if err != nil {
		return -1, fmt.Errorf("failed to exec in %s: %w", name, err)
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), c.namespace), 10*time.Second)
		defer cancel()
		_, _ = process.Delete(cleanup, containerd.WithProcessKill)
	}()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to wait on exec process: %w", err)
	}

	if err := process.Start(ctx); err != nil {
		return -1, fmt.Errorf("failed to start exec process: %w", err)
	}

	select {
	case status := <-statusC:
		// Let the fifo copiers flush stdout/stderr before returning.
		process.IO().Wait()
		if err := status.Error(); err != nil {
			return -1, fmt.Errorf("exec process failed: %w", err)
		}
		return int(status.ExitCode()), nil

	case <-ctx.Done():
		kill, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), c.namespace), 10*time.Second)
		defer cancel()
		_ = process.Kill(kill, syscall.SIGKILL)
		return -1, fmt.Errorf("exec aborted: %w", ctx.Err())
	}
}

// DeleteWorker removes a worker container. Deleting an unknown worker is
// success; removal is best-effort and idempotent.
func (c *Containerd) DeleteWorker(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_ = task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			c.logger.Warn().Err(err).Str("worker", name).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}

	return nil
}

// ListWorkers returns the current phase of every matching worker.
func (c *Containerd) ListWorkers(ctx context.Context, prefix string) ([]types.WorkerEvent, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	containers, err := c.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []types.WorkerEvent
	for _, container := range containers {
		if !strings.HasPrefix(container.ID(), prefix) {
			continue
		}
		phase := c.phaseOf(ctx, container)
		out = append(out, types.WorkerEvent{
			Name:  container.ID(),
			Phase: phase,
			Ready: phase == types.PhaseRunning,
		})
	}
	return out, nil
}

func (c *Containerd) phaseOf(ctx context.Context, container containerd.Container) types.WorkerPhase {
	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.PhasePending
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.PhasePending
	}
	switch status.Status {
	case containerd.Running:
		return types.PhaseRunning
	case containerd.Stopped:
		return types.PhaseStopped
	default:
		return types.PhasePending
	}
}
