package orchestrator

import (
	"context"
	"strings"
	"time"

	apievents "github.com/containerd/containerd/api/events"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/typeurl/v2"

	"github.com/kiln-sh/kiln/pkg/types"
)

// WatchWorkers subscribes to containerd events and translates them into
// worker state transitions. On any stream failure the subscription is
// re-established and the current state of every matching worker is
// re-emitted first, so a consumer that diffs against its own tracking
// never misses a transition.
func (c *Containerd) WatchWorkers(ctx context.Context, prefix string) <-chan types.WorkerEvent {
	out := make(chan types.WorkerEvent, 64)

	go func() {
		defer close(out)

		backoff := time.Second
		for ctx.Err() == nil {
			if err := c.watchOnce(ctx, prefix, out); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("watch stream failed, reconnecting")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}()

	return out
}

func (c *Containerd) watchOnce(ctx context.Context, prefix string, out chan<- types.WorkerEvent) error {
	nsCtx := namespaces.WithNamespace(ctx, c.namespace)

	// Subscribe before listing so transitions racing the snapshot are
	// observed on the stream rather than lost.
	envelopes, errs := c.client.EventService().Subscribe(nsCtx)

	snapshot, err := c.ListWorkers(ctx, prefix)
	if err != nil {
		return err
	}
	for _, ev := range snapshot {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case envelope := <-envelopes:
			if envelope == nil {
				continue
			}
			ev, ok := c.translate(envelope.Event, prefix)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case err := <-errs:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Containerd) translate(any typeurl.Any, prefix string) (types.WorkerEvent, bool) {
	if any == nil {
		return types.WorkerEvent{}, false
	}
	decoded, err := typeurl.UnmarshalAny(any)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to decode event")
		return types.WorkerEvent{}, false
	}

	var name string
	var phase types.WorkerPhase

	switch e := decoded.(type) {
	case *apievents.TaskStart:
		name, phase = e.ContainerID, types.PhaseRunning
	case *apievents.TaskExit:
		name, phase = e.ContainerID, types.PhaseStopped
	case *apievents.TaskDelete:
		name, phase = e.ContainerID, types.PhaseStopped
	case *apievents.ContainerCreate:
		name, phase = e.ID, types.PhasePending
	case *apievents.ContainerDelete:
		name, phase = e.ID, types.PhaseGone
	default:
		return types.WorkerEvent{}, false
	}

	if !strings.HasPrefix(name, prefix) {
		return types.WorkerEvent{}, false
	}
	return types.WorkerEvent{
		Name:  name,
		Phase: phase,
		Ready: phase == types.PhaseRunning,
	}, true
}
