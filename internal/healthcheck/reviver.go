package healthcheck

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/fairyhunter13/brewflow/internal/observability"
)

// reviveStopTimeout is how long docker may take to stop a wedged container
// before killing it, in seconds.
const reviveStopTimeout = 30

// Reviver restarts dead containers through the docker engine API. Container
// names double as broker routing identities, so a revived worker resumes
// exactly the queues of its predecessor.
type Reviver struct {
	cli *client.Client
}

func NewReviver() (*Reviver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=healthcheck.NewReviver: %w", err)
	}
	return &Reviver{cli: cli}, nil
}

// Revive restarts the named container. A container that is merely stopped
// is started; a wedged one is stopped first.
func (r *Reviver) Revive(ctx context.Context, name string) error {
	timeout := reviveStopTimeout
	err := r.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil {
		observability.RevivalsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=healthcheck.Reviver.Revive: container %s: %w", name, err)
	}
	observability.RevivalsTotal.WithLabelValues("ok").Inc()
	slog.Info("container revived", slog.String("container", name))
	return nil
}

func (r *Reviver) Close() error { return r.cli.Close() }
