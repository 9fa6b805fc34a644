package healthcheck

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/config"
)

type fakeRestarter struct {
	mu      sync.Mutex
	err     error
	revived []string
}

func (f *fakeRestarter) Revive(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.revived = append(f.revived, name)
	return nil
}

func (f *fakeRestarter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revived...)
}

func newCheckLoopFixture(t *testing.T, leader bool) (*Checker, *fakeRestarter) {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "workers.json"))
	require.NoError(t, err)

	elector := NewElector(0, 1, time.Minute, time.Minute, time.Minute,
		unreachableClient(), make(chan peerPacket))
	if leader {
		elector.setState(stateLeader, 0)
	}

	restarter := &fakeRestarter{}
	c := &Checker{
		cfg: config.HealthCheckerConfig{
			CheckInterval: 20 * time.Millisecond,
			WorkerTimeout: time.Second,
		},
		reg:     reg,
		elector: elector,
		reviver: restarter,
	}
	return c, restarter
}

func TestCheckLoopRevivesSilentContainers(t *testing.T) {
	c, restarter := newCheckLoopFixture(t, true)
	c.reg.Observe("dead_worker", time.Now().Add(-time.Hour))
	c.reg.Observe("live_worker", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.checkLoop(ctx) }()

	require.Eventually(t, func() bool {
		return len(restarter.names()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dead_worker"}, restarter.names())

	// the post-revival sighting grants a grace period: no restart storm
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, restarter.names(), 1)
}

func TestCheckLoopFollowerNeverRevives(t *testing.T) {
	c, restarter := newCheckLoopFixture(t, false)
	c.reg.Observe("dead_worker", time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.checkLoop(ctx) }()

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, restarter.names())
}

func TestCheckLoopRetriesFailedRevival(t *testing.T) {
	c, restarter := newCheckLoopFixture(t, true)
	restarter.err = errors.New("docker unavailable")
	c.reg.Observe("dead_worker", time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.checkLoop(ctx) }()

	// once docker comes back, the still-stale container is picked up
	time.Sleep(100 * time.Millisecond)
	restarter.mu.Lock()
	restarter.err = nil
	restarter.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(restarter.names()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
