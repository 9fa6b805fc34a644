package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
)

// containerRestarter is the slice of Reviver the checker needs; tests
// substitute a recorder.
type containerRestarter interface {
	Revive(ctx context.Context, name string) error
}

// Checker is one health-checker replica: it collects worker heartbeats,
// keeps the peer mesh alive, runs leader election, and, while leader,
// revives every container that went silent.
type Checker struct {
	cfg      config.HealthCheckerConfig
	reg      *Registry
	listener *Listener
	server   *PeerServer
	client   *PeerClient
	elector  *Elector
	reviver  containerRestarter
}

// New wires a checker from its environment configuration.
func New(cfg config.HealthCheckerConfig) (*Checker, error) {
	reg, err := NewRegistry(cfg.PersistPath)
	if err != nil {
		return nil, err
	}
	listener, err := NewListener(cfg.WorkerPort, reg)
	if err != nil {
		return nil, err
	}
	server, err := NewPeerServer(cfg.PeerPort)
	if err != nil {
		return nil, err
	}
	client := NewPeerClient(cfg.PeerAddr)
	elector := NewElector(cfg.ReplicaID, cfg.Replicas,
		cfg.ElectionTimeout, cfg.CoordinatorTimeout, cfg.PeerTimeout,
		client, server.Packets())
	reviver, err := NewReviver()
	if err != nil {
		return nil, err
	}
	return &Checker{
		cfg:      cfg,
		reg:      reg,
		listener: listener,
		server:   server,
		client:   client,
		elector:  elector,
		reviver:  reviver,
	}, nil
}

// Run drives every loop until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	// siblings are watched from the start even if they never send
	now := time.Now().UTC()
	for id := 0; id < c.cfg.Replicas; id++ {
		if id != c.cfg.ReplicaID {
			c.reg.Observe(fmt.Sprintf(c.cfg.PeerHostPattern, id), now)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.listener.Run(ctx) })
	g.Go(func() error { return c.server.Run(ctx) })
	g.Go(func() error { c.elector.Run(ctx); return nil })
	g.Go(func() error { return c.heartbeatLoop(ctx) })
	g.Go(func() error { return c.checkLoop(ctx) })

	err := g.Wait()
	c.client.Close()
	if saveErr := c.reg.Save(); saveErr != nil {
		slog.Error("persist registry on shutdown", slog.Any("error", saveErr))
	}
	return err
}

// heartbeatLoop keeps the mesh warm: every replica heartbeats every
// sibling, and the leader re-announces itself on the same tick.
func (c *Checker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PeerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pkt, err := encodePeer(protocol.TypeHCHeartbeat, domain.HCHeartbeat{
				HCID:      c.cfg.ReplicaID,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			for id := 0; id < c.cfg.Replicas; id++ {
				if id == c.cfg.ReplicaID {
					continue
				}
				if err := c.client.Send(id, pkt); err != nil {
					slog.Debug("peer heartbeat failed", slog.Int("peer", id), slog.Any("error", err))
				}
			}
			c.elector.AnnounceIfLeader()
			// the peers we reached count as sightings of us; our own
			// container is alive by definition
			c.reg.Observe(fmt.Sprintf(c.cfg.PeerHostPattern, c.cfg.ReplicaID), time.Now().UTC())
		}
	}
}

// checkLoop sweeps the registry. Only the leader revives; followers still
// persist so a promoted follower starts with a warm registry.
func (c *Checker) checkLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.reg.Save(); err != nil {
				slog.Error("persist registry", slog.Any("error", err))
			}
			if !c.elector.IsLeader() {
				continue
			}
			now := time.Now().UTC()
			for _, name := range c.reg.Stale(now, c.cfg.WorkerTimeout) {
				slog.Warn("container silent, reviving",
					slog.String("container", name),
					slog.Duration("timeout", c.cfg.WorkerTimeout))
				if err := c.reviver.Revive(ctx, name); err != nil {
					slog.Error("revival failed", slog.String("container", name), slog.Any("error", err))
					continue
				}
				// grace period so the restart is not retried every sweep
				c.reg.Observe(name, now)
			}
		}
	}
}
