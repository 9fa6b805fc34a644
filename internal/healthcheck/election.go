package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/observability"
	"github.com/fairyhunter13/brewflow/internal/protocol"
)

// electorState is the Bully FSM state.
type electorState int

const (
	stateFollower electorState = iota
	stateElecting
	stateLeader
)

func (s electorState) String() string {
	switch s {
	case stateElecting:
		return "electing"
	case stateLeader:
		return "leader"
	default:
		return "follower"
	}
}

const noLeader = -1

// Elector runs Bully leader election over the peer mesh. Priority is the
// lowest replica ID: candidates challenge every lower-ID sibling and yield
// when any of them answers Ok. The single event goroutine owns all state;
// the mutex only guards the two snapshot accessors.
type Elector struct {
	id       int
	replicas int

	electionTimeout    time.Duration
	coordinatorTimeout time.Duration
	peerTimeout        time.Duration

	client  *PeerClient
	packets <-chan peerPacket

	mu       sync.Mutex
	state    electorState
	leaderID int

	lastLeaderSeen time.Time
	electionTimer  *time.Timer
	coordTimer     *time.Timer
}

func NewElector(id, replicas int, electionTimeout, coordinatorTimeout, peerTimeout time.Duration, client *PeerClient, packets <-chan peerPacket) *Elector {
	return &Elector{
		id:                 id,
		replicas:           replicas,
		electionTimeout:    electionTimeout,
		coordinatorTimeout: coordinatorTimeout,
		peerTimeout:        peerTimeout,
		client:             client,
		packets:            packets,
		state:              stateFollower,
		leaderID:           noLeader,
	}
}

// IsLeader reports whether this replica currently coordinates the cluster.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateLeader
}

// LeaderID returns the current leader, or -1 while unknown.
func (e *Elector) LeaderID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

func (e *Elector) setState(s electorState, leader int) {
	e.mu.Lock()
	e.state = s
	e.leaderID = leader
	e.mu.Unlock()
}

// Run drives the FSM until ctx is cancelled. On startup the replica waits
// one coordinator timeout for an existing leader to announce itself before
// forcing an election, so a revived replica joins a live cluster as a
// follower instead of preempting its leader.
func (e *Elector) Run(ctx context.Context) {
	e.electionTimer = time.NewTimer(e.electionTimeout)
	stopTimer(e.electionTimer)
	e.coordTimer = time.NewTimer(e.coordinatorTimeout)
	e.lastLeaderSeen = time.Now()

	leaderCheck := time.NewTicker(e.peerTimeout / 2)
	defer leaderCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-e.packets:
			e.onPacket(p)
		case <-e.electionTimer.C:
			// no Ok from any lower-ID sibling
			e.becomeLeader()
		case <-e.coordTimer.C:
			if e.leaderID == noLeader && e.state != stateLeader {
				slog.Info("no coordinator announced, starting election", slog.Int("hc_id", e.id))
				e.startElection()
			}
		case <-leaderCheck.C:
			e.checkLeader()
		}
	}
}

func (e *Elector) onPacket(p peerPacket) {
	switch p.Type {
	case protocol.TypeHCHeartbeat:
		if p.HCID == e.leaderID {
			e.lastLeaderSeen = time.Now()
		}
	case protocol.TypeHCElection:
		// Challenges come from lower-priority (higher ID) siblings only.
		if p.HCID > e.id {
			e.sendTo(p.HCID, protocol.TypeHCOk, domain.HCOk{HCID: e.id})
			if e.state != stateElecting && e.state != stateLeader {
				e.startElection()
			}
			if e.state == stateLeader {
				// remind the challenger who coordinates
				e.sendTo(p.HCID, protocol.TypeHCCoordinator, domain.HCCoordinator{HCID: e.id})
			}
		}
	case protocol.TypeHCOk:
		if e.state == stateElecting {
			slog.Info("yielding election", slog.Int("hc_id", e.id), slog.Int("ok_from", p.HCID))
			stopTimer(e.electionTimer)
			e.setState(stateFollower, noLeader)
			resetTimer(e.coordTimer, e.coordinatorTimeout)
		}
	case protocol.TypeHCCoordinator:
		if p.HCID == e.id {
			return
		}
		stopTimer(e.electionTimer)
		stopTimer(e.coordTimer)
		if e.leaderID != p.HCID {
			slog.Info("coordinator announced", slog.Int("hc_id", e.id), slog.Int("leader", p.HCID))
		}
		e.setState(stateFollower, p.HCID)
		e.lastLeaderSeen = time.Now()
	}
}

func (e *Elector) checkLeader() {
	e.mu.Lock()
	follower := e.state == stateFollower && e.leaderID != noLeader
	e.mu.Unlock()
	if follower && time.Since(e.lastLeaderSeen) > e.peerTimeout {
		slog.Warn("leader heartbeat lost", slog.Int("hc_id", e.id), slog.Int("leader", e.LeaderID()))
		e.startElection()
	}
}

func (e *Elector) startElection() {
	observability.ElectionsRunTotal.Inc()
	e.setState(stateElecting, noLeader)
	stopTimer(e.coordTimer)
	if e.id == 0 {
		// nobody outranks replica 0
		e.becomeLeader()
		return
	}
	slog.Info("starting election", slog.Int("hc_id", e.id))
	for id := 0; id < e.id; id++ {
		e.sendTo(id, protocol.TypeHCElection, domain.HCElection{HCID: e.id})
	}
	resetTimer(e.electionTimer, e.electionTimeout)
}

func (e *Elector) becomeLeader() {
	stopTimer(e.electionTimer)
	stopTimer(e.coordTimer)
	e.setState(stateLeader, e.id)
	slog.Info("assuming leadership", slog.Int("hc_id", e.id))
	e.announce()
}

// announce broadcasts the coordinator claim to every sibling. The leader
// re-announces on its heartbeat tick so revived followers relearn it.
func (e *Elector) announce() {
	for id := 0; id < e.replicas; id++ {
		if id == e.id {
			continue
		}
		e.sendTo(id, protocol.TypeHCCoordinator, domain.HCCoordinator{HCID: e.id})
	}
}

// AnnounceIfLeader re-broadcasts the coordinator claim. The checker calls
// it on the peer heartbeat tick; it only touches the thread-safe client.
func (e *Elector) AnnounceIfLeader() {
	if e.IsLeader() {
		e.announce()
	}
}

func (e *Elector) sendTo(id int, t protocol.PacketType, body any) {
	pkt, err := encodePeer(t, body)
	if err != nil {
		slog.Error("encode peer packet", slog.Any("error", err))
		return
	}
	if err := e.client.Send(id, pkt); err != nil {
		slog.Debug("peer unreachable", slog.Int("peer", id), slog.Any("error", err))
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
