package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/brewflow/internal/observability"
)

// Hooks are the operator lifecycle callbacks the manager drives.
type Hooks interface {
	// StartOfSession runs when a session is first seen.
	StartOfSession(s *Session)
	// EndOfSession runs once per session, before the replica's own EOF
	// marker is broadcast; it emits the terminal outputs of the stage.
	EndOfSession(s *Session) error
}

// Manager tracks the live sessions of one stage replica and their lifecycle:
// creation on first sight, EOF accounting, flush, and persistence.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	handler  StateHandler
	hooks    Hooks
	sessions map[string]*Session
	flushed  map[string]bool

	stage     string
	instances int
	leader    bool
}

// NewManager wires a manager for a stage replica. instances is the replica
// count of the stage; leader marks replica 0.
func NewManager(store *Store, handler StateHandler, hooks Hooks, stage string, instances int, leader bool) *Manager {
	return &Manager{
		store:     store,
		handler:   handler,
		hooks:     hooks,
		sessions:  make(map[string]*Session),
		flushed:   make(map[string]bool),
		stage:     stage,
		instances: instances,
		leader:    leader,
	}
}

// GetOrInit returns the session, creating it and running the operator's
// start-of-session hook on first sight.
func (m *Manager) GetOrInit(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := New(id, m.handler)
	m.hooks.StartOfSession(s)
	m.sessions[id] = s
	observability.SessionsActive.WithLabelValues(m.stage).Set(float64(len(m.sessions)))
	slog.Debug("session created", slog.String("session_id", id), slog.String("stage", m.stage))
	return s
}

// Flushable reports whether the session's EOF condition holds: the leader
// waits for every replica of the stage, a follower flushes on the first
// marker.
func (m *Manager) Flushable(s *Session) bool {
	if m.leader {
		return len(s.EOFCollected) >= m.instances
	}
	return len(s.EOFCollected) >= 1
}

// Finalize runs the end-of-session hook: the operator's terminal outputs
// leave through the emitter. The worker calls it before broadcasting its own
// EOF marker, so a marker on the wire means the outputs already left.
func (m *Manager) Finalize(s *Session) error {
	if err := m.hooks.EndOfSession(s); err != nil {
		return fmt.Errorf("end of session %s: %w", s.ID, err)
	}
	return nil
}

// Retire deletes the session's persisted state and remembers the ID so
// control markers echoed after the flush cannot resurrect it.
func (m *Manager) Retire(s *Session) error {
	if err := m.store.Remove(s.ID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.flushed[s.ID] = true
	observability.SessionsActive.WithLabelValues(m.stage).Set(float64(len(m.sessions)))
	m.mu.Unlock()
	observability.SessionsFlushedTotal.WithLabelValues(m.stage).Inc()
	slog.Info("session flushed", slog.String("session_id", s.ID), slog.String("stage", m.stage))
	return nil
}

// Flushed reports whether a session was already retired.
func (m *Manager) Flushed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed[id]
}

// CommitBatch persists the session's pending ops as one committed batch.
func (m *Manager) CommitBatch(s *Session, batchID string) error {
	return m.store.CommitBatch(s, batchID)
}

// SaveSessions snapshots every live session; used on graceful shutdown.
func (m *Manager) SaveSessions() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Mu.Lock()
		err := m.store.Compact(s)
		s.Mu.Unlock()
		if err != nil {
			return fmt.Errorf("save session %s: %w", s.ID, err)
		}
	}
	return nil
}

// LoadSessions rehydrates sessions from disk; called on startup before
// consuming.
func (m *Manager) LoadSessions() error {
	loaded, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range loaded {
		m.sessions[id] = s
	}
	observability.SessionsActive.WithLabelValues(m.stage).Set(float64(len(m.sessions)))
	if len(loaded) > 0 {
		slog.Info("sessions recovered", slog.Int("count", len(loaded)), slog.String("stage", m.stage))
	}
	return nil
}

// Sessions returns the live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
