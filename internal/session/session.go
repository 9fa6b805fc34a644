// Package session holds per-session worker state and its durability: an
// append-only WAL of operations since the last snapshot, periodic snapshot
// compaction, and crash recovery as snapshot plus replay of committed ops.
package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

// WAL operation type tags. System ops maintain the dedup and EOF sets; every
// other tag belongs to the operator's reducer.
const (
	OpSysMsg    = "__sys_msg"
	OpSysEOF    = "__sys_eof"
	OpSysCommit = "__sys_commit"
)

// Op is one WAL record: a JSON object tagged by its "type" field.
type Op map[string]any

// Type returns the op's tag, or "" when absent.
func (o Op) Type() string {
	s, _ := o["type"].(string)
	return s
}

// Str returns a string field of the op.
func (o Op) Str(key string) string {
	s, _ := o[key].(string)
	return s
}

// Int returns an integer field of the op. JSON numbers decode as float64.
func (o Op) Int(key string) int {
	switch v := o[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Int64 returns a 64-bit integer field of the op.
func (o Op) Int64(key string) int64 {
	switch v := o[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Float returns a float field of the op.
func (o Op) Float(key string) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// SysMsg records a processed message ID for dedup.
func SysMsg(msgID string) Op { return Op{"type": OpSysMsg, "msg_id": msgID} }

// SysEOF records a stage replica having signalled end-of-stream.
func SysEOF(workerID int) Op { return Op{"type": OpSysEOF, "worker_id": workerID} }

// SysCommit terminates a batch of ops; ops after the last commit marker are
// discarded on recovery.
func SysCommit(batchID string) Op { return Op{"type": OpSysCommit, "batch_id": batchID} }

// StateHandler gives the store the operator-specific half of session state:
// how to create it, reduce ops into it, and decode it from a snapshot.
type StateHandler interface {
	NewState() any
	Reduce(state any, op Op) (any, error)
	DecodeState(raw json.RawMessage) (any, error)
}

// Session is the per-(stage replica, session_id) state.
//
// Message handling is serialized by the worker's single event-loop
// goroutine, not by Mu; Mu only pins the state while Manager.SaveSessions
// snapshots it on shutdown.
type Session struct {
	Mu sync.Mutex

	ID           string
	EOFCollected map[int]bool
	MsgsReceived map[string]bool
	Storage      any

	// PendingOps are the operations applied since the last WAL flush.
	PendingOps []Op

	// Diverted parks unacked main-stream deliveries of an enricher until
	// the reference stream's EOF is observed. Not persisted: the broker
	// redelivers unacked diverted messages after a crash.
	Diverted []domain.Delivery
}

// New returns an empty session with operator state from handler.
func New(id string, handler StateHandler) *Session {
	return &Session{
		ID:           id,
		EOFCollected: make(map[int]bool),
		MsgsReceived: make(map[string]bool),
		Storage:      handler.NewState(),
	}
}

// IsDuplicate reports whether msgID was already processed.
func (s *Session) IsDuplicate(msgID string) bool { return s.MsgsReceived[msgID] }

// Apply runs op through the session, mutating the dedup set, the EOF set, or
// the operator storage via the handler's reducer, and stages the op for the
// next WAL flush.
func (s *Session) Apply(handler StateHandler, op Op) error {
	if err := s.reduce(handler, op); err != nil {
		return err
	}
	s.PendingOps = append(s.PendingOps, op)
	return nil
}

func (s *Session) reduce(handler StateHandler, op Op) error {
	switch op.Type() {
	case OpSysMsg:
		s.MsgsReceived[op.Str("msg_id")] = true
	case OpSysEOF:
		s.EOFCollected[op.Int("worker_id")] = true
	case OpSysCommit:
		// commit markers only delimit batches
	case "":
		return fmt.Errorf("%w: op without type", domain.ErrInvalidArgument)
	default:
		next, err := handler.Reduce(s.Storage, op)
		if err != nil {
			return fmt.Errorf("reduce %s: %w", op.Type(), err)
		}
		s.Storage = next
	}
	return nil
}
