// Package worker implements the generic stage runtime: the consumer loops,
// dedup, WAL commit, intra-stage EOF coordination, and output fan-out that
// every operator runs on.
package worker

import (
	"encoding/json"

	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
)

// Emitter stages outputs for the current session. Rows are buffered per
// output and flushed as packed batches with fresh message IDs.
type Emitter interface {
	// Emit appends rows to every output using its configured routing.
	Emit(rows ...json.RawMessage)
	// EmitKeyed appends rows under an explicit routing key, overriding the
	// output's routing function. Used by row-partitioning operators.
	EmitKeyed(key string, rows ...json.RawMessage)
	// EmitDocument publishes one final formatted document immediately and
	// atomically. Used by sinks.
	EmitDocument(query string, doc []byte) error
}

// Operator is the pluggable strategy giving a stage its semantics. Operator
// logic is CPU-only: all I/O belongs to the runtime.
type Operator interface {
	Name() string
	// Handler supplies the session-state codec and reducer for this
	// operator's storage.
	Handler() session.StateHandler
	StartOfSession(s *session.Session)
	// OnBatch applies one upstream batch: it decodes rows into the
	// operator's entity type, records state deltas as session ops, and may
	// stage outputs on the emitter.
	OnBatch(b protocol.Batch, s *session.Session, em Emitter) error
	// EndOfSession runs once per flushed session and stages the terminal
	// outputs.
	EndOfSession(s *session.Session, em Emitter) error
}

// ReferenceOperator is implemented by joiners and enrichers that consume a
// second, reference-data input.
type ReferenceOperator interface {
	Operator
	// OnReferenceBatch applies one reference batch (or its EOF marker) as
	// session ops.
	OnReferenceBatch(b protocol.Batch, s *session.Session) error
	// ReferenceReady reports whether the reference stream has completed
	// and diverted main data may be processed.
	ReferenceReady(s *session.Session) bool
}

// noState is the StateHandler of stateless operators (filters, transformers,
// routers): they record no storage ops.
type noState struct{}

func (noState) NewState() any { return nil }

func (noState) Reduce(state any, op session.Op) (any, error) { return state, nil }

func (noState) DecodeState(raw json.RawMessage) (any, error) { return nil, nil }

// NoState is shared by all stateless operators.
var NoState session.StateHandler = noState{}
