package operators

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

// stubEmitter records everything an operator stages.
type stubEmitter struct {
	rows  []json.RawMessage
	keyed map[string][]json.RawMessage
	docs  map[string][]byte
}

func newStubEmitter() *stubEmitter {
	return &stubEmitter{keyed: map[string][]json.RawMessage{}, docs: map[string][]byte{}}
}

func (e *stubEmitter) Emit(rows ...json.RawMessage) { e.rows = append(e.rows, rows...) }

func (e *stubEmitter) EmitKeyed(key string, rows ...json.RawMessage) {
	e.keyed[key] = append(e.keyed[key], rows...)
}

func (e *stubEmitter) EmitDocument(query string, doc []byte) error {
	e.docs[query] = doc
	return nil
}

func batchOf[T any](t *testing.T, rows ...T) protocol.Batch {
	t.Helper()
	raw, err := protocol.MarshalRows(rows)
	require.NoError(t, err)
	return protocol.Batch{Rows: raw}
}

func newOpSession(t *testing.T, op worker.Operator, id string) *session.Session {
	t.Helper()
	s := session.New(id, op.Handler())
	op.StartOfSession(s)
	return s
}

// replaySession rebuilds a session by replaying the staged ops through the
// handler, the way WAL recovery does after a crash.
func replaySession(t *testing.T, op worker.Operator, s *session.Session) *session.Session {
	t.Helper()
	fresh := session.New(s.ID, op.Handler())
	for _, staged := range s.PendingOps {
		// round-trip through JSON so typed payloads decay to what a WAL
		// line would carry
		raw, err := json.Marshal(staged)
		require.NoError(t, err)
		var decoded session.Op
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.NoError(t, fresh.Apply(op.Handler(), decoded))
	}
	return fresh
}
