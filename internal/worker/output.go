package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/observability"
	"github.com/fairyhunter13/brewflow/internal/protocol"
)

// output is one downstream declaration plus its row buffer. Rows accumulate
// per routing key; key "" is the message-level bucket whose key is resolved
// when the batch is flushed with its fresh message ID.
type output struct {
	spec    config.OutputSpec
	pub     domain.Publisher
	buckets map[string][]json.RawMessage
	rows    int
}

// emitter implements Emitter over the stage's outputs for one session at a
// time. The runtime is single-threaded through the event loop, so rebinding
// the session between messages is safe.
type emitter struct {
	stage      string
	outputs    []*output
	bufferSize int
	sessionID  string

	ctx context.Context
	err error // first spill failure, surfaced by the flush ending the message
}

func newEmitter(stage string, outputs []*output, bufferSize int) *emitter {
	return &emitter{stage: stage, outputs: outputs, bufferSize: bufferSize, ctx: context.Background()}
}

func (e *emitter) bind(ctx context.Context, sessionID string) {
	e.ctx = ctx
	e.sessionID = sessionID
	e.err = nil
}

// NewMessageID returns a fresh dedup identity for an outgoing batch:
// a UUIDv4 as 32 hex chars. IDs are never derived from content, so identical
// batches from different upstreams stay distinct.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *emitter) Emit(rows ...json.RawMessage) {
	for _, o := range e.outputs {
		for _, row := range rows {
			key := ""
			if k, ok := RowKey(o.spec, row); ok {
				key = k
			}
			o.buckets[key] = append(o.buckets[key], row)
			o.rows++
		}
	}
	e.spill()
}

func (e *emitter) EmitKeyed(key string, rows ...json.RawMessage) {
	for _, o := range e.outputs {
		o.buckets[key] = append(o.buckets[key], rows...)
		o.rows += len(rows)
	}
	e.spill()
}

// EmitDocument publishes a final query artifact in a single message so the
// result is all-or-nothing.
func (e *emitter) EmitDocument(query string, doc []byte) error {
	body, err := json.Marshal(protocol.ResultDoc{Query: query, Document: doc})
	if err != nil {
		return fmt.Errorf("marshal result doc: %w", err)
	}
	for _, o := range e.outputs {
		if err := e.publish(o, query, body); err != nil {
			return err
		}
	}
	return nil
}

// overflowing reports whether any output buffer crossed the size threshold.
func (e *emitter) overflowing() bool {
	for _, o := range e.outputs {
		if o.rows >= e.bufferSize {
			return true
		}
	}
	return false
}

// spill drains mid-message once a buffer crosses the threshold, so one huge
// input cannot pin its whole output in memory. Emit has no error return; a
// failed spill is remembered and surfaced by the flush ending the message.
func (e *emitter) spill() {
	if e.err != nil {
		return
	}
	if e.overflowing() {
		e.err = e.drain()
	}
}

// flush drains whatever is still buffered and reports any earlier spill
// failure, so the message is not committed over a lost publish.
func (e *emitter) flush() error {
	if e.err != nil {
		err := e.err
		e.err = nil
		return err
	}
	return e.drain()
}

// drain empties every buffered bucket as one packed batch per (output, key)
// with a fresh message ID.
func (e *emitter) drain() error {
	for _, o := range e.outputs {
		for key, rows := range o.buckets {
			if len(rows) == 0 {
				continue
			}
			body, err := protocol.Batch{Rows: rows}.Encode()
			if err != nil {
				return err
			}
			routingKey := key
			msgID := NewMessageID()
			if routingKey == "" {
				routingKey = MessageKey(o.spec, msgID)
			}
			if err := e.publishWithID(o, routingKey, body, msgID); err != nil {
				return err
			}
		}
		o.buckets = make(map[string][]json.RawMessage)
		o.rows = 0
	}
	return nil
}

// emitEOF publishes the single terminal EOF on every output. Leader only.
// The EOF travels on the broadcast key so every downstream replica observes
// end-of-stream directly; each data queue carries a broadcast binding.
func (e *emitter) emitEOF() error {
	body, err := protocol.EOFBatch().Encode()
	if err != nil {
		return err
	}
	for _, o := range e.outputs {
		if err := e.publishWithID(o, BroadcastKey, body, NewMessageID()); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) publish(o *output, routingKey string, body []byte) error {
	return e.publishWithID(o, routingKey, body, NewMessageID())
}

func (e *emitter) publishWithID(o *output, routingKey string, body []byte, msgID string) error {
	headers := map[string]string{
		domain.HeaderSessionID: e.sessionID,
		domain.HeaderMessageID: msgID,
	}
	if err := o.pub.Publish(e.ctx, body, routingKey, headers); err != nil {
		return fmt.Errorf("publish to %s key %s: %w", o.spec.Name, routingKey, err)
	}
	observability.BatchesPublishedTotal.WithLabelValues(e.stage, o.spec.Name).Inc()
	return nil
}
