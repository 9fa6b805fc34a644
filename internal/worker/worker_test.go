package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/adapter/broker/inmem"
	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
)

const testTimeout = 2 * time.Second

// passthrough forwards every row and emits a terminal marker row at end of
// session so tests can observe the flush.
type passthrough struct{ emitAtEnd bool }

func (p passthrough) Name() string                      { return "passthrough" }
func (p passthrough) Handler() session.StateHandler     { return NoState }
func (p passthrough) StartOfSession(_ *session.Session) {}

func (p passthrough) OnBatch(b protocol.Batch, _ *session.Session, em Emitter) error {
	if len(b.Rows) > 0 {
		em.Emit(b.Rows...)
	}
	return nil
}

func (p passthrough) EndOfSession(_ *session.Session, em Emitter) error {
	if p.emitAtEnd {
		row, err := protocol.MarshalRow(map[string]string{"final": "yes"})
		if err != nil {
			return err
		}
		em.Emit(row)
	}
	return nil
}

// chunker emits every row through its own Emit call, so the buffer
// threshold can trip in the middle of one input batch.
type chunker struct{ passthrough }

func (chunker) OnBatch(b protocol.Batch, _ *session.Session, em Emitter) error {
	for _, row := range b.Rows {
		em.Emit(row)
	}
	return nil
}

func testConfig(t *testing.T, stage string, replicaID, replicas int) config.WorkerConfig {
	t.Helper()
	t.Setenv("STAGE_NAME", stage)
	t.Setenv("MODULE_NAME", "passthrough")
	t.Setenv("REPLICA_ID", fmt.Sprint(replicaID))
	t.Setenv("REPLICAS", fmt.Sprint(replicas))
	t.Setenv("FROM", "upstream")
	t.Setenv("TO", `[{"name":"downstream","downstream_stage":"next","downstream_workers":1,"routing_fn":"default"}]`)
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("ENRICHER", "")
	cfg, err := config.LoadWorker()
	require.NoError(t, err)
	return cfg
}

// drain binds a test queue to the worker's output exchange and collects
// everything it receives.
func drain(t *testing.T, ctx context.Context, broker *inmem.Broker) <-chan domain.Delivery {
	t.Helper()
	_, cons, err := broker.Exchange("downstream", "direct", "observer", []string{"next_0", BroadcastKey})
	require.NoError(t, err)
	out := make(chan domain.Delivery, 64)
	go func() {
		_ = cons.Consume(ctx, func(d domain.Delivery) {
			_ = d.Ack()
			out <- d
		})
	}()
	return out
}

func publishData(t *testing.T, broker *inmem.Broker, key, sessionID, msgID string, b protocol.Batch) {
	t.Helper()
	pub, _, err := broker.Exchange("upstream", "direct", "", nil)
	require.NoError(t, err)
	body, err := b.Encode()
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), body, key, map[string]string{
		domain.HeaderSessionID: sessionID,
		domain.HeaderMessageID: msgID,
	}))
}

func receive(t *testing.T, out <-chan domain.Delivery) (protocol.Batch, domain.Delivery) {
	t.Helper()
	select {
	case d := <-out:
		b, err := protocol.DecodeBatch(d.Body)
		require.NoError(t, err)
		return b, d
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for downstream message")
		return protocol.Batch{}, domain.Delivery{}
	}
}

func expectSilence(t *testing.T, out <-chan domain.Delivery) {
	t.Helper()
	select {
	case d := <-out:
		t.Fatalf("unexpected downstream message: %s", d.Body)
	case <-time.After(150 * time.Millisecond):
	}
}

func startWorker(t *testing.T, ctx context.Context, cfg config.WorkerConfig, op Operator, broker *inmem.Broker) {
	t.Helper()
	w, err := New(cfg, op, broker)
	require.NoError(t, err)
	go func() { _ = w.Run(ctx) }()
}

func TestWorkerForwardsBatchWithFreshMessageID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	cfg := testConfig(t, "relay", 0, 1)
	out := drain(t, ctx, broker)
	startWorker(t, ctx, cfg, passthrough{}, broker)

	msgID := NewMessageID()
	in := protocol.Batch{Rows: mustRows(t, "a", "b")}
	publishData(t, broker, "relay_0", "sess1", msgID, in)

	got, d := receive(t, out)
	assert.Len(t, got.Rows, 2)
	assert.False(t, got.EOF)
	assert.Equal(t, "sess1", d.SessionID())
	assert.NotEmpty(t, d.MessageID())
	assert.NotEqual(t, msgID, d.MessageID(), "downstream batches carry their own message ID")
}

func TestWorkerDedupSkipsRedelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	cfg := testConfig(t, "relay", 0, 1)
	out := drain(t, ctx, broker)
	startWorker(t, ctx, cfg, passthrough{}, broker)

	msgID := NewMessageID()
	in := protocol.Batch{Rows: mustRows(t, "a")}
	publishData(t, broker, "relay_0", "sess1", msgID, in)
	_, _ = receive(t, out)

	// the same message delivered again must produce nothing downstream
	publishData(t, broker, "relay_0", "sess1", msgID, in)
	expectSilence(t, out)
}

func TestWorkerEmitsExactlyOneEOFAndFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	cfg := testConfig(t, "relay", 0, 1)
	out := drain(t, ctx, broker)
	startWorker(t, ctx, cfg, passthrough{emitAtEnd: true}, broker)

	publishData(t, broker, "relay_0", "sess1", NewMessageID(), protocol.Batch{Rows: mustRows(t, "a")})
	_, _ = receive(t, out)

	publishData(t, broker, BroadcastKey, "sess1", NewMessageID(), protocol.EOFBatch())

	// the flush emits the terminal row, then the leader's single EOF
	final, _ := receive(t, out)
	require.Len(t, final.Rows, 1)
	eof, _ := receive(t, out)
	assert.True(t, eof.EOF)
	expectSilence(t, out)

	// session state must be gone from disk after the flush
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(cfg.DataDir, cfg.WorkerID()))
		return err == nil && len(entries) == 0
	}, testTimeout, 20*time.Millisecond)
}

func TestTwoReplicasProduceOneDownstreamEOF(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	out := drain(t, ctx, broker)

	leader := testConfig(t, "relay", 0, 2)
	startWorker(t, ctx, leader, passthrough{}, broker)
	follower := testConfig(t, "relay", 1, 2)
	startWorker(t, ctx, follower, passthrough{}, broker)

	// the upstream EOF is broadcast, so both replicas see it and announce
	publishData(t, broker, BroadcastKey, "sess1", NewMessageID(), protocol.EOFBatch())

	eof, _ := receive(t, out)
	assert.True(t, eof.EOF)
	expectSilence(t, out)
}

func TestDownstreamEOFFollowsEveryReplicaFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	out := drain(t, ctx, broker)

	leader := testConfig(t, "relay", 0, 2)
	startWorker(t, ctx, leader, passthrough{emitAtEnd: true}, broker)
	follower := testConfig(t, "relay", 1, 2)
	startWorker(t, ctx, follower, passthrough{emitAtEnd: true}, broker)

	publishData(t, broker, BroadcastKey, "sess1", NewMessageID(), protocol.EOFBatch())

	// each replica's marker follows its own terminal row, so the leader's
	// single EOF arrives downstream after both rows
	for _, want := range []int{1, 1} {
		b, _ := receive(t, out)
		require.Len(t, b.Rows, want)
		require.False(t, b.EOF, "no EOF may overtake a replica's terminal outputs")
	}
	eof, _ := receive(t, out)
	assert.True(t, eof.EOF)
	expectSilence(t, out)
}

func TestWorkerSpillsWhenBufferOverflows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	t.Setenv("BUFFER_SIZE", "2")
	cfg := testConfig(t, "relay", 0, 1)
	out := drain(t, ctx, broker)
	startWorker(t, ctx, cfg, chunker{}, broker)

	publishData(t, broker, "relay_0", "sess1", NewMessageID(),
		protocol.Batch{Rows: mustRows(t, "a", "b", "c", "d", "e")})

	rows, batches := 0, 0
	for rows < 5 {
		b, _ := receive(t, out)
		require.NotEmpty(t, b.Rows)
		assert.LessOrEqual(t, len(b.Rows), 2, "a spilled batch never exceeds the buffer size")
		rows += len(b.Rows)
		batches++
	}
	assert.Equal(t, 3, batches)
	expectSilence(t, out)
}

func TestWorkerRejectsBadPayloadWithoutRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := inmem.New()
	cfg := testConfig(t, "relay", 0, 1)
	out := drain(t, ctx, broker)
	startWorker(t, ctx, cfg, passthrough{}, broker)

	pub, _, err := broker.Exchange("upstream", "direct", "", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte("}{ not json"), "relay_0", map[string]string{
		domain.HeaderSessionID: "sess1",
		domain.HeaderMessageID: NewMessageID(),
	}))

	expectSilence(t, out)
	// the queue must not keep cycling the poison message
	require.Eventually(t, func() bool {
		return broker.Pending("upstream_relay_0") == 0
	}, testTimeout, 20*time.Millisecond)
}

func mustRows(t *testing.T, values ...string) []json.RawMessage {
	t.Helper()
	rows := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := protocol.MarshalRow(map[string]string{"v": v})
		require.NoError(t, err)
		rows = append(rows, raw)
	}
	return rows
}
