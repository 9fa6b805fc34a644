package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

func collect(t *testing.T, ctx context.Context, cons domain.Consumer) <-chan domain.Delivery {
	t.Helper()
	out := make(chan domain.Delivery, 16)
	go func() {
		_ = cons.Consume(ctx, func(d domain.Delivery) { out <- d })
	}()
	return out
}

func expect(t *testing.T, ch <-chan domain.Delivery) domain.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return domain.Delivery{}
	}
}

func expectNone(t *testing.T, ch <-chan domain.Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery: %s", d.Body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDirectExchangeRoutesByKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	pub, consA, err := b.Exchange("ex", "direct", "qa", []string{"a"})
	require.NoError(t, err)
	_, consB, err := b.Exchange("ex", "direct", "qb", []string{"b"})
	require.NoError(t, err)

	outA := collect(t, ctx, consA)
	outB := collect(t, ctx, consB)

	require.NoError(t, pub.Publish(ctx, []byte("to-a"), "a", map[string]string{domain.HeaderSessionID: "s"}))

	d := expect(t, outA)
	assert.Equal(t, "to-a", string(d.Body))
	assert.Equal(t, "s", d.SessionID())
	expectNone(t, outB)
}

func TestFanoutDeliversOncePerQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	// a queue bound under two keys must still get one copy
	pub, consA, err := b.Exchange("intra", "fanout", "qa", []string{"k1", "k2"})
	require.NoError(t, err)
	_, consB, err := b.Exchange("intra", "fanout", "qb", []string{"k3"})
	require.NoError(t, err)

	outA := collect(t, ctx, consA)
	outB := collect(t, ctx, consB)

	require.NoError(t, pub.Publish(ctx, []byte("marker"), "", nil))

	expect(t, outA)
	expectNone(t, outA)
	expect(t, outB)
}

func TestNackRequeueRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	pub, cons, err := b.Exchange("ex", "direct", "q", []string{"k"})
	require.NoError(t, err)
	out := collect(t, ctx, cons)

	require.NoError(t, pub.Publish(ctx, []byte("retry-me"), "k", nil))
	d := expect(t, out)
	require.NoError(t, d.Nack(true))

	again := expect(t, out)
	assert.Equal(t, "retry-me", string(again.Body))
	require.NoError(t, again.Nack(false))
	expectNone(t, out)
}

func TestQueuePointToPoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()

	pub, cons, err := b.Queue("jobs")
	require.NoError(t, err)
	out := collect(t, ctx, cons)

	require.NoError(t, pub.Publish(ctx, []byte("job-1"), "", map[string]string{domain.HeaderMessageID: "m1"}))

	d := expect(t, out)
	assert.Equal(t, "job-1", string(d.Body))
	assert.Equal(t, "m1", d.MessageID())
}

func TestDeleteDropsQueueAndBacklog(t *testing.T) {
	b := New()
	pub, cons, err := b.Queue("jobs")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), []byte("1"), "", nil))
	require.NoError(t, pub.Publish(context.Background(), []byte("2"), "", nil))
	require.Equal(t, 2, b.Pending("jobs"))

	require.NoError(t, cons.Delete())
	assert.Equal(t, 0, b.Pending("jobs"))
}

func TestPendingCountsQueuedMessages(t *testing.T) {
	b := New()
	pub, _, err := b.Exchange("ex", "direct", "q", []string{"k"})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), []byte("1"), "k", nil))
	require.NoError(t, pub.Publish(context.Background(), []byte("2"), "k", nil))
	assert.Equal(t, 2, b.Pending("q"))
	assert.Equal(t, 0, b.Pending("missing"))
}

func TestPublisherOnlyExchange(t *testing.T) {
	b := New()
	pub, cons, err := b.Exchange("ex", "direct", "", nil)
	require.NoError(t, err)
	assert.Nil(t, cons)

	// no binding yet, the message is dropped like an unroutable publish
	require.NoError(t, pub.Publish(context.Background(), []byte("void"), "k", nil))
}
