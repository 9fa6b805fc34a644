// Package amqp provides the AMQP broker integration.
//
// It implements the queue and exchange client flavors the stages use, with
// manual per-message acknowledgement, a prefetch bound, and per-client
// connections: every Publisher and Consumer owns its own connection and
// channel, so no channel is ever shared across concurrent callers.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

const (
	// ExchangeDirect routes by exact routing key.
	ExchangeDirect = "direct"
	// ExchangeFanout copies every message to all bound queues.
	ExchangeFanout = "fanout"

	// heartbeat must outlive snapshot compaction, which can stall a
	// consumer for tens of seconds on large sessions.
	heartbeat = 300 * time.Second

	dialMaxElapsed = 60 * time.Second
)

// Broker dials connections against one AMQP URL.
type Broker struct {
	url      string
	prefetch int
}

// Dial validates the URL by opening and closing a probe connection, retrying
// with exponential backoff until the broker is reachable.
func Dial(url string, prefetch int) (*Broker, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty AMQP URL", domain.ErrInvalidArgument)
	}
	if prefetch <= 0 {
		prefetch = 500
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = dialMaxElapsed
	err := backoff.Retry(func() error {
		conn, err := amqp091.DialConfig(url, amqp091.Config{Heartbeat: heartbeat})
		if err != nil {
			slog.Warn("amqp dial failed, retrying", slog.Any("error", err))
			return err
		}
		return conn.Close()
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	slog.Info("amqp broker reachable", slog.String("url", redact(url)))
	return &Broker{url: url, prefetch: prefetch}, nil
}

// redact strips credentials from an AMQP URL for logging.
func redact(url string) string {
	at := -1
	for i := range url {
		if url[i] == '@' {
			at = i
		}
	}
	if at < 0 {
		return url
	}
	return "amqp://***" + url[at:]
}

func (b *Broker) open() (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.DialConfig(b.url, amqp091.Config{Heartbeat: heartbeat})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDisconnected, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDisconnected, err)
	}
	return conn, ch, nil
}

// Queue declares a durable point-to-point queue and returns a publisher and
// a competing consumer for it.
func (b *Broker) Queue(name string) (domain.Publisher, domain.Consumer, error) {
	pub, err := b.newPublisher("", name, "")
	if err != nil {
		return nil, nil, err
	}
	cons, err := b.newConsumer("", "", name, nil)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}
	return pub, cons, nil
}

// Exchange declares a durable exchange of the given kind and, when queue is
// non-empty, a durable queue bound under every key in bindKeys. The returned
// publisher addresses the exchange; the consumer reads the bound queue.
// Either side may be requested alone by passing queue == "" (publisher only).
func (b *Broker) Exchange(name, kind, queue string, bindKeys []string) (domain.Publisher, domain.Consumer, error) {
	if kind != ExchangeDirect && kind != ExchangeFanout {
		return nil, nil, fmt.Errorf("%w: exchange kind %q", domain.ErrInvalidArgument, kind)
	}
	pub, err := b.newPublisher(name, "", kind)
	if err != nil {
		return nil, nil, err
	}
	if queue == "" {
		return pub, nil, nil
	}
	cons, err := b.newConsumer(name, kind, queue, bindKeys)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}
	return pub, cons, nil
}

// Close is a no-op at the broker level; publishers and consumers own their
// connections.
func (b *Broker) Close() error { return nil }

// publisher owns one connection+channel and serializes publishes.
type publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	queue    string
}

func (b *Broker) newPublisher(exchange, queue, kind string) (*publisher, error) {
	conn, ch, err := b.open()
	if err != nil {
		return nil, err
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: declare exchange %s: %v", domain.ErrMessage, exchange, err)
		}
	}
	if queue != "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: declare queue %s: %v", domain.ErrMessage, queue, err)
		}
	}
	return &publisher{conn: conn, ch: ch, exchange: exchange, queue: queue}, nil
}

// Publish sends body with the routing key and headers. For queue publishers
// the routing key is fixed to the queue name.
func (p *publisher) Publish(ctx context.Context, body []byte, routingKey string, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := routingKey
	if p.exchange == "" {
		key = p.queue
	}
	tbl := amqp091.Table{}
	for k, v := range headers {
		tbl[k] = v
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Headers:      tbl,
		Body:         body,
	})
	if err != nil {
		if errors.Is(err, amqp091.ErrClosed) || p.conn.IsClosed() {
			return fmt.Errorf("%w: publish %s/%s: %v", domain.ErrDisconnected, p.exchange, key, err)
		}
		return fmt.Errorf("%w: publish %s/%s: %v", domain.ErrMessage, p.exchange, key, err)
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// consumer owns one connection+channel bound to a single queue.
type consumer struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	queue    string
	prefetch int
}

func (b *Broker) newConsumer(exchange, kind, queue string, bindKeys []string) (*consumer, error) {
	conn, ch, err := b.open()
	if err != nil {
		return nil, err
	}
	fail := func(e error) (*consumer, error) {
		_ = conn.Close()
		return nil, e
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
			return fail(fmt.Errorf("%w: declare exchange %s: %v", domain.ErrMessage, exchange, err))
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("%w: declare queue %s: %v", domain.ErrMessage, queue, err))
	}
	if exchange != "" {
		keys := bindKeys
		if len(keys) == 0 {
			keys = []string{""}
		}
		for _, key := range keys {
			if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
				return fail(fmt.Errorf("%w: bind %s to %s key %s: %v", domain.ErrMessage, queue, exchange, key, err))
			}
		}
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("%w: qos: %v", domain.ErrMessage, err))
	}
	return &consumer{conn: conn, ch: ch, queue: queue, prefetch: b.prefetch}, nil
}

// Consume delivers messages to handler until the context is cancelled or the
// transport drops. Settlement is manual through the Delivery closures.
func (c *consumer) Consume(ctx context.Context, handler func(domain.Delivery)) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consume %s: %v", domain.ErrDisconnected, c.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: consume %s: channel closed", domain.ErrDisconnected, c.queue)
			}
			handler(wrap(d))
		}
	}
}

func wrap(d amqp091.Delivery) domain.Delivery {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return domain.Delivery{
		Body:    d.Body,
		Headers: headers,
		Ack:     func() error { return d.Ack(false) },
		Nack:    func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

func (c *consumer) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Delete removes the queue from the broker.
func (c *consumer) Delete() error {
	if c.ch == nil {
		return nil
	}
	if _, err := c.ch.QueueDelete(c.queue, false, false, false); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrMessage, c.queue, err)
	}
	return nil
}
