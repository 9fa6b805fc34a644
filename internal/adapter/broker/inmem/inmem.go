// Package inmem provides an in-process broker implementing the same ports as
// the AMQP adapter. It backs unit and integration tests so the worker runtime
// can be exercised without a running broker.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

const queueDepth = 10000

type message struct {
	body    []byte
	headers map[string]string
}

type queue struct {
	name string
	ch   chan message
}

type exchange struct {
	kind     string
	mu       sync.Mutex
	bindings map[string][]*queue
}

// Broker is an in-memory broker. Safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
	}
}

func (b *Broker) getQueue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, ch: make(chan message, queueDepth)}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) getExchange(name, kind string) *exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		ex = &exchange{kind: kind, bindings: make(map[string][]*queue)}
		b.exchanges[name] = ex
	}
	return ex
}

// Queue returns a publisher and consumer for a point-to-point queue.
func (b *Broker) Queue(name string) (domain.Publisher, domain.Consumer, error) {
	q := b.getQueue(name)
	return &publisher{broker: b, queue: q}, &consumer{broker: b, queue: q}, nil
}

// Exchange binds queue under bindKeys on the exchange; queue == "" returns
// a publisher only.
func (b *Broker) Exchange(name, kind, queueName string, bindKeys []string) (domain.Publisher, domain.Consumer, error) {
	ex := b.getExchange(name, kind)
	pub := &publisher{broker: b, exchange: ex}
	if queueName == "" {
		return pub, nil, nil
	}
	q := b.getQueue(queueName)
	if len(bindKeys) == 0 {
		bindKeys = []string{""}
	}
	ex.mu.Lock()
	for _, key := range bindKeys {
		ex.bindings[key] = append(ex.bindings[key], q)
	}
	ex.mu.Unlock()
	return pub, &consumer{broker: b, queue: q}, nil
}

// Close drops all queues.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = make(map[string]*queue)
	b.exchanges = make(map[string]*exchange)
	return nil
}

type publisher struct {
	broker   *Broker
	queue    *queue
	exchange *exchange
}

func (p *publisher) Publish(_ context.Context, body []byte, routingKey string, headers map[string]string) error {
	msg := message{body: append([]byte(nil), body...), headers: copyHeaders(headers)}
	if p.exchange == nil {
		return push(p.queue, msg)
	}
	p.exchange.mu.Lock()
	var targets []*queue
	if p.exchange.kind == "fanout" {
		seen := map[*queue]bool{}
		for _, qs := range p.exchange.bindings {
			for _, q := range qs {
				if !seen[q] {
					seen[q] = true
					targets = append(targets, q)
				}
			}
		}
	} else {
		targets = append(targets, p.exchange.bindings[routingKey]...)
	}
	p.exchange.mu.Unlock()
	for _, q := range targets {
		if err := push(q, msg); err != nil {
			return err
		}
	}
	return nil
}

func push(q *queue, msg message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: queue %s full", domain.ErrMessage, q.name)
	}
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	broker *Broker
	queue  *queue
}

func (c *consumer) Consume(ctx context.Context, handler func(domain.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.queue.ch:
			handler(domain.Delivery{
				Body:    msg.body,
				Headers: msg.headers,
				Ack:     func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						return push(c.queue, msg)
					}
					return nil
				},
			})
		}
	}
}

func (c *consumer) Close() error { return nil }

// Delete removes the queue and its pending messages.
func (c *consumer) Delete() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.queues, c.queue.name)
	return nil
}

// Pending reports how many messages sit in a queue. Test helper.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ch)
	}
	return 0
}
