package domain

import "context"

// Delivery is one message handed to a consumer callback. Ack and Nack settle
// the message with the broker; exactly one of them must be called.
type Delivery struct {
	Body    []byte
	Headers map[string]string
	Ack     func() error
	Nack    func(requeue bool) error
}

// SessionID returns the SESSION_ID header, or "" when absent.
func (d Delivery) SessionID() string { return d.Headers[HeaderSessionID] }

// MessageID returns the MESSAGE_ID header, or "" when absent.
func (d Delivery) MessageID() string { return d.Headers[HeaderMessageID] }

// Publisher publishes payloads to a queue or exchange.
//
// Publish failures are classified as ErrDisconnected (transport gone) or
// ErrMessage (protocol refusal); neither is retriable at this layer.
type Publisher interface {
	Publish(ctx context.Context, body []byte, routingKey string, headers map[string]string) error
	Close() error
}

// Consumer delivers messages to a callback until the context is cancelled.
// Messages are settled manually through the Delivery.
type Consumer interface {
	Consume(ctx context.Context, handler func(Delivery)) error
	Close() error
	// Delete removes the underlying queue from the broker.
	Delete() error
}

// Broker creates the two client flavors the stages use: point-to-point
// queues with competing consumers, and routing-key-addressed exchanges.
type Broker interface {
	Queue(name string) (Publisher, Consumer, error)
	// Exchange binds queue under bindKeys on a direct or fanout exchange
	// and returns a publisher addressing the exchange plus a consumer of
	// the bound queue. Passing queue == "" returns a publisher only; for
	// fanout exchanges the bind keys are ignored by the broker.
	Exchange(name, kind, queue string, bindKeys []string) (Publisher, Consumer, error)
	Close() error
}
