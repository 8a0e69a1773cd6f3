package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSQueue publishes to a JetStream subject and consumes through a durable
// consumer, so a restarted worker resumes where it stopped.
type NATSQueue struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	durable string
}

// NewNATSQueue connects to url and binds to subject.
func NewNATSQueue(url, subject, durable string, opts ...nats.Option) (*NATSQueue, error) {
	if subject == "" {
		return nil, errors.New("queue: nats subject is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	if durable == "" {
		durable = "attendance-verify"
	}
	return &NATSQueue{conn: nc, js: js, subject: subject, durable: durable}, nil
}

// Close drains the connection.
func (q *NATSQueue) Close() {
	if q == nil {
		return
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
	}
}

// Publish writes msg to the stream.
func (q *NATSQueue) Publish(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(q.subject, data, nats.Context(ctx))
	return err
}

// Consume acks a message once a worker has taken it off the channel.
// Malformed payloads are terminated so they are not redelivered.
func (q *NATSQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := q.js.Subscribe(q.subject, func(m *nats.Msg) {
		msg, err := decode(m.Data)
		if err != nil {
			_ = m.Term()
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			_ = m.Nak()
			return
		}
		select {
		case out <- msg:
			_ = m.Ack()
		case <-ctx.Done():
			_ = m.Nak()
		}
	}, nats.Durable(q.durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
		_ = sub.Unsubscribe()
	}()
	return out, nil
}
