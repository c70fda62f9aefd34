// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/tarancss/custody/lib/msg"
)

// Exchange receives the outcome events, routed by <coin>.<kind>.
const Exchange = "ee"

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex
	ch   *amqp.Channel
	log  *logrus.Entry
}

// New instantiates a new amqp broker.
func New(uri string, log *logrus.Entry) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	log.Info("connected to amqp broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup declares the durable topic exchange "ee" ("explorer events") the outcome events are published to.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.WithError(err).Warn("closing amqp channel")
		}
		r.ch = nil
	}

	return r.conn.Close()
}

// Publish sends the event to the "ee" exchange. A failed publish drops the cached channel so the next call obtains a
// new one.
func (r *Amqp) Publish(ctx context.Context, e msg.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := e.Body()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	m := amqp.Publishing{
		Headers:      amqp.Table{"x-event-name": e.Coin + "." + e.TxHash},
		Body:         body,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
	}
	if err = r.ch.Publish(Exchange, e.Topic(), false, false, m); err != nil {
		_ = r.ch.Close()
		r.ch = nil
	}

	return err
}
