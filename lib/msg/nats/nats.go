// Package nats implements the message broker interface for NATS.
package nats

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/msg"
)

// Prefix of every subject: events go to custody.<coin>.<kind>.
const Prefix = "custody"

// Nats publishes events on a core NATS connection.
type Nats struct {
	conn *nats.Conn
	log  *logrus.Entry
}

// New connects to the NATS server at url. The connection reconnects forever.
func New(url string, log *logrus.Entry) (*Nats, error) {
	conn, err := nats.Connect(url,
		nats.Name("custody"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info("connected to nats")

	return &Nats{conn: conn, log: log}, nil
}

// Setup is a no-op: subjects need no declaration.
func (n *Nats) Setup() error { return nil }

// Close drains pending publishes and closes the connection.
func (n *Nats) Close() error {
	return n.conn.Drain()
}

// Subject returns the subject the event is published to.
func Subject(e msg.Event) string {
	return Prefix + "." + e.Topic()
}

// Publish sends the event and waits for the server to acknowledge the flush or ctx to expire.
func (n *Nats) Publish(ctx context.Context, e msg.Event) error {
	body, err := e.Body()
	if err != nil {
		return err
	}
	if err = n.conn.Publish(Subject(e), body); err != nil {
		return err
	}

	return n.conn.FlushWithContext(ctx)
}
