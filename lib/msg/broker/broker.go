// Package broker selects the message broker implementation by type.
package broker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/msg/amqp"
	"github.com/tarancss/custody/lib/msg/nats"
)

// Types of message broker supported.
const (
	AMQP = "amqp"
	NATS = "nats"
)

// Retry is the wait before the single reconnection attempt made when the broker is not ready yet.
var Retry = 10 * time.Second

// New connects to the broker and declares what it needs. An empty type returns a nil broker and no error: events are
// then not published.
func New(mbType, conn string, log *logrus.Entry) (mb msg.MsgBroker, err error) {
	dial := func() (msg.MsgBroker, error) {
		switch mbType {
		case AMQP:
			return amqp.New(conn, log.WithField("broker", AMQP))
		case NATS:
			return nats.New(conn, log.WithField("broker", NATS))
		}
		return nil, fmt.Errorf("unknown message broker type: %s", mbType)
	}

	if mbType == "" {
		return nil, nil
	}
	if mb, err = dial(); err != nil {
		if mbType != AMQP && mbType != NATS {
			return nil, err
		}
		log.WithError(err).Warnf("broker not ready, retrying in %s", Retry)
		time.Sleep(Retry)
		if mb, err = dial(); err != nil {
			return nil, err
		}
	}

	if err = mb.Setup(); err != nil {
		_ = mb.Close()
		return nil, err
	}

	return mb, nil
}
