// Package msg defines the interface for the message brokers that receive outcome events.
package msg

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Event kinds that are not transaction kinds.
const (
	KindRejected = "rejected"
)

// Event is published once a client notification has been delivered: a transaction that landed, or a withdrawal line
// item whose request was rejected.
type Event struct {
	Kind        string    `json:"kind"`
	Coin        string    `json:"coin"`
	TxID        string    `json:"txId,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	Sender      string    `json:"sender,omitempty"`
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"`
	Fee         string    `json:"fee,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Trace       string    `json:"trace,omitempty"`
	BlockHeight uint64    `json:"blockHeight,omitempty"`
	Time        time.Time `json:"time"`
}

// Topic returns the routing key of the event: <coin>.<kind>, lowercase.
func (e Event) Topic() string {
	return strings.ToLower(e.Coin) + "." + strings.ToLower(e.Kind)
}

// Body returns the JSON document published for the event.
func (e Event) Body() ([]byte, error) {
	return json.Marshal(e)
}

// MsgBroker publishes outcome events. Publishing is best effort: callers log failures and carry on.
type MsgBroker interface {
	Setup() error
	Close() error
	Publish(ctx context.Context, e Event) error
}
