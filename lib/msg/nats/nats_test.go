package nats

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/msg"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "custody.usdt.withdraw", Subject(msg.Event{Coin: "USDT", Kind: "withdraw"}))
	assert.Equal(t, "custody.eth.rejected", Subject(msg.Event{Coin: "eth", Kind: msg.KindRejected}))
}

// TestNats requires a server at CUSTODY_TEST_NATS (ie. nats://localhost:4222).
func TestNats(t *testing.T) {
	url := os.Getenv("CUSTODY_TEST_NATS")
	if url == "" {
		t.Skip("CUSTODY_TEST_NATS not set")
	}

	n, err := New(url, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.Setup())

	sub, err := n.conn.SubscribeSync(Prefix + ".eth.>")
	require.NoError(t, err)

	e := msg.Event{Kind: "deposit", Coin: "ETH", Recipient: "0xabc", Amount: "2", TxHash: "0x01"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Publish(ctx, e))

	m, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "custody.eth.deposit", m.Subject)

	var got msg.Event
	require.NoError(t, json.Unmarshal(m.Data, &got))
	assert.Equal(t, "0x01", got.TxHash)
}
