// Package notify delivers outcome notifications to the client system.
//
// A notification is a signed JSON payload posted to every URL of the destination list of its kind (deposits, or
// withdrawals and sends). Each URL that could not be reached, answered with a non 2xx status, or (with response
// validation on) did not answer the expected token, gets a FailedNotification holding the payload as sent. The
// Resend job posts them again and deletes every one whose post got through, whatever the response body: delivery is
// at least once, with no order between destinations. Every notification is also published to the message broker,
// if one is configured.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/util"
)

// SignatureHeader carries the payload signature too.
const SignatureHeader = "X-Custody-Signature"

// Delivery outcomes, as counted by the notification metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeInvalid   = "invalid_response"
	OutcomeFailed    = "failed"
	OutcomeResent    = "resent"
	OutcomeRequeued  = "requeued"
)

// ResendBatch is the number of queued notifications a Resend run handles.
var ResendBatch = 200

// maxConcurrent bounds the posts in flight for one notification.
const maxConcurrent = 8

var (
	ErrTransport = errors.New("notification not delivered")
	ErrResponse  = errors.New("unexpected notification response")
)

// Payload is the body posted to the client system.
type Payload struct {
	Kind        string `json:"kind"`
	Coin        string `json:"coin"`
	TxID        string `json:"txId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	LineItemID  string `json:"lineItemId,omitempty"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee,omitempty"`
	TxHash      string `json:"txHash"`
	Trace       string `json:"trace,omitempty"`
	Status      string `json:"status"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	Signature   string `json:"signature"`
}

// Sign returns the hex HMAC-SHA256, keyed with secret, of sender|recipient|txHash|amount followed by |coin and |fee
// when present, and |trace for rejections.
func Sign(secret string, p Payload) string {
	parts := []string{p.Sender, p.Recipient, p.TxHash, p.Amount}
	if p.Coin != "" {
		parts = append(parts, p.Coin)
	}
	if p.Fee != "" {
		parts = append(parts, p.Fee)
	}
	if p.Kind == msg.KindRejected && p.Trace != "" {
		parts = append(parts, p.Trace)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "|")))

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the payload carries the signature of secret.
func Verify(secret string, p Payload) bool {
	want := Sign(secret, p)
	return hmac.Equal([]byte(want), []byte(p.Signature))
}

// Notifier builds, signs and delivers notifications.
type Notifier struct {
	cfg      config.NotifyConfig
	deposit  []string
	withdraw []string
	client   *http.Client
	db       store.DB
	mb       msg.MsgBroker
	log      *logrus.Entry
	now      func() time.Time
}

// New returns a notifier. mb may be nil.
func New(cfg config.NotifyConfig, db store.DB, mb msg.MsgBroker, log *logrus.Entry) *Notifier {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = config.NotifyTimeoutDefault.Duration
	}

	return &Notifier{
		cfg:      cfg,
		deposit:  util.SplitList(cfg.DepositURLs),
		withdraw: util.SplitList(cfg.WithdrawURLs),
		client:   &http.Client{Timeout: timeout},
		db:       db,
		mb:       mb,
		log:      log.WithField("component", "notify"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FromTransaction returns the unsigned payload of a landed transaction.
func FromTransaction(t store.Transaction) Payload {
	p := Payload{
		Kind:        string(t.Kind),
		Coin:        t.Coin,
		TxID:        t.ID,
		RequestID:   t.RequestID,
		LineItemID:  t.LineItemID,
		Sender:      t.Sender,
		Recipient:   t.Recipient,
		Amount:      t.Amount.String(),
		TxHash:      t.TxHash,
		Trace:       t.Trace,
		Status:      string(t.Status),
		BlockHeight: t.BlockHeight,
	}
	if !t.Fee.IsZero() {
		p.Fee = t.Fee.String()
	}

	return p
}

// FromRejected returns the unsigned payload reporting a line item of a rejected request.
func FromRejected(r store.WithdrawRequest, it store.LineItem) Payload {
	return Payload{
		Kind:       msg.KindRejected,
		Coin:       r.Coin,
		RequestID:  r.ID,
		LineItemID: it.ID,
		Sender:     r.HotAddress,
		Recipient:  it.Recipient,
		Amount:     it.Amount.String(),
		Trace:      it.Trace,
		Status:     string(store.ApprovalRejected),
	}
}

// URLs returns the destination list of a payload kind.
func (n *Notifier) URLs(kind string) []string {
	if kind == string(store.KindDeposit) {
		return n.deposit
	}
	return n.withdraw
}

// Transaction notifies a landed transaction. Failures are queued, never returned.
func (n *Notifier) Transaction(ctx context.Context, t store.Transaction) {
	_ = n.Notify(ctx, FromTransaction(t))
}

// Rejected notifies every line item of a rejected request.
func (n *Notifier) Rejected(ctx context.Context, r store.WithdrawRequest) {
	for _, it := range r.Items {
		_ = n.Notify(ctx, FromRejected(r, it))
	}
}

// Notify signs p, posts it to the destinations of its kind and publishes it to the broker. It returns an error if any
// destination failed; those were queued for Resend.
func (n *Notifier) Notify(ctx context.Context, p Payload) error {
	p.Signature = Sign(n.cfg.Secret, p)

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	err = n.deliver(ctx, n.URLs(p.Kind), body)
	n.publish(ctx, p)

	return err
}

func (n *Notifier) deliver(ctx context.Context, urls []string, body []byte) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(maxConcurrent)

	for _, url := range urls {
		url := url
		g.Go(func() error {
			err := n.post(ctx, url, body)
			if err == nil {
				metrics.Notifications.WithLabelValues(OutcomeDelivered).Inc()
				return nil
			}

			log := n.log.WithError(err).WithField("url", url)
			if errors.Is(err, ErrResponse) {
				metrics.Notifications.WithLabelValues(OutcomeInvalid).Inc()
			} else {
				metrics.Notifications.WithLabelValues(OutcomeFailed).Inc()
			}

			f := store.FailedNotification{ID: store.NewID(), URL: url, Payload: body, CreatedAt: n.now()}
			if qerr := n.db.InsertFailedNotification(context.WithoutCancel(ctx), &f); qerr != nil {
				log.WithField("payload", string(body)).Errorf("notification lost, cannot queue it: %v", qerr)
			} else {
				log.Warn("notification queued for resend")
			}

			mu.Lock()
			failed++
			mu.Unlock()

			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d destinations: %w", failed, len(urls), ErrTransport)
	}

	return nil
}

func (n *Notifier) publish(ctx context.Context, p Payload) {
	if n.mb == nil {
		return
	}

	e := msg.Event{
		Kind:        p.Kind,
		Coin:        p.Coin,
		TxID:        p.TxID,
		RequestID:   p.RequestID,
		Sender:      p.Sender,
		Recipient:   p.Recipient,
		Amount:      p.Amount,
		Fee:         p.Fee,
		TxHash:      p.TxHash,
		Trace:       p.Trace,
		BlockHeight: p.BlockHeight,
		Time:        n.now(),
	}
	if err := n.mb.Publish(ctx, e); err != nil {
		n.log.WithError(err).WithField("topic", e.Topic()).Warn("publishing event to broker")
	}
}

// post sends body to url. Errors wrapping ErrResponse mean the destination answered but not as expected.
func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var p struct {
		Signature string `json:"signature"`
	}
	if json.Unmarshal(body, &p) == nil && p.Signature != "" {
		req.Header.Set(SignatureHeader, p.Signature)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}
	if n.cfg.ValidateResponse && strings.TrimSpace(string(answer)) != n.cfg.ExpectedToken {
		return fmt.Errorf("%w: %q", ErrResponse, truncate(string(answer), 64))
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Resend posts the queued notifications again. A notification is removed once its post gets through, even when the
// response fails validation; transport failures keep it queued.
func (n *Notifier) Resend(ctx context.Context) (resent int, err error) {
	queued, err := n.db.FailedNotifications(ctx, ResendBatch)
	if err != nil {
		return 0, fmt.Errorf("reading failed notifications: %w", err)
	}

	for _, f := range queued {
		if ctx.Err() != nil {
			return resent, ctx.Err()
		}

		log := n.log.WithFields(logrus.Fields{"id": f.ID, "url": f.URL})
		if err := n.post(ctx, f.URL, f.Payload); err != nil && !errors.Is(err, ErrResponse) {
			metrics.Notifications.WithLabelValues(OutcomeRequeued).Inc()
			log.WithError(err).Debug("notification still not delivered")
			continue
		} else if err != nil {
			log.WithError(err).Warn("notification delivered, response not valid")
		}

		if err := n.db.DeleteFailedNotification(ctx, f.ID); err != nil {
			log.WithError(err).Error("removing delivered notification")
			continue
		}
		metrics.Notifications.WithLabelValues(OutcomeResent).Inc()
		resent++
	}

	if len(queued) > 0 {
		n.log.Infof("%d of %d queued notifications delivered", resent, len(queued))
	}

	return resent, nil
}

// Run is the Resend job body.
func (n *Notifier) Run(ctx context.Context) error {
	_, err := n.Resend(ctx)
	return err
}
