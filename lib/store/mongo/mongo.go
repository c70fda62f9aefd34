// Package mongo implements the ledger for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/custody/lib/store"
)

// Collections
const (
	colTransaction = "transaction"
	colRequest     = "withdraw_request"
	colAddress     = "address"
	colCursor      = "chain_cursor"
	colUnit        = "block_unit"
	colFailed      = "failed_notification"
	colApproved    = "approved"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "custody"

const dupKey = 11000

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// New returns a Mongo client connection to the specified MongoDB database uri and ensures the ledger indexes.
func New(uri, database string) (*Mongo, error) {
	if database == "" {
		database = DefaultDatabase
	}
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	m := &Mongo{c: c, db: c.Database(database)}
	if err = m.ensureIndexes(ctx); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("error creating indexes: %w", err)
	}

	return m, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// Drop removes the whole database. Used by tests.
func (m *Mongo) Drop(ctx context.Context) error {
	return m.db.Drop(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	idx := map[string][]mgo.IndexModel{
		colTransaction: {
			{Keys: bson.D{{Key: "txHash", Value: 1}}, Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"txHash": bson.M{"$exists": true}})},
			{Keys: bson.D{{Key: "pastHashes", Value: 1}}},
			{Keys: bson.D{{Key: "trace", Value: 1}}},
			{Keys: bson.D{{Key: "coin", Value: 1}, {Key: "status", Value: 1}, {Key: "sender", Value: 1}, {Key: "nonce", Value: 1}}},
		},
		colRequest: {
			{Keys: bson.D{{Key: "coin", Value: 1}, {Key: "approval", Value: 1}, {Key: "fullySent", Value: 1}}},
			{Keys: bson.D{{Key: "items.trace", Value: 1}}},
		},
		colAddress: {
			{Keys: bson.D{{Key: "coin", Value: 1}, {Key: "use", Value: 1}, {Key: "index", Value: 1}}},
		},
		colUnit: {
			{Keys: bson.D{{Key: "chain", Value: 1}, {Key: "status", Value: 1}, {Key: "height", Value: 1}}},
		},
		colFailed: {
			{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		},
	}
	for col, models := range idx {
		if _, err := m.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", col, err)
		}
	}
	return nil
}

// isDup tells whether err is a duplicate key error.
func isDup(err error) bool {
	var we mgo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == dupKey {
				return true
			}
		}
	}
	var ce mgo.CommandError
	if errors.As(err, &ce) && ce.Code == dupKey {
		return true
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

func d128(d decimal.Decimal) primitive.Decimal128 {
	p, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		// out of Decimal128 range; amounts handled here never get there
		panic(fmt.Sprintf("decimal %s does not fit Decimal128: %v", d, err))
	}
	return p
}

func fromD128(p primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(p.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// MongoTransaction implements a store transaction to MongoDB.
type MongoTransaction struct {
	ID           string               `bson:"_id"`
	Kind         string               `bson:"kind"`
	Coin         string               `bson:"coin"`
	Sender       string               `bson:"sender"`
	Recipient    string               `bson:"recipient"`
	Amount       primitive.Decimal128 `bson:"amount"`
	Fee          primitive.Decimal128 `bson:"fee"`
	Status       string               `bson:"status"`
	TxHash       string               `bson:"txHash,omitempty"`
	Nonce        int64                `bson:"nonce"`
	Trace        string               `bson:"trace,omitempty"`
	PastHashes   []string             `bson:"pastHashes"`
	ManualResend bool                 `bson:"manualResend"`
	CreatedAt    time.Time            `bson:"createdAt"`
	SubmittedAt  *time.Time           `bson:"submittedAt,omitempty"`
	ConfirmedAt  *time.Time           `bson:"confirmedAt,omitempty"`
	BlockHeight  int64                `bson:"blockHeight"`
	RequestID    string               `bson:"requestId,omitempty"`
	LineItemID   string               `bson:"lineItemId,omitempty"`
	Version      int64                `bson:"version"`
}

func toMongoTransaction(t store.Transaction) MongoTransaction {
	past := t.PastHashes
	if past == nil {
		past = []string{}
	}
	return MongoTransaction{
		ID: t.ID, Kind: string(t.Kind), Coin: t.Coin, Sender: t.Sender, Recipient: t.Recipient,
		Amount: d128(t.Amount), Fee: d128(t.Fee), Status: string(t.Status), TxHash: t.TxHash,
		Nonce: int64(t.Nonce), Trace: t.Trace, PastHashes: past, ManualResend: t.ManualResend,
		CreatedAt: t.CreatedAt, SubmittedAt: timePtr(t.SubmittedAt), ConfirmedAt: timePtr(t.ConfirmedAt),
		BlockHeight: int64(t.BlockHeight), RequestID: t.RequestID, LineItemID: t.LineItemID, Version: t.Version,
	}
}

// Transaction converts a MongoTransaction to store.Transaction type.
func (mt MongoTransaction) Transaction() store.Transaction {
	t := store.Transaction{
		ID: mt.ID, Kind: store.Kind(mt.Kind), Coin: mt.Coin, Sender: mt.Sender, Recipient: mt.Recipient,
		Amount: fromD128(mt.Amount), Fee: fromD128(mt.Fee), Status: store.Status(mt.Status), TxHash: mt.TxHash,
		Nonce: uint64(mt.Nonce), Trace: mt.Trace, ManualResend: mt.ManualResend, CreatedAt: mt.CreatedAt.UTC(),
		SubmittedAt: timeVal(mt.SubmittedAt), ConfirmedAt: timeVal(mt.ConfirmedAt),
		BlockHeight: uint64(mt.BlockHeight), RequestID: mt.RequestID, LineItemID: mt.LineItemID, Version: mt.Version,
	}
	if len(mt.PastHashes) > 0 {
		t.PastHashes = mt.PastHashes
	}
	return t
}

// InsertTransaction saves a new transaction.
func (m *Mongo) InsertTransaction(ctx context.Context, t *store.Transaction) error {
	if t.ID == "" {
		t.ID = store.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, err := m.db.Collection(colTransaction).InsertOne(ctx, toMongoTransaction(*t)); err != nil {
		if isDup(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("could not insert transaction in db: %w", err)
	}
	return nil
}

// Transaction loads a transaction by id.
func (m *Mongo) Transaction(ctx context.Context, id string) (store.Transaction, error) {
	var mt MongoTransaction
	if err := m.db.Collection(colTransaction).FindOne(ctx, bson.M{"_id": id}).Decode(&mt); err != nil {
		return store.Transaction{}, notFound(err)
	}
	return mt.Transaction(), nil
}

// HashExists looks for hash among current and superseded hashes.
func (m *Mongo) HashExists(ctx context.Context, hash string) (bool, error) {
	n, err := m.db.Collection(colTransaction).CountDocuments(ctx,
		bson.M{"$or": bson.A{bson.M{"txHash": hash}, bson.M{"pastHashes": hash}}}, options.Count().SetLimit(1))
	return n > 0, err
}

// LineItemTransactionExists reports whether a transaction pays the given line item.
func (m *Mongo) LineItemTransactionExists(ctx context.Context, requestID, itemID string) (bool, error) {
	n, err := m.db.Collection(colTransaction).CountDocuments(ctx,
		bson.M{"requestId": requestID, "lineItemId": itemID}, options.Count().SetLimit(1))
	return n > 0, err
}

// ActiveTraceExists reports whether a non failed transaction holds trace.
func (m *Mongo) ActiveTraceExists(ctx context.Context, trace string) (bool, error) {
	n, err := m.db.Collection(colTransaction).CountDocuments(ctx,
		bson.M{"trace": trace, "status": bson.M{"$ne": string(store.StatusFailed)}}, options.Count().SetLimit(1))
	return n > 0, err
}

func (m *Mongo) findTransactions(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]store.Transaction, error) {
	cur, err := m.db.Collection(colTransaction).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []store.Transaction
	for cur.Next(ctx) {
		var mt MongoTransaction
		if err = cur.Decode(&mt); err != nil {
			return nil, err
		}
		out = append(out, mt.Transaction())
	}
	return out, cur.Err()
}

// PendingTransactions returns pending transactions of coin ordered by sender and nonce.
func (m *Mongo) PendingTransactions(ctx context.Context, coin string) ([]store.Transaction, error) {
	return m.findTransactions(ctx, bson.M{"coin": coin, "status": string(store.StatusPending)},
		options.Find().SetSort(bson.D{{Key: "sender", Value: 1}, {Key: "nonce", Value: 1}, {Key: "createdAt", Value: 1}}))
}

// CountPending counts pending transactions of coin.
func (m *Mongo) CountPending(ctx context.Context, coin string) (int, error) {
	n, err := m.db.Collection(colTransaction).CountDocuments(ctx,
		bson.M{"coin": coin, "status": string(store.StatusPending)})
	return int(n), err
}

// UpdateTransaction replaces t when the stored version matches.
func (m *Mongo) UpdateTransaction(ctx context.Context, t *store.Transaction) (bool, error) {
	next := *t
	next.Version++
	res, err := m.db.Collection(colTransaction).ReplaceOne(ctx,
		bson.M{"_id": t.ID, "version": t.Version}, toMongoTransaction(next))
	if err != nil {
		if isDup(err) {
			return false, store.ErrDuplicate
		}
		return false, err
	}
	if res.MatchedCount != 1 {
		return false, nil
	}
	t.Version = next.Version
	return true, nil
}

// MongoLineItem implements a withdraw line item to MongoDB.
type MongoLineItem struct {
	ID        string               `bson:"id"`
	Recipient string               `bson:"recipient"`
	Amount    primitive.Decimal128 `bson:"amount"`
	Trace     string               `bson:"trace,omitempty"`
	Sent      bool                 `bson:"sent"`
	TxHash    string               `bson:"txHash,omitempty"`
}

// LineItem converts a MongoLineItem to store.LineItem type.
func (ml MongoLineItem) LineItem() store.LineItem {
	return store.LineItem{ID: ml.ID, Recipient: ml.Recipient, Amount: fromD128(ml.Amount), Trace: ml.Trace,
		Sent: ml.Sent, TxHash: ml.TxHash}
}

// MongoWithdrawRequest implements a withdraw request to MongoDB.
type MongoWithdrawRequest struct {
	ID          string               `bson:"_id"`
	Coin        string               `bson:"coin"`
	HotAddress  string               `bson:"hotAddress"`
	Items       []MongoLineItem      `bson:"items"`
	TotalAmount primitive.Decimal128 `bson:"totalAmount"`
	EstimateFee primitive.Decimal128 `bson:"estimateFee"`
	Approval    string               `bson:"approval"`
	FullySent   bool                 `bson:"fullySent"`
	CreatedAt   time.Time            `bson:"createdAt"`
	Version     int64                `bson:"version"`
}

// WithdrawRequest converts a MongoWithdrawRequest to store.WithdrawRequest type.
func (mr MongoWithdrawRequest) WithdrawRequest() store.WithdrawRequest {
	r := store.WithdrawRequest{
		ID: mr.ID, Coin: mr.Coin, HotAddress: mr.HotAddress, TotalAmount: fromD128(mr.TotalAmount),
		EstimateFee: fromD128(mr.EstimateFee), Approval: store.Approval(mr.Approval), FullySent: mr.FullySent,
		CreatedAt: mr.CreatedAt.UTC(), Version: mr.Version,
	}
	for _, it := range mr.Items {
		r.Items = append(r.Items, it.LineItem())
	}
	return r
}

// InsertWithdrawRequest saves a new request giving ids to its line items.
func (m *Mongo) InsertWithdrawRequest(ctx context.Context, r *store.WithdrawRequest) error {
	if r.ID == "" {
		r.ID = store.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	mr := MongoWithdrawRequest{
		ID: r.ID, Coin: r.Coin, HotAddress: r.HotAddress, TotalAmount: d128(r.TotalAmount),
		EstimateFee: d128(r.EstimateFee), Approval: string(r.Approval), FullySent: r.FullySent,
		CreatedAt: r.CreatedAt, Version: r.Version, Items: make([]MongoLineItem, 0, len(r.Items)),
	}
	for i := range r.Items {
		if r.Items[i].ID == "" {
			r.Items[i].ID = store.NewID()
		}
		it := r.Items[i]
		mr.Items = append(mr.Items, MongoLineItem{ID: it.ID, Recipient: it.Recipient, Amount: d128(it.Amount),
			Trace: it.Trace, Sent: it.Sent, TxHash: it.TxHash})
	}
	if _, err := m.db.Collection(colRequest).InsertOne(ctx, mr); err != nil {
		if isDup(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("could not insert withdraw request in db: %w", err)
	}
	return nil
}

// WithdrawRequest loads a request by id.
func (m *Mongo) WithdrawRequest(ctx context.Context, id string) (store.WithdrawRequest, error) {
	var mr MongoWithdrawRequest
	if err := m.db.Collection(colRequest).FindOne(ctx, bson.M{"_id": id}).Decode(&mr); err != nil {
		return store.WithdrawRequest{}, notFound(err)
	}
	return mr.WithdrawRequest(), nil
}

// DispatchableWithdrawRequests returns approved requests of coin not fully sent, oldest first.
func (m *Mongo) DispatchableWithdrawRequests(ctx context.Context, coin string) ([]store.WithdrawRequest, error) {
	cur, err := m.db.Collection(colRequest).Find(ctx,
		bson.M{"coin": coin, "approval": string(store.ApprovalApproved), "fullySent": false},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []store.WithdrawRequest
	for cur.Next(ctx) {
		var mr MongoWithdrawRequest
		if err = cur.Decode(&mr); err != nil {
			return nil, err
		}
		out = append(out, mr.WithdrawRequest())
	}
	return out, cur.Err()
}

// UnsentTraceExists reports whether an unsent line item of a live request holds trace.
func (m *Mongo) UnsentTraceExists(ctx context.Context, trace string) (bool, error) {
	n, err := m.db.Collection(colRequest).CountDocuments(ctx, bson.M{
		"items":     bson.M{"$elemMatch": bson.M{"trace": trace, "sent": false}},
		"approval":  bson.M{"$ne": string(store.ApprovalRejected)},
		"fullySent": false,
	}, options.Count().SetLimit(1))
	return n > 0, err
}

// SetApproval moves the approval of request id from -> to.
func (m *Mongo) SetApproval(ctx context.Context, id string, from, to store.Approval) (bool, error) {
	res, err := m.db.Collection(colRequest).UpdateOne(ctx,
		bson.M{"_id": id, "approval": string(from)},
		bson.M{"$set": bson.M{"approval": string(to)}, "$inc": bson.M{"version": 1}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// MarkLineItemSent flags the line item as sent if it is not yet.
func (m *Mongo) MarkLineItemSent(ctx context.Context, requestID, itemID string) (bool, error) {
	res, err := m.db.Collection(colRequest).UpdateOne(ctx,
		bson.M{"_id": requestID, "items": bson.M{"$elemMatch": bson.M{"id": itemID, "sent": false}}},
		bson.M{"$set": bson.M{"items.$.sent": true}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// LineItem returns one line item as stored.
func (m *Mongo) LineItem(ctx context.Context, requestID, itemID string) (store.LineItem, error) {
	r, err := m.WithdrawRequest(ctx, requestID)
	if err != nil {
		return store.LineItem{}, err
	}
	it, ok := r.Item(itemID)
	if !ok {
		return store.LineItem{}, store.ErrNotFound
	}
	return it, nil
}

// SetLineItemHash records the hash the line item was sent with.
func (m *Mongo) SetLineItemHash(ctx context.Context, requestID, itemID, hash string) error {
	res, err := m.db.Collection(colRequest).UpdateOne(ctx,
		bson.M{"_id": requestID, "items.id": itemID},
		bson.M{"$set": bson.M{"items.$.txHash": hash}})
	if err != nil {
		return err
	}
	if res.MatchedCount != 1 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateWithdrawProgress writes total and fullySent when the stored version matches.
func (m *Mongo) UpdateWithdrawProgress(ctx context.Context, r *store.WithdrawRequest) (bool, error) {
	res, err := m.db.Collection(colRequest).UpdateOne(ctx,
		bson.M{"_id": r.ID, "version": r.Version},
		bson.M{"$set": bson.M{"totalAmount": d128(r.TotalAmount), "fullySent": r.FullySent},
			"$inc": bson.M{"version": 1}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount != 1 {
		return false, nil
	}
	r.Version++
	return true, nil
}

// MongoAddress implements a store address to MongoDB.
type MongoAddress struct {
	ID        string               `bson:"_id"`
	Address   string               `bson:"address"`
	Coin      string               `bson:"coin"`
	Use       string               `bson:"use"`
	Index     int64                `bson:"index"`
	Key       string               `bson:"key"`
	Unsent    primitive.Decimal128 `bson:"unsent"`
	CreatedAt time.Time            `bson:"createdAt"`
}

// Store converts a MongoAddress to store.Address type.
func (a MongoAddress) Store() store.Address {
	return store.Address{Address: a.Address, Coin: a.Coin, Use: store.Use(a.Use), Index: uint32(a.Index), Key: a.Key,
		Unsent: fromD128(a.Unsent), CreatedAt: a.CreatedAt.UTC()}
}

func addrID(coin, address string) string { return coin + ":" + address }

// InsertAddress saves a new address.
func (m *Mongo) InsertAddress(ctx context.Context, a store.Address) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection(colAddress).InsertOne(ctx, MongoAddress{
		ID: addrID(a.Coin, a.Address), Address: a.Address, Coin: a.Coin, Use: string(a.Use), Index: int64(a.Index),
		Key: a.Key, Unsent: d128(a.Unsent), CreatedAt: a.CreatedAt,
	})
	if isDup(err) {
		return store.ErrDuplicate
	}
	return err
}

// Address loads an address of coin.
func (m *Mongo) Address(ctx context.Context, coin, address string) (store.Address, error) {
	var ma MongoAddress
	if err := m.db.Collection(colAddress).FindOne(ctx, bson.M{"_id": addrID(coin, address)}).Decode(&ma); err != nil {
		return store.Address{}, notFound(err)
	}
	return ma.Store(), nil
}

// Addresses returns the addresses of coin with the given use, ordered by index.
func (m *Mongo) Addresses(ctx context.Context, coin string, use store.Use) ([]store.Address, error) {
	cur, err := m.db.Collection(colAddress).Find(ctx, bson.M{"coin": coin, "use": string(use)},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []store.Address
	for cur.Next(ctx) {
		var ma MongoAddress
		if err = cur.Decode(&ma); err != nil {
			return nil, err
		}
		out = append(out, ma.Store())
	}
	return out, cur.Err()
}

// CountAddresses counts the addresses of coin.
func (m *Mongo) CountAddresses(ctx context.Context, coin string) (int, error) {
	n, err := m.db.Collection(colAddress).CountDocuments(ctx, bson.M{"coin": coin})
	return int(n), err
}

func (m *Mongo) incUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	res, err := m.db.Collection(colAddress).UpdateOne(ctx, bson.M{"_id": addrID(coin, address)},
		bson.M{"$inc": bson.M{"unsent": d128(amount)}})
	if err != nil {
		return err
	}
	if res.MatchedCount != 1 {
		return store.ErrNotFound
	}
	return nil
}

// AddUnsent increments the unsent accumulator of an address.
func (m *Mongo) AddUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	return m.incUnsent(ctx, coin, address, amount)
}

// SubUnsent decrements the unsent accumulator of an address.
func (m *Mongo) SubUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	return m.incUnsent(ctx, coin, address, amount.Neg())
}

type mongoCursor struct {
	Chain     string    `bson:"_id"`
	Height    int64     `bson:"height"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Cursor loads the cursor of chain.
func (m *Mongo) Cursor(ctx context.Context, chain string) (store.ChainCursor, error) {
	var mc mongoCursor
	if err := m.db.Collection(colCursor).FindOne(ctx, bson.M{"_id": chain}).Decode(&mc); err != nil {
		return store.ChainCursor{}, notFound(err)
	}
	return store.ChainCursor{Chain: mc.Chain, Height: uint64(mc.Height), UpdatedAt: mc.UpdatedAt.UTC()}, nil
}

// InitCursor creates the cursor of chain unless it exists.
func (m *Mongo) InitCursor(ctx context.Context, chain string, height uint64) (bool, error) {
	_, err := m.db.Collection(colCursor).InsertOne(ctx,
		mongoCursor{Chain: chain, Height: int64(height), UpdatedAt: time.Now().UTC()})
	if isDup(err) {
		return false, nil
	}
	return err == nil, err
}

// AdvanceCursor moves the cursor forward if it is still at from.
func (m *Mongo) AdvanceCursor(ctx context.Context, chain string, from, to uint64) (bool, error) {
	if to <= from {
		return false, nil
	}
	res, err := m.db.Collection(colCursor).UpdateOne(ctx,
		bson.M{"_id": chain, "height": int64(from)},
		bson.M{"$set": bson.M{"height": int64(to), "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

type mongoUnit struct {
	ID        string    `bson:"_id"`
	Chain     string    `bson:"chain"`
	Height    int64     `bson:"height"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func unitID(chain string, height uint64) string { return fmt.Sprintf("%s:%d", chain, height) }

// EnqueueBlockUnits creates pending units for [from, to].
func (m *Mongo) EnqueueBlockUnits(ctx context.Context, chain string, from, to uint64) error {
	if to < from {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mgo.WriteModel, 0, to-from+1)
	for h := from; h <= to && h >= from; h++ {
		models = append(models, mgo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": unitID(chain, h)}).
			SetUpdate(bson.M{"$setOnInsert": bson.M{"chain": chain, "height": int64(h),
				"status": string(store.UnitPending), "updatedAt": now}}).
			SetUpsert(true))
	}
	_, err := m.db.Collection(colUnit).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// NextBlockUnits returns pending units of chain, lowest heights first.
func (m *Mongo) NextBlockUnits(ctx context.Context, chain string, limit int) ([]store.BlockUnit, error) {
	opts := options.Find().SetSort(bson.D{{Key: "height", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.db.Collection(colUnit).Find(ctx, bson.M{"chain": chain, "status": string(store.UnitPending)}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []store.BlockUnit
	for cur.Next(ctx) {
		var mu mongoUnit
		if err = cur.Decode(&mu); err != nil {
			return nil, err
		}
		out = append(out, store.BlockUnit{Chain: mu.Chain, Height: uint64(mu.Height), Status: store.UnitStatus(mu.Status),
			UpdatedAt: mu.UpdatedAt.UTC()})
	}
	return out, cur.Err()
}

// SetBlockUnitStatus moves a unit from -> to.
func (m *Mongo) SetBlockUnitStatus(ctx context.Context, chain string, height uint64, from, to store.UnitStatus) (bool, error) {
	res, err := m.db.Collection(colUnit).UpdateOne(ctx,
		bson.M{"_id": unitID(chain, height), "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "updatedAt": time.Now().UTC()}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// ResetProcessingUnits returns every processing unit of chain to pending.
func (m *Mongo) ResetProcessingUnits(ctx context.Context, chain string) (int, error) {
	res, err := m.db.Collection(colUnit).UpdateMany(ctx,
		bson.M{"chain": chain, "status": string(store.UnitProcessing)},
		bson.M{"$set": bson.M{"status": string(store.UnitPending), "updatedAt": time.Now().UTC()}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

type mongoFailed struct {
	ID        string    `bson:"_id"`
	URL       string    `bson:"url"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"createdAt"`
}

// InsertFailedNotification queues n.
func (m *Mongo) InsertFailedNotification(ctx context.Context, n *store.FailedNotification) error {
	if n.ID == "" {
		n.ID = store.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection(colFailed).InsertOne(ctx,
		mongoFailed{ID: n.ID, URL: n.URL, Payload: n.Payload, CreatedAt: n.CreatedAt})
	return err
}

// FailedNotifications returns up to limit queued notifications, oldest first.
func (m *Mongo) FailedNotifications(ctx context.Context, limit int) ([]store.FailedNotification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.db.Collection(colFailed).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []store.FailedNotification
	for cur.Next(ctx) {
		var mf mongoFailed
		if err = cur.Decode(&mf); err != nil {
			return nil, err
		}
		out = append(out, store.FailedNotification{ID: mf.ID, URL: mf.URL, Payload: mf.Payload,
			CreatedAt: mf.CreatedAt.UTC()})
	}
	return out, cur.Err()
}

// DeleteFailedNotification removes a queued notification.
func (m *Mongo) DeleteFailedNotification(ctx context.Context, id string) error {
	res, err := m.db.Collection(colFailed).DeleteOne(ctx, bson.M{"_id": id})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrNotFound
	}
	return err
}

// InsertApproved stores an allowance record.
func (m *Mongo) InsertApproved(ctx context.Context, a *store.Approved) error {
	if a.ID == "" {
		a.ID = store.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection(colApproved).InsertOne(ctx, bson.M{
		"_id": a.ID, "coin": a.Coin, "owner": a.Owner, "spender": a.Spender, "amount": d128(a.Amount),
		"txHash": a.TxHash, "createdAt": a.CreatedAt,
	})
	if isDup(err) {
		return store.ErrDuplicate
	}
	return err
}
