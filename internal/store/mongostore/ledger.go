package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

const (
	walletsCollection      = "wallets"
	transactionsCollection = "transactions"
)

type walletDoc struct {
	OwnerID   string    `bson:"_id"`
	Balance   int64     `bson:"balance"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type transactionDoc struct {
	ID            string    `bson:"_id"`
	AccountID     string    `bson:"accountId"`
	OccurredAt    time.Time `bson:"occurredAt"`
	From          string    `bson:"from"`
	To            string    `bson:"to"`
	Method        string    `bson:"method"`
	Amount        int64     `bson:"amount"`
	PaymentFor    string    `bson:"paymentFor"`
	AppointmentID *string   `bson:"appointmentId,omitempty"`
	Reference     string    `bson:"reference,omitempty"`
	BalanceAfter  int64     `bson:"balanceAfter"`
	CreatedAt     time.Time `bson:"createdAt"`
}

// Ledger is a LedgerStore over two collections. Balance changes and the
// matching transaction document are written in one multi-document
// transaction, so the deployment must be a replica set.
type Ledger struct {
	client       *mongo.Client
	wallets      *mongo.Collection
	transactions *mongo.Collection
}

var _ store.LedgerStore = (*Ledger)(nil)

func NewLedger(client *mongo.Client, database string) *Ledger {
	db := client.Database(database)
	return &Ledger{
		client:       client,
		wallets:      db.Collection(walletsCollection),
		transactions: db.Collection(transactionsCollection),
	}
}

func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (l *Ledger) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "appointmentId", Value: 1}, {Key: "paymentFor", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("appointment_purpose_unique").
				SetPartialFilterExpression(bson.M{"appointmentId": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "accountId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("account_created_idx"),
		},
	}
	if _, err := l.transactions.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}
	return nil
}

func (l *Ledger) Apply(ctx context.Context, accountID string, delta int64, txn domain.Transaction) (domain.Adjustment, error) {
	sess, err := l.client.StartSession()
	if err != nil {
		return domain.Adjustment{}, fmt.Errorf("start mongo session: %w", err)
	}
	defer sess.EndSession(ctx)

	var out domain.Adjustment
	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sc.StartTransaction(); err != nil {
			return err
		}
		adj, err := l.apply(sc, accountID, delta, txn)
		if err != nil {
			_ = sc.AbortTransaction(sc)
			return err
		}
		if err := sc.CommitTransaction(sc); err != nil {
			return err
		}
		out = adj
		return nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && txn.AppointmentID != nil {
			return l.replay(ctx, *txn.AppointmentID, txn.PaymentFor)
		}
		return domain.Adjustment{}, err
	}
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, accountID string, delta int64, txn domain.Transaction) (domain.Adjustment, error) {
	if txn.AppointmentID != nil {
		existing, err := l.findTransaction(ctx, *txn.AppointmentID, txn.PaymentFor)
		if err == nil {
			balance, err := l.Balance(ctx, existing.AccountID)
			if err != nil {
				return domain.Adjustment{}, err
			}
			return domain.Adjustment{NewBalance: balance, Transaction: existing, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Adjustment{}, err
		}
	}

	now := time.Now().UTC()
	filter := bson.M{"_id": accountID}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if delta > 0 {
		opts.SetUpsert(true)
	} else {
		filter["balance"] = bson.M{"$gte": -delta}
	}
	update := bson.M{
		"$inc": bson.M{"balance": delta},
		"$set": bson.M{"updatedAt": now},
	}

	var w walletDoc
	if err := l.wallets.FindOneAndUpdate(ctx, filter, update, opts).Decode(&w); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Adjustment{}, store.ErrInsufficientFunds
		}
		return domain.Adjustment{}, fmt.Errorf("update wallet: %w", err)
	}

	m := txn
	m.AccountID = accountID
	m.BalanceAfter = w.Balance
	if m.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Adjustment{}, err
		}
		m.ID = id
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = now
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	if _, err := l.transactions.InsertOne(ctx, toTransactionDoc(m)); err != nil {
		return domain.Adjustment{}, err
	}
	return domain.Adjustment{NewBalance: w.Balance, Transaction: m}, nil
}

func (l *Ledger) replay(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Adjustment, error) {
	existing, err := l.findTransaction(ctx, appointmentID, purpose)
	if err != nil {
		return domain.Adjustment{}, err
	}
	balance, err := l.Balance(ctx, existing.AccountID)
	if err != nil {
		return domain.Adjustment{}, err
	}
	return domain.Adjustment{NewBalance: balance, Transaction: existing, Replayed: true}, nil
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var w walletDoc
	err := l.wallets.FindOne(ctx, bson.M{"_id": accountID}).Decode(&w)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return w.Balance, nil
}

func (l *Ledger) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := l.transactions.Find(ctx, bson.M{"accountId": accountID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []transactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(docs))
	for _, d := range docs {
		t, err := fromTransactionDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (l *Ledger) FindTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error) {
	return l.findTransaction(ctx, appointmentID, purpose)
}

func (l *Ledger) findTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error) {
	var d transactionDoc
	err := l.transactions.FindOne(ctx, bson.M{
		"appointmentId": appointmentID.String(),
		"paymentFor":    string(purpose),
	}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Transaction{}, store.ErrNotFound
		}
		return domain.Transaction{}, err
	}
	return fromTransactionDoc(d)
}

func toTransactionDoc(t domain.Transaction) transactionDoc {
	d := transactionDoc{
		ID:           t.ID.String(),
		AccountID:    t.AccountID,
		OccurredAt:   t.OccurredAt.UTC(),
		From:         string(t.From),
		To:           string(t.To),
		Method:       string(t.Method),
		Amount:       t.Amount,
		PaymentFor:   string(t.PaymentFor),
		Reference:    t.Reference,
		BalanceAfter: t.BalanceAfter,
		CreatedAt:    t.CreatedAt.UTC(),
	}
	if t.AppointmentID != nil {
		id := t.AppointmentID.String()
		d.AppointmentID = &id
	}
	return d
}

func fromTransactionDoc(d transactionDoc) (domain.Transaction, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %q: %w", d.ID, err)
	}
	t := domain.Transaction{
		ID:           id,
		AccountID:    d.AccountID,
		OccurredAt:   d.OccurredAt,
		From:         domain.Party(d.From),
		To:           domain.Party(d.To),
		Method:       domain.PaymentMethod(d.Method),
		Amount:       d.Amount,
		PaymentFor:   domain.PaymentPurpose(d.PaymentFor),
		Reference:    d.Reference,
		BalanceAfter: d.BalanceAfter,
		CreatedAt:    d.CreatedAt,
	}
	if d.AppointmentID != nil {
		apptID, err := uuid.Parse(*d.AppointmentID)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("transaction %q appointment: %w", d.ID, err)
		}
		t.AppointmentID = &apptID
	}
	return t, nil
}
