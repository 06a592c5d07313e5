package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Party is a side of a ledger movement.
type Party string

const (
	PartyAdmin    Party = "admin"
	PartyClient   Party = "client"
	PartyProvider Party = "provider"
)

type PaymentPurpose string

const (
	PaymentForBooking PaymentPurpose = "booking"
	PaymentForRefund  PaymentPurpose = "refund"
	PaymentForTopUp   PaymentPurpose = "topup"
)

type PaymentMethod string

const (
	PaymentMethodWallet  PaymentMethod = "wallet"
	PaymentMethodGateway PaymentMethod = "gateway"
)

type Wallet struct {
	bun.BaseModel `bun:"table:wallets"`

	OwnerID   string    `bun:"owner_id,pk"`
	Balance   int64     `bun:"balance,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Transaction is an append-only ledger row. AccountID is the wallet whose
// balance moved; BalanceAfter is that wallet's balance once it was applied.
type Transaction struct {
	bun.BaseModel `bun:"table:transactions"`

	ID            uuid.UUID      `bun:"id,pk,type:uuid"`
	AccountID     string         `bun:"account_id,notnull"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull"`
	From          Party          `bun:"from_party,notnull"`
	To            Party          `bun:"to_party,notnull"`
	Method        PaymentMethod  `bun:"method,notnull"`
	Amount        int64          `bun:"amount,notnull"`
	PaymentFor    PaymentPurpose `bun:"payment_for,notnull"`
	AppointmentID *uuid.UUID     `bun:"appointment_id,type:uuid"`
	Reference     string         `bun:"reference,nullzero"`
	BalanceAfter  int64          `bun:"balance_after,notnull"`
	CreatedAt     time.Time      `bun:"created_at,notnull"`
}

func (t *Transaction) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return nil
}

type TransactionDraft struct {
	From          Party
	To            Party
	Method        PaymentMethod
	Amount        int64
	PaymentFor    PaymentPurpose
	AppointmentID *uuid.UUID
	Reference     string
}

func (d TransactionDraft) Transaction(accountID string, at time.Time) Transaction {
	return Transaction{
		AccountID:     accountID,
		OccurredAt:    at,
		From:          d.From,
		To:            d.To,
		Method:        d.Method,
		Amount:        d.Amount,
		PaymentFor:    d.PaymentFor,
		AppointmentID: d.AppointmentID,
		Reference:     d.Reference,
	}
}

// Adjustment is the outcome of one balance change. Replayed is set when the
// transaction key already existed and no money moved.
type Adjustment struct {
	NewBalance  int64
	Transaction Transaction
	Replayed    bool
}
