package store

import (
	"context"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
)

// LedgerStore moves a wallet balance and appends the matching transaction as
// one unit. A transaction whose (appointment, purpose) key already exists is
// replayed without touching the balance.
type LedgerStore interface {
	Apply(ctx context.Context, accountID string, delta int64, txn domain.Transaction) (domain.Adjustment, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
	FindTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error)
}
