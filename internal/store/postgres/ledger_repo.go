package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

type LedgerRepo struct {
	db *bun.DB
}

var _ store.LedgerStore = (*LedgerRepo)(nil)

func NewLedgerRepo(db *bun.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

func (r *LedgerRepo) Apply(ctx context.Context, accountID string, delta int64, txn domain.Transaction) (domain.Adjustment, error) {
	var out domain.Adjustment
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if txn.AppointmentID != nil {
			key := fmt.Sprintf("ledger:%s:%s", txn.AppointmentID, txn.PaymentFor)
			if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", key).Exec(ctx); err != nil {
				return err
			}

			var existing domain.Transaction
			err := tx.NewSelect().
				Model(&existing).
				Where("appointment_id = ?", *txn.AppointmentID).
				Where("payment_for = ?", txn.PaymentFor).
				Limit(1).
				Scan(ctx)
			if err == nil {
				balance, err := walletBalance(ctx, tx, existing.AccountID)
				if err != nil {
					return err
				}
				out = domain.Adjustment{NewBalance: balance, Transaction: existing, Replayed: true}
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		balance, err := moveBalance(ctx, tx, accountID, delta)
		if err != nil {
			return err
		}

		m := txn
		m.AccountID = accountID
		m.BalanceAfter = balance
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return err
		}
		out = domain.Adjustment{NewBalance: balance, Transaction: m}
		return nil
	})
	if err != nil {
		return domain.Adjustment{}, err
	}
	return out, nil
}

func (r *LedgerRepo) Balance(ctx context.Context, accountID string) (int64, error) {
	return walletBalance(ctx, r.db, accountID)
}

func (r *LedgerRepo) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	var rows []domain.Transaction
	err := r.db.NewSelect().
		Model(&rows).
		Where("account_id = ?", accountID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *LedgerRepo) FindTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error) {
	var t domain.Transaction
	err := r.db.NewSelect().
		Model(&t).
		Where("appointment_id = ?", appointmentID).
		Where("payment_for = ?", purpose).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, store.ErrNotFound
		}
		return domain.Transaction{}, err
	}
	return t, nil
}

// moveBalance credits with an upsert and debits with a guarded update so a
// balance never goes negative.
func moveBalance(ctx context.Context, tx bun.Tx, accountID string, delta int64) (int64, error) {
	now := time.Now().UTC()
	if delta > 0 {
		w := domain.Wallet{OwnerID: accountID, Balance: delta, UpdatedAt: now}
		_, err := tx.NewInsert().
			Model(&w).
			On("CONFLICT (owner_id) DO UPDATE").
			Set("balance = wallet.balance + EXCLUDED.balance").
			Set("updated_at = EXCLUDED.updated_at").
			Returning("balance").
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return w.Balance, nil
	}

	var balance int64
	err := tx.NewRaw(
		"UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE owner_id = ? AND balance + ? >= 0 RETURNING balance",
		delta, now, accountID, delta,
	).Scan(ctx, &balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrInsufficientFunds
		}
		return 0, err
	}
	return balance, nil
}

func walletBalance(ctx context.Context, db bun.IDB, accountID string) (int64, error) {
	var w domain.Wallet
	err := db.NewSelect().Model(&w).Where("owner_id = ?", accountID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return w.Balance, nil
}
