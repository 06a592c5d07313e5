package ledger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"schedula/backend/internal/clock"
	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Service is the only writer of wallet balances.
type Service struct {
	store  store.LedgerStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(s store.LedgerStore, c clock.Clock, logger *slog.Logger) *Service {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, clock: c, logger: logger.With("component", "ledger")}
}

// ApplyAdjustment moves delta on accountID and records draft. Credits must come
// from the admin account and debits must go to it.
func (s *Service) ApplyAdjustment(ctx context.Context, accountID string, delta int64, draft domain.TransactionDraft) (domain.Adjustment, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Adjustment{}, validationError("account_id is required")
	}
	if delta == 0 {
		return domain.Adjustment{}, validationError("delta must not be zero")
	}
	if draft.Amount != abs(delta) {
		return domain.Adjustment{}, validationError("amount must equal the absolute delta")
	}
	if draft.PaymentFor == "" {
		return domain.Adjustment{}, validationError("payment_for is required")
	}
	if draft.Method == "" {
		return domain.Adjustment{}, validationError("method is required")
	}
	if delta > 0 && draft.From != domain.PartyAdmin {
		return domain.Adjustment{}, validationError("credits must originate from admin")
	}
	if delta < 0 && draft.To != domain.PartyAdmin {
		return domain.Adjustment{}, validationError("debits must be paid to admin")
	}
	if draft.PaymentFor == domain.PaymentForRefund && delta < 0 {
		return domain.Adjustment{}, validationError("refunds must credit the account")
	}
	if draft.PaymentFor == domain.PaymentForBooking && delta > 0 {
		return domain.Adjustment{}, validationError("booking payments must debit the account")
	}

	adj, err := s.store.Apply(ctx, accountID, delta, draft.Transaction(accountID, s.clock.Now().UTC()))
	if err != nil {
		return domain.Adjustment{}, err
	}

	if adj.Replayed {
		s.logger.InfoContext(ctx, "ledger adjustment replayed",
			"account_id", accountID,
			"payment_for", draft.PaymentFor,
			"transaction_id", adj.Transaction.ID.String(),
		)
	} else {
		s.logger.DebugContext(ctx, "ledger adjustment applied",
			"account_id", accountID,
			"delta", delta,
			"payment_for", draft.PaymentFor,
			"balance", adj.NewBalance,
		)
	}
	return adj, nil
}

func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	if strings.TrimSpace(accountID) == "" {
		return 0, validationError("account_id is required")
	}
	return s.store.Balance(ctx, accountID)
}

func (s *Service) Transactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, validationError("account_id is required")
	}
	return s.store.ListTransactions(ctx, accountID)
}

// FindTransaction looks up the transaction recorded for an appointment and
// purpose. It returns store.ErrNotFound when none was applied.
func (s *Service) FindTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error) {
	if appointmentID == uuid.Nil {
		return domain.Transaction{}, validationError("appointment_id is required")
	}
	return s.store.FindTransaction(ctx, appointmentID, purpose)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
