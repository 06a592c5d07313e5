package scheduling

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"schedula/backend/internal/clock"
	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

type Ledger interface {
	ApplyAdjustment(ctx context.Context, accountID string, delta int64, draft domain.TransactionDraft) (domain.Adjustment, error)
	FindTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error)
}

// Notifier receives every batch of appointments a single call cancelled.
type Notifier interface {
	AppointmentsCancelled(ctx context.Context, reason string, appts []domain.Appointment) error
}

type RefundRetrier interface {
	EnqueueRefundRetry(ctx context.Context, appointmentID uuid.UUID) error
}

const defaultRefundConcurrency = 8

// Engine orchestrates availability, bookings and refunds. It keeps no state
// between calls; every invariant is enforced by the stores.
type Engine struct {
	avail    store.AvailabilityStore
	bookings store.BookingStore
	ledger   Ledger

	cal               *clock.Calendar
	logger            *slog.Logger
	notifier          Notifier
	retrier           RefundRetrier
	refundConcurrency int
}

type Option func(*Engine)

func WithCalendar(c *clock.Calendar) Option {
	return func(e *Engine) {
		if c != nil {
			e.cal = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithRefundRetrier(r RefundRetrier) Option {
	return func(e *Engine) { e.retrier = r }
}

func WithRefundConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.refundConcurrency = n
		}
	}
}

func NewEngine(avail store.AvailabilityStore, bookings store.BookingStore, ledger Ledger, opts ...Option) *Engine {
	e := &Engine{
		avail:             avail,
		bookings:          bookings,
		ledger:            ledger,
		cal:               clock.NewCalendar(clock.System{}, nil),
		logger:            slog.Default(),
		refundConcurrency: defaultRefundConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "scheduling")
	return e
}

func (e *Engine) normalizeDate(day string) (string, error) {
	date, err := e.cal.Normalize(day)
	if err != nil {
		return "", validationError("invalid date")
	}
	return date, nil
}
