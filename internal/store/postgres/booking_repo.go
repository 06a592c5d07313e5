package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"schedula/backend/internal/clock"
	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

const activeSlotConstraint = "appointments_active_slot"

var activeStatuses = []domain.AppointmentStatus{
	domain.AppointmentStatusBooked,
	domain.AppointmentStatusCompleted,
}

type BookingRepo struct {
	db    *bun.DB
	clock clock.Clock
}

var _ store.BookingStore = (*BookingRepo)(nil)

func NewBookingRepo(db *bun.DB, c clock.Clock) *BookingRepo {
	if c == nil {
		c = clock.System{}
	}
	return &BookingRepo{db: db, clock: c}
}

func (r *BookingRepo) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	now := r.clock.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := r.db.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeSlotConstraint {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	return m, nil
}

func (r *BookingRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return a, nil
}

func (r *BookingRepo) FindBySlot(ctx context.Context, providerID, date, slotID string) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().
		Model(&a).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		Where("slot_id = ?", slotID).
		Where("status IN (?)", bun.In(activeStatuses)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return a, nil
}

func (r *BookingRepo) FindActive(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = activeStatuses
	}
	return r.List(ctx, filter)
}

func (r *BookingRepo) List(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := r.db.NewSelect().
		Model(&rows).
		ApplyQueryBuilder(applyAppointmentFilter(filter)).
		OrderExpr("start_at ASC, id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

// BulkTransition ignores filter.Limit; the UPDATE touches every matching row.
func (r *BookingRepo) BulkTransition(ctx context.Context, filter domain.AppointmentFilter, t domain.Transition) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := r.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("status = ?", t.Status).
		Set("refund_pending = ?", t.RefundPending).
		Set("updated_at = ?", r.clock.Now().UTC())
	if t.PaymentStatus != "" {
		q = q.Set("payment_status = ?", t.PaymentStatus)
	}
	if t.CancelReason != "" {
		q = q.Set("cancel_reason = ?", t.CancelReason)
	}
	_, err := q.
		ApplyQueryBuilder(applyAppointmentFilter(filter)).
		Returning("*").
		Exec(ctx, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BookingRepo) BookedSlots(ctx context.Context, providerID, date string) ([]string, error) {
	var slots []string
	err := r.db.NewSelect().
		Model((*domain.Appointment)(nil)).
		Column("slot_id").
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		Where("status IN (?)", bun.In(activeStatuses)).
		OrderExpr("slot_id ASC").
		Scan(ctx, &slots)
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *BookingRepo) SetPayment(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, transactionID string) (domain.Appointment, error) {
	var a domain.Appointment
	q := r.db.NewUpdate().
		Model(&a).
		Set("payment_status = ?", status).
		Set("updated_at = ?", r.clock.Now().UTC()).
		Where("id = ?", id).
		Returning("*")
	if transactionID != "" {
		q = q.Set("transaction_id = ?", transactionID)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	if err := requireAffected(res); err != nil {
		return domain.Appointment{}, err
	}
	return a, nil
}

func (r *BookingRepo) MarkRefunded(ctx context.Context, id uuid.UUID, refundTxnID *uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	q := r.db.NewUpdate().
		Model(&a).
		Set("refund_pending = ?", false).
		Set("updated_at = ?", r.clock.Now().UTC()).
		Where("id = ?", id).
		Returning("*")
	if refundTxnID != nil {
		q = q.
			Set("refund_transaction_id = ?", *refundTxnID).
			Set("payment_status = ?", domain.PaymentStatusRefunded)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	if err := requireAffected(res); err != nil {
		return domain.Appointment{}, err
	}
	return a, nil
}

func applyAppointmentFilter(f domain.AppointmentFilter) func(bun.QueryBuilder) bun.QueryBuilder {
	return func(q bun.QueryBuilder) bun.QueryBuilder {
		if len(f.IDs) > 0 {
			q = q.Where("id IN (?)", bun.In(f.IDs))
		}
		if f.ProviderID != "" {
			q = q.Where("provider_id = ?", f.ProviderID)
		}
		if f.ClientID != "" {
			q = q.Where("client_id = ?", f.ClientID)
		}
		if f.SessionID != uuid.Nil {
			q = q.Where("session_id = ?", f.SessionID)
		}
		if f.Date != "" {
			q = q.Where("date = ?", f.Date)
		}
		if len(f.Statuses) > 0 {
			q = q.Where("status IN (?)", bun.In(f.Statuses))
		}
		if f.StartFrom != nil {
			q = q.Where("start_at >= ?", *f.StartFrom)
		}
		if f.EndBefore != nil {
			q = q.Where("end_at < ?", *f.EndBefore)
		}
		if f.RefundPending != nil {
			q = q.Where("refund_pending = ?", *f.RefundPending)
		}
		return q
	}
}
