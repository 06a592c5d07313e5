package store

import (
	"context"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
)

type BookingStore interface {
	// Create returns ErrConflict when the slot already holds an active appointment.
	Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	FindBySlot(ctx context.Context, providerID, date, slotID string) (domain.Appointment, error)
	FindActive(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error)
	List(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error)

	// BulkTransition applies t to every row matching filter at write time and
	// returns the rows it changed.
	BulkTransition(ctx context.Context, filter domain.AppointmentFilter, t domain.Transition) ([]domain.Appointment, error)
	BookedSlots(ctx context.Context, providerID, date string) ([]string, error)
	SetPayment(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, transactionID string) (domain.Appointment, error)
	// MarkRefunded clears the refund-pending marker. A non-nil refundTxnID also
	// records the refund and sets the payment status to refunded.
	MarkRefunded(ctx context.Context, id uuid.UUID, refundTxnID *uuid.UUID) (domain.Appointment, error)
}
