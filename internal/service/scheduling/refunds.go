package scheduling

import (
	"context"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
)

// RetryRefund re-runs the refund step for one cancelled appointment. It is a
// no-op for appointments that are not cancelled or are already settled.
func (e *Engine) RetryRefund(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	appt, err := e.bookings.Get(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if appt.Status != domain.AppointmentStatusCancelled {
		return appt, nil
	}
	// A cancellation that raced a wallet debit can hold a charge without the
	// marker; refundOne checks the ledger for pending payments.
	if !appt.RefundPending && appt.PaymentStatus != domain.PaymentStatusCompleted && appt.PaymentStatus != domain.PaymentStatusPending {
		return appt, nil
	}

	out, err := e.refundOne(ctx, appt)
	if err != nil {
		return appt, err
	}
	e.logger.InfoContext(ctx, "refund retried",
		"appointment_id", appointmentID.String(),
		"payment_status", string(out.PaymentStatus),
	)
	return out, nil
}

// ReconcileRefunds settles up to limit cancelled appointments still carrying
// the refund-pending marker. It returns how many were settled.
func (e *Engine) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	pending := true
	appts, err := e.bookings.List(ctx, domain.AppointmentFilter{
		Statuses:      []domain.AppointmentStatus{domain.AppointmentStatusCancelled},
		RefundPending: &pending,
		Limit:         limit,
	})
	if err != nil {
		return 0, err
	}
	if len(appts) == 0 {
		return 0, nil
	}

	refunded, failures := e.refundAll(ctx, appts)
	e.logger.InfoContext(ctx, "refunds reconciled",
		"settled", len(refunded),
		"failed", len(failures),
	)
	if len(failures) > 0 {
		return len(refunded), &CascadeError{Cancelled: appts, Failures: failures}
	}
	return len(refunded), nil
}
