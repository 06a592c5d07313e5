package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/metrics"
	"schedula/backend/internal/store"
)

// GetBookedSlots returns the slot ids on day that hold a booked or completed
// appointment.
func (e *Engine) GetBookedSlots(ctx context.Context, providerID, day string) ([]string, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	date, err := e.normalizeDate(day)
	if err != nil {
		return nil, err
	}
	slots, err := e.bookings.BookedSlots(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []string{}
	}
	return slots, nil
}

type BookInput struct {
	ClientID    string
	SessionID   uuid.UUID
	Date        string
	SlotID      string
	PaymentType domain.PaymentMethod
	// GatewayReference is the external payment id for gateway payments.
	GatewayReference string
}

// BookSlot reserves one slot for a client and takes payment. The slot
// reservation is the unique insert; payment happens after it and a failed
// debit cancels the reservation again.
func (e *Engine) BookSlot(ctx context.Context, in BookInput) (domain.Appointment, error) {
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return domain.Appointment{}, validationError("client_id is required")
	}
	if in.SessionID == uuid.Nil {
		return domain.Appointment{}, validationError("session_id is required")
	}
	if strings.TrimSpace(in.SlotID) == "" {
		return domain.Appointment{}, validationError("slot_id is required")
	}
	switch in.PaymentType {
	case domain.PaymentMethodWallet:
	case domain.PaymentMethodGateway:
		if strings.TrimSpace(in.GatewayReference) == "" {
			return domain.Appointment{}, validationError("gateway_reference is required")
		}
	default:
		return domain.Appointment{}, validationError("invalid payment_type")
	}
	date, err := e.normalizeDate(in.Date)
	if err != nil {
		return domain.Appointment{}, err
	}

	session, err := e.avail.GetSession(ctx, in.SessionID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !session.OccursOn(date) {
		return domain.Appointment{}, validationError("session does not occur on date")
	}
	slot, ok := session.FindSlot(date, in.SlotID, e.cal.Location())
	if !ok {
		return domain.Appointment{}, validationError("unknown slot")
	}
	if !slot.Start.After(e.cal.Now()) {
		return domain.Appointment{}, validationError("slot has already started")
	}
	blocked, err := e.avail.HasException(ctx, session.ProviderID, session.ID, date)
	if err != nil {
		return domain.Appointment{}, err
	}
	if blocked {
		return domain.Appointment{}, validationError("slot is unavailable")
	}

	// The unique index on active slots still decides races; this only skips
	// the insert for a slot that is visibly taken.
	switch _, err := e.bookings.FindBySlot(ctx, session.ProviderID, date, slot.ID); {
	case err == nil:
		metrics.BookingsTotal.WithLabelValues(metrics.BookingConflict, string(in.PaymentType)).Inc()
		return domain.Appointment{}, store.ErrConflict
	case !errors.Is(err, store.ErrNotFound):
		return domain.Appointment{}, err
	}

	appt, err := e.bookings.Create(ctx, domain.Appointment{
		ProviderID:    session.ProviderID,
		ClientID:      clientID,
		SessionID:     session.ID,
		SlotID:        slot.ID,
		Date:          date,
		StartTime:     slot.Start,
		EndTime:       slot.End,
		Fee:           session.Fee,
		PaymentType:   in.PaymentType,
		Status:        domain.AppointmentStatusBooked,
		PaymentStatus: domain.PaymentStatusPending,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.BookingsTotal.WithLabelValues(metrics.BookingConflict, string(in.PaymentType)).Inc()
		}
		return domain.Appointment{}, err
	}

	// Availability writes cascade again after storing the exception or
	// deleting the session, so either that pass or this check sees the
	// new appointment.
	reason, err := e.slotWithdrawn(ctx, appt)
	if err != nil || reason != "" {
		if reason == "" {
			reason = domain.CancelReasonSlotUnavailable
		}
		e.releaseSlot(ctx, appt.ID, domain.Transition{
			Status:       domain.AppointmentStatusCancelled,
			CancelReason: reason,
		})
		if err != nil {
			return domain.Appointment{}, err
		}
		metrics.BookingsTotal.WithLabelValues(metrics.BookingConflict, string(in.PaymentType)).Inc()
		return domain.Appointment{}, fmt.Errorf("book slot: slot withdrawn while booking: %w", store.ErrConflict)
	}

	paid, err := e.collectPayment(ctx, appt, in.GatewayReference)
	if err != nil {
		metrics.BookingsTotal.WithLabelValues(metrics.BookingPaymentError, string(in.PaymentType)).Inc()
		return domain.Appointment{}, err
	}

	if paid.Status == domain.AppointmentStatusCancelled {
		// The slot was cancelled between the insert and the payment.
		e.settleCancelled(ctx, paid.ID)
		metrics.BookingsTotal.WithLabelValues(metrics.BookingConflict, string(in.PaymentType)).Inc()
		return domain.Appointment{}, fmt.Errorf("book slot: appointment cancelled during payment: %w", store.ErrConflict)
	}

	metrics.BookingsTotal.WithLabelValues(metrics.BookingSucceeded, string(in.PaymentType)).Inc()
	e.logger.InfoContext(ctx, "slot booked",
		"appointment_id", paid.ID.String(),
		"provider_id", paid.ProviderID,
		"client_id", paid.ClientID,
		"date", paid.Date,
		"slot_id", paid.SlotID,
	)
	return paid, nil
}

// slotWithdrawn reports the cancel reason when the booked slot stopped being
// offered after BookSlot validated it.
func (e *Engine) slotWithdrawn(ctx context.Context, appt domain.Appointment) (string, error) {
	session, err := e.avail.GetSession(ctx, appt.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CancelReasonSessionDeleted, nil
	}
	if err != nil {
		return "", err
	}
	if !session.OccursOn(appt.Date) {
		return domain.CancelReasonSessionChanged, nil
	}
	if _, ok := session.FindSlot(appt.Date, appt.SlotID, e.cal.Location()); !ok {
		return domain.CancelReasonSessionChanged, nil
	}
	blocked, err := e.avail.HasException(ctx, appt.ProviderID, appt.SessionID, appt.Date)
	if err != nil {
		return "", err
	}
	if blocked {
		return domain.CancelReasonSlotUnavailable, nil
	}
	return "", nil
}

// releaseSlot cancels a booking that has not been charged. It reports whether
// the booking was still booked.
func (e *Engine) releaseSlot(ctx context.Context, id uuid.UUID, t domain.Transition) bool {
	rows, err := e.bookings.BulkTransition(ctx, domain.AppointmentFilter{
		IDs:      []uuid.UUID{id},
		Statuses: []domain.AppointmentStatus{domain.AppointmentStatusBooked},
	}, t)
	if err != nil {
		e.logger.ErrorContext(ctx, "release slot failed",
			"appointment_id", id.String(),
			"err", err,
		)
		return false
	}
	return len(rows) > 0
}

func (e *Engine) collectPayment(ctx context.Context, appt domain.Appointment, gatewayRef string) (domain.Appointment, error) {
	if appt.PaymentType == domain.PaymentMethodGateway {
		return e.bookings.SetPayment(ctx, appt.ID, domain.PaymentStatusCompleted, gatewayRef)
	}
	if appt.Fee == 0 {
		return e.bookings.SetPayment(ctx, appt.ID, domain.PaymentStatusCompleted, "")
	}

	id := appt.ID
	adj, err := e.ledger.ApplyAdjustment(ctx, appt.ClientID, -appt.Fee, domain.TransactionDraft{
		From:          domain.PartyClient,
		To:            domain.PartyAdmin,
		Method:        domain.PaymentMethodWallet,
		Amount:        appt.Fee,
		PaymentFor:    domain.PaymentForBooking,
		AppointmentID: &id,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "booking payment failed",
			"appointment_id", appt.ID.String(),
			"client_id", appt.ClientID,
			"err", err,
		)
		e.releaseSlot(ctx, appt.ID, domain.Transition{
			Status:        domain.AppointmentStatusCancelled,
			PaymentStatus: domain.PaymentStatusFailed,
			CancelReason:  domain.CancelReasonPaymentFailed,
		})
		return domain.Appointment{}, fmt.Errorf("book slot: %w: %w", ErrLedgerFailure, err)
	}

	paid, err := e.bookings.SetPayment(ctx, appt.ID, domain.PaymentStatusCompleted, adj.Transaction.ID.String())
	if err != nil {
		e.logger.ErrorContext(ctx, "record booking payment failed",
			"appointment_id", appt.ID.String(),
			"transaction_id", adj.Transaction.ID.String(),
			"err", err,
		)
		e.refundUnrecorded(ctx, appt.ID)
		return domain.Appointment{}, fmt.Errorf("book slot: record payment: %w", err)
	}
	return paid, nil
}

// refundUnrecorded cancels a booking whose debit landed but was never written
// onto the appointment, and refunds the debit. If even the cancellation fails
// the booking stays pending; refundOne finds the debit in the ledger once
// expiry or a cascade cancels it.
func (e *Engine) refundUnrecorded(ctx context.Context, id uuid.UUID) {
	released := e.releaseSlot(ctx, id, domain.Transition{
		Status:        domain.AppointmentStatusCancelled,
		RefundPending: true,
		CancelReason:  domain.CancelReasonPaymentFailed,
	})
	if !released {
		appt, err := e.bookings.Get(ctx, id)
		if err != nil || appt.Status != domain.AppointmentStatusCancelled {
			return
		}
	}
	e.settleCancelled(ctx, id)
}

// CancelAppointment cancels a future booking on the client's behalf and
// refunds it.
func (e *Engine) CancelAppointment(ctx context.Context, clientID string, appointmentID uuid.UUID) (domain.Appointment, error) {
	if strings.TrimSpace(clientID) == "" {
		return domain.Appointment{}, validationError("client_id is required")
	}
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	appt, err := e.bookings.Get(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if appt.ClientID != clientID {
		return domain.Appointment{}, store.ErrNotFound
	}
	if appt.Status != domain.AppointmentStatusBooked {
		return domain.Appointment{}, validationError("appointment is not booked")
	}
	if !appt.StartTime.After(e.cal.Now()) {
		return domain.Appointment{}, validationError("appointment has already started")
	}

	cancelled, err := e.cascade(ctx, domain.AppointmentFilter{
		IDs: []uuid.UUID{appointmentID},
	}, domain.CancelReasonClient)
	if len(cancelled) == 0 {
		if err != nil {
			return domain.Appointment{}, err
		}
		return domain.Appointment{}, validationError("appointment is not booked")
	}
	return cancelled[0], err
}

func (e *Engine) CompleteAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	appt, err := e.bookings.Get(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !appt.Status.CanTransition(domain.AppointmentStatusCompleted) {
		return domain.Appointment{}, validationError("appointment is not booked")
	}
	if appt.StartTime.After(e.cal.Now()) {
		return domain.Appointment{}, validationError("appointment has not started")
	}

	rows, err := e.bookings.BulkTransition(ctx, domain.AppointmentFilter{
		IDs:      []uuid.UUID{appointmentID},
		Statuses: []domain.AppointmentStatus{domain.AppointmentStatusBooked},
	}, domain.Transition{Status: domain.AppointmentStatusCompleted})
	if err != nil {
		return domain.Appointment{}, err
	}
	if len(rows) == 0 {
		return domain.Appointment{}, validationError("appointment is not booked")
	}
	return rows[0], nil
}

// ListClientAppointments expires the client's lapsed bookings before listing.
func (e *Engine) ListClientAppointments(ctx context.Context, clientID string) ([]domain.Appointment, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, validationError("client_id is required")
	}
	if err := e.expire(ctx, domain.AppointmentFilter{ClientID: clientID}); err != nil {
		return nil, err
	}
	return e.bookings.List(ctx, domain.AppointmentFilter{ClientID: clientID})
}

// ListProviderAppointments expires the provider's lapsed bookings before listing.
func (e *Engine) ListProviderAppointments(ctx context.Context, providerID string) ([]domain.Appointment, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	if err := e.expire(ctx, domain.AppointmentFilter{ProviderID: providerID}); err != nil {
		return nil, err
	}
	return e.bookings.List(ctx, domain.AppointmentFilter{ProviderID: providerID})
}

// expire cancels booked appointments that ended before now. Refund failures
// are left to the retry queue so the listing still succeeds.
func (e *Engine) expire(ctx context.Context, filter domain.AppointmentFilter) error {
	now := e.cal.Now()
	filter.EndBefore = &now
	_, err := e.cascade(ctx, filter, domain.CancelReasonExpired)
	if err != nil && cascadeFailed(err) {
		e.logger.WarnContext(ctx, "expired appointment refunds pending", "err", err)
		return nil
	}
	return err
}
