package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/metrics"
	"schedula/backend/internal/store"
)

// cascade cancels every booked appointment matching filter, then refunds every
// cancelled appointment under the same filter that still carries the
// refund-pending marker. Phase one is the commit point: once it returns, the
// cancellations stand even if refunds fail.
func (e *Engine) cascade(ctx context.Context, filter domain.AppointmentFilter, reason string) ([]domain.Appointment, error) {
	cancelFilter := filter
	cancelFilter.Statuses = []domain.AppointmentStatus{domain.AppointmentStatusBooked}
	cancelFilter.RefundPending = nil
	cancelFilter.Limit = 0

	cancelled, err := e.bookings.BulkTransition(ctx, cancelFilter, domain.Transition{
		Status:        domain.AppointmentStatusCancelled,
		RefundPending: true,
		CancelReason:  reason,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel appointments: %w", err)
	}
	if len(cancelled) > 0 {
		metrics.CascadeCancellationsTotal.WithLabelValues(reason).Add(float64(len(cancelled)))
		e.logger.InfoContext(ctx, "appointments cancelled",
			"reason", reason,
			"count", len(cancelled),
		)
	}

	pending := true
	refundFilter := filter
	refundFilter.Statuses = []domain.AppointmentStatus{domain.AppointmentStatusCancelled}
	refundFilter.RefundPending = &pending
	refundFilter.Limit = 0

	toRefund, err := e.bookings.List(ctx, refundFilter)
	if err != nil {
		return cancelled, &CascadeError{
			Cancelled: cancelled,
			Failures:  pendingFailures(cancelled, fmt.Errorf("list refund-pending appointments: %w", err)),
		}
	}

	refunded, failures := e.refundAll(ctx, toRefund)
	for i, a := range cancelled {
		if r, ok := refunded[a.ID]; ok {
			cancelled[i] = r
		}
	}

	e.notifyCancelled(ctx, reason, cancelled)

	if len(failures) > 0 {
		e.scheduleRetries(ctx, failures)
		return cancelled, &CascadeError{Cancelled: cancelled, Failures: failures}
	}
	return cancelled, nil
}

// recascade runs the cascade again once the exception or deletion is stored,
// catching bookings inserted while the first pass ran. BookSlot re-checks
// availability after its insert, so one of the two always sees the other.
func (e *Engine) recascade(ctx context.Context, filter domain.AppointmentFilter, reason string, cancelled []domain.Appointment) ([]domain.Appointment, error) {
	late, err := e.cascade(ctx, filter, reason)
	return append(cancelled, late...), err
}

// refundAll refunds appts concurrently, bounded by refundConcurrency. Each
// item succeeds or fails on its own.
func (e *Engine) refundAll(ctx context.Context, appts []domain.Appointment) (map[uuid.UUID]domain.Appointment, []RefundFailure) {
	var (
		mu       sync.Mutex
		refunded = make(map[uuid.UUID]domain.Appointment, len(appts))
		failures []RefundFailure
	)

	var g errgroup.Group
	g.SetLimit(e.refundConcurrency)
	for _, a := range appts {
		g.Go(func() error {
			out, err := e.refundOne(ctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, RefundFailure{AppointmentID: a.ID, Err: err})
				return nil
			}
			refunded[a.ID] = out
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].AppointmentID.String() < failures[j].AppointmentID.String()
	})
	return refunded, failures
}

// refundOne credits the client with the appointment fee when the booking was
// paid, then clears the refund-pending marker. The ledger key
// (appointment, refund) makes a repeated call replay instead of paying twice.
func (e *Engine) refundOne(ctx context.Context, a domain.Appointment) (domain.Appointment, error) {
	reference, paid, err := e.chargedReference(ctx, a)
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(metrics.RefundFailed).Inc()
		return a, fmt.Errorf("look up booking payment: %w", err)
	}
	if !paid {
		out, err := e.bookings.MarkRefunded(ctx, a.ID, nil)
		if err != nil {
			metrics.RefundsTotal.WithLabelValues(metrics.RefundFailed).Inc()
			return a, fmt.Errorf("clear refund marker: %w", err)
		}
		metrics.RefundsTotal.WithLabelValues(metrics.RefundSkipped).Inc()
		return out, nil
	}

	id := a.ID
	adj, err := e.ledger.ApplyAdjustment(ctx, a.ClientID, a.Fee, domain.TransactionDraft{
		From:          domain.PartyAdmin,
		To:            domain.PartyClient,
		Method:        domain.PaymentMethodWallet,
		Amount:        a.Fee,
		PaymentFor:    domain.PaymentForRefund,
		AppointmentID: &id,
		Reference:     reference,
	})
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(metrics.RefundFailed).Inc()
		e.logger.WarnContext(ctx, "refund failed",
			"appointment_id", a.ID.String(),
			"client_id", a.ClientID,
			"err", err,
		)
		return a, fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	txnID := adj.Transaction.ID
	out, err := e.bookings.MarkRefunded(ctx, a.ID, &txnID)
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(metrics.RefundFailed).Inc()
		return a, fmt.Errorf("mark refunded: %w", err)
	}
	metrics.RefundsTotal.WithLabelValues(metrics.RefundSucceeded).Inc()
	return out, nil
}

// chargedReference reports whether the client paid for a and the payment
// reference to carry on the refund. A wallet debit can land without the
// appointment recording it, so pending wallet bookings are checked against the
// ledger.
func (e *Engine) chargedReference(ctx context.Context, a domain.Appointment) (string, bool, error) {
	if a.Fee <= 0 {
		return "", false, nil
	}
	switch a.PaymentStatus {
	case domain.PaymentStatusCompleted:
		return a.TransactionID, true, nil
	case domain.PaymentStatusPending:
		if a.PaymentType != domain.PaymentMethodWallet {
			return "", false, nil
		}
		txn, err := e.ledger.FindTransaction(ctx, a.ID, domain.PaymentForBooking)
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return txn.ID.String(), true, nil
	default:
		return "", false, nil
	}
}

// settleCancelled flags a cancelled appointment as refund-pending and refunds
// it. The marker makes ReconcileRefunds pick it up if the refund fails here.
func (e *Engine) settleCancelled(ctx context.Context, id uuid.UUID) {
	rows, err := e.bookings.BulkTransition(ctx, domain.AppointmentFilter{
		IDs:      []uuid.UUID{id},
		Statuses: []domain.AppointmentStatus{domain.AppointmentStatusCancelled},
	}, domain.Transition{
		Status:        domain.AppointmentStatusCancelled,
		RefundPending: true,
	})
	if err != nil || len(rows) == 0 {
		e.logger.ErrorContext(ctx, "flag refund pending failed",
			"appointment_id", id.String(),
			"err", err,
		)
		e.scheduleRetries(ctx, []RefundFailure{{AppointmentID: id, Err: err}})
		return
	}
	if _, err := e.refundOne(ctx, rows[0]); err != nil {
		e.scheduleRetries(ctx, []RefundFailure{{AppointmentID: id, Err: err}})
	}
}

func (e *Engine) notifyCancelled(ctx context.Context, reason string, appts []domain.Appointment) {
	if e.notifier == nil || len(appts) == 0 {
		return
	}
	if err := e.notifier.AppointmentsCancelled(ctx, reason, appts); err != nil {
		e.logger.WarnContext(ctx, "cancellation notification failed",
			"reason", reason,
			"count", len(appts),
			"err", err,
		)
	}
}

func (e *Engine) scheduleRetries(ctx context.Context, failures []RefundFailure) {
	if e.retrier == nil {
		return
	}
	for _, f := range failures {
		if err := e.retrier.EnqueueRefundRetry(ctx, f.AppointmentID); err != nil {
			e.logger.ErrorContext(ctx, "enqueue refund retry failed",
				"appointment_id", f.AppointmentID.String(),
				"err", err,
			)
			continue
		}
		metrics.RefundRetriesEnqueuedTotal.Inc()
	}
}

func pendingFailures(appts []domain.Appointment, err error) []RefundFailure {
	out := make([]RefundFailure, 0, len(appts))
	for _, a := range appts {
		out = append(out, RefundFailure{AppointmentID: a.ID, Err: err})
	}
	if len(out) == 0 {
		out = append(out, RefundFailure{Err: err})
	}
	return out
}

// cascadeFailed reports whether err came from phase two only, meaning the
// cancellations were committed.
func cascadeFailed(err error) bool {
	var cErr *CascadeError
	return errors.As(err, &cErr)
}
