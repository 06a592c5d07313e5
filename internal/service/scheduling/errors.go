package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
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

// ErrLedgerFailure marks a refund or payment that the ledger could not apply.
var ErrLedgerFailure = errors.New("ledger failure")

type RefundFailure struct {
	AppointmentID uuid.UUID
	Err           error
}

// CascadeError reports refunds that failed after their appointments were
// already cancelled. The cancellations stand; the refunds are retried.
type CascadeError struct {
	Cancelled []domain.Appointment
	Failures  []RefundFailure
}

func (e *CascadeError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("refund for appointment %s failed: %v", e.Failures[0].AppointmentID, e.Failures[0].Err)
	}
	return fmt.Sprintf("%d refunds failed after cancelling %d appointments", len(e.Failures), len(e.Cancelled))
}

func (e *CascadeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrLedgerFailure)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
