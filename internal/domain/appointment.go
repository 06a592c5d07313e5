package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusBooked    AppointmentStatus = "booked"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Terminal statuses never transition again.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentStatusCompleted || s == AppointmentStatusCancelled
}

// Active statuses hold their slot.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentStatusBooked || s == AppointmentStatusCompleted
}

func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	switch s {
	case AppointmentStatusPending:
		return to == AppointmentStatusBooked || to == AppointmentStatusCancelled
	case AppointmentStatusBooked:
		return to == AppointmentStatusCompleted || to == AppointmentStatusCancelled
	default:
		return false
	}
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

const (
	CancelReasonSessionChanged  = "session_changed"
	CancelReasonSessionDeleted  = "session_deleted"
	CancelReasonDayUnavailable  = "day_unavailable"
	CancelReasonSlotUnavailable = "session_unavailable"
	CancelReasonExpired         = "expired"
	CancelReasonClient          = "client_cancelled"
	CancelReasonPaymentFailed   = "payment_failed"
)

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                  uuid.UUID         `bun:"id,pk,type:uuid"`
	ProviderID          string            `bun:"provider_id,notnull"`
	ClientID            string            `bun:"client_id,notnull"`
	SessionID           uuid.UUID         `bun:"session_id,notnull,type:uuid"`
	SlotID              string            `bun:"slot_id,notnull"`
	Date                string            `bun:"date,notnull"`
	StartTime           time.Time         `bun:"start_at,notnull"`
	EndTime             time.Time         `bun:"end_at,notnull"`
	Fee                 int64             `bun:"fee,notnull"`
	PaymentType         PaymentMethod     `bun:"payment_type,notnull"`
	Status              AppointmentStatus `bun:"status,notnull"`
	PaymentStatus       PaymentStatus     `bun:"payment_status,notnull"`
	TransactionID       string            `bun:"transaction_id,nullzero"`
	RefundPending       bool              `bun:"refund_pending,notnull"`
	RefundTransactionID *uuid.UUID        `bun:"refund_transaction_id,type:uuid"`
	CancelReason        string            `bun:"cancel_reason,nullzero"`
	CreatedAt           time.Time         `bun:"created_at,notnull"`
	UpdatedAt           time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// AppointmentFilter selects appointments. Zero-valued fields do not constrain.
type AppointmentFilter struct {
	IDs           []uuid.UUID
	ProviderID    string
	ClientID      string
	SessionID     uuid.UUID
	Date          string
	Statuses      []AppointmentStatus
	StartFrom     *time.Time
	EndBefore     *time.Time
	RefundPending *bool
	Limit         int
}

// Matches mirrors the SQL predicate built from the filter.
func (f AppointmentFilter) Matches(a Appointment) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == a.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ProviderID != "" && a.ProviderID != f.ProviderID {
		return false
	}
	if f.ClientID != "" && a.ClientID != f.ClientID {
		return false
	}
	if f.SessionID != uuid.Nil && a.SessionID != f.SessionID {
		return false
	}
	if f.Date != "" && a.Date != f.Date {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == a.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StartFrom != nil && a.StartTime.Before(*f.StartFrom) {
		return false
	}
	if f.EndBefore != nil && !a.EndTime.Before(*f.EndBefore) {
		return false
	}
	if f.RefundPending != nil && a.RefundPending != *f.RefundPending {
		return false
	}
	return true
}

// Transition is the write half of a bulk status change.
type Transition struct {
	Status        AppointmentStatus
	PaymentStatus PaymentStatus
	RefundPending bool
	CancelReason  string
}
