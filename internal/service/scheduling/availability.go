package scheduling

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

type CreateSessionInput struct {
	ProviderID      string
	DayOfWeek       int16
	StartTime       string
	EndTime         string
	DurationMinutes int
	Fee             int64
	Interval        int
	AnchorDate      string
	UntilDate       *string
}

func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (domain.Session, error) {
	providerID := strings.TrimSpace(in.ProviderID)
	if providerID == "" {
		return domain.Session{}, validationError("provider_id is required")
	}

	anchor := e.cal.Today()
	if strings.TrimSpace(in.AnchorDate) != "" {
		d, err := e.normalizeDate(in.AnchorDate)
		if err != nil {
			return domain.Session{}, validationError("invalid anchor_date")
		}
		anchor = d
	}

	var until *string
	if in.UntilDate != nil {
		d, err := e.normalizeDate(*in.UntilDate)
		if err != nil {
			return domain.Session{}, validationError("invalid until_date")
		}
		until = &d
	}

	interval := in.Interval
	if interval == 0 {
		interval = 1
	}

	s := domain.Session{
		ProviderID:      providerID,
		DayOfWeek:       in.DayOfWeek,
		StartTime:       strings.TrimSpace(in.StartTime),
		EndTime:         strings.TrimSpace(in.EndTime),
		DurationMinutes: in.DurationMinutes,
		Fee:             in.Fee,
		Recurrence: domain.RecurrenceRule{
			Frequency:  domain.RecurrenceFrequencyWeekly,
			Interval:   interval,
			AnchorDate: anchor,
			UntilDate:  until,
		},
	}
	if err := s.Validate(); err != nil {
		return domain.Session{}, validationError(err.Error())
	}

	return e.avail.CreateSession(ctx, s)
}

func (e *Engine) ListSessions(ctx context.Context, providerID string) ([]domain.Session, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	return e.avail.ListSessions(ctx, providerID)
}

// UpdateSession applies patch and then cancels every future booking of the
// session, whether or not the patch changed the slots they hold.
func (e *Engine) UpdateSession(ctx context.Context, sessionID uuid.UUID, patch domain.SessionPatch) (domain.Session, []domain.Appointment, error) {
	if sessionID == uuid.Nil {
		return domain.Session{}, nil, validationError("session_id is required")
	}
	current, err := e.avail.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, err
	}

	if patch.AnchorDate != nil {
		d, err := e.normalizeDate(*patch.AnchorDate)
		if err != nil {
			return domain.Session{}, nil, validationError("invalid anchor_date")
		}
		patch.AnchorDate = &d
	}
	if patch.UntilDate != nil {
		d, err := e.normalizeDate(*patch.UntilDate)
		if err != nil {
			return domain.Session{}, nil, validationError("invalid until_date")
		}
		patch.UntilDate = &d
	}
	if err := patch.Apply(current).Validate(); err != nil {
		return domain.Session{}, nil, validationError(err.Error())
	}

	updated, err := e.avail.UpdateSession(ctx, sessionID, patch)
	if err != nil {
		return domain.Session{}, nil, err
	}

	now := e.cal.Now()
	cancelled, err := e.cascade(ctx, domain.AppointmentFilter{
		SessionID: sessionID,
		StartFrom: &now,
	}, domain.CancelReasonSessionChanged)
	return updated, cancelled, err
}

// DeleteSession cancels every future booking of the session and then removes
// the definition. When a refund fails the definition is kept so the caller can
// retry the whole operation.
func (e *Engine) DeleteSession(ctx context.Context, sessionID uuid.UUID) ([]domain.Appointment, error) {
	if sessionID == uuid.Nil {
		return nil, validationError("session_id is required")
	}
	if _, err := e.avail.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	now := e.cal.Now()
	cancelled, err := e.cascade(ctx, domain.AppointmentFilter{
		SessionID: sessionID,
		StartFrom: &now,
	}, domain.CancelReasonSessionDeleted)
	if err != nil {
		return cancelled, err
	}

	if err := e.avail.DeleteSession(ctx, sessionID); err != nil {
		return cancelled, err
	}
	cancelled, err = e.recascade(ctx, domain.AppointmentFilter{
		SessionID: sessionID,
		StartFrom: &now,
	}, domain.CancelReasonSessionDeleted, cancelled)
	e.logger.InfoContext(ctx, "session deleted",
		"session_id", sessionID.String(),
		"cancelled", len(cancelled),
	)
	return cancelled, err
}

// MakeDayUnavailable cancels the provider's bookings on day and records the
// blackout. Blocking an already blocked day only logs a warning.
func (e *Engine) MakeDayUnavailable(ctx context.Context, providerID, day string) ([]domain.Appointment, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	date, err := e.normalizeDate(day)
	if err != nil {
		return nil, err
	}

	filter := domain.AppointmentFilter{
		ProviderID: providerID,
		Date:       date,
	}
	cancelled, err := e.cascade(ctx, filter, domain.CancelReasonDayUnavailable)
	if err != nil {
		return cancelled, err
	}

	_, created, err := e.avail.AddUnavailableDay(ctx, providerID, date)
	if err != nil {
		return cancelled, err
	}
	if !created {
		e.logger.WarnContext(ctx, "day already unavailable",
			"provider_id", providerID,
			"date", date,
		)
	}
	return e.recascade(ctx, filter, domain.CancelReasonDayUnavailable, cancelled)
}

// MakeDayAvailable lifts a blackout. Appointments cancelled by it stay cancelled.
func (e *Engine) MakeDayAvailable(ctx context.Context, providerID, day string) error {
	if strings.TrimSpace(providerID) == "" {
		return validationError("provider_id is required")
	}
	date, err := e.normalizeDate(day)
	if err != nil {
		return err
	}
	return e.avail.RemoveUnavailableDay(ctx, providerID, date)
}

func (e *Engine) UnavailableSessions(ctx context.Context, providerID, day string, sessionID uuid.UUID) ([]domain.Appointment, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	if sessionID == uuid.Nil {
		return nil, validationError("session_id is required")
	}
	date, err := e.normalizeDate(day)
	if err != nil {
		return nil, err
	}
	s, err := e.avail.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.ProviderID != providerID {
		return nil, store.ErrNotFound
	}

	filter := domain.AppointmentFilter{
		ProviderID: providerID,
		SessionID:  sessionID,
		Date:       date,
	}
	cancelled, err := e.cascade(ctx, filter, domain.CancelReasonSlotUnavailable)
	if err != nil {
		return cancelled, err
	}

	_, created, err := e.avail.AddUnavailableSession(ctx, providerID, sessionID, date)
	if err != nil {
		return cancelled, err
	}
	if !created {
		e.logger.WarnContext(ctx, "session already unavailable",
			"provider_id", providerID,
			"session_id", sessionID.String(),
			"date", date,
		)
	}
	return e.recascade(ctx, filter, domain.CancelReasonSlotUnavailable, cancelled)
}

func (e *Engine) MakeSessionsAvailable(ctx context.Context, providerID, day string, sessionID uuid.UUID) error {
	if strings.TrimSpace(providerID) == "" {
		return validationError("provider_id is required")
	}
	if sessionID == uuid.Nil {
		return validationError("session_id is required")
	}
	date, err := e.normalizeDate(day)
	if err != nil {
		return err
	}
	return e.avail.RemoveUnavailableSession(ctx, providerID, sessionID, date)
}

// GetUnavailableDays lists blackouts from yesterday onwards.
func (e *Engine) GetUnavailableDays(ctx context.Context, providerID string) ([]domain.UnavailableDay, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	return e.avail.ListUnavailableDays(ctx, providerID, e.cal.Yesterday())
}

func (e *Engine) GetUnavailableSessions(ctx context.Context, providerID string) ([]domain.UnavailableSession, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	return e.avail.ListUnavailableSessions(ctx, providerID, e.cal.Yesterday())
}

func (e *Engine) ListOccurrences(ctx context.Context, providerID, from, to string) ([]domain.Occurrence, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, validationError("provider_id is required")
	}
	fromDate, err := e.normalizeDate(from)
	if err != nil {
		return nil, err
	}
	toDate, err := e.normalizeDate(to)
	if err != nil {
		return nil, err
	}
	if toDate < fromDate {
		return nil, validationError("to must not be before from")
	}
	return e.avail.ListOccurrences(ctx, providerID, fromDate, toDate)
}
