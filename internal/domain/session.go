package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04"
)

type RecurrenceFrequency string

const (
	RecurrenceFrequencyWeekly RecurrenceFrequency = "weekly"
)

type RecurrenceRule struct {
	Frequency  RecurrenceFrequency `bun:"frequency,notnull"`
	Interval   int                 `bun:"interval,notnull"`
	AnchorDate string              `bun:"anchor_date,notnull"`
	UntilDate  *string             `bun:"until_date"`
}

// Session is a provider's recurring weekly availability window. DayOfWeek is
// ISO numbered (1 = Monday, 7 = Sunday).
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID              uuid.UUID      `bun:"id,pk,type:uuid"`
	ProviderID      string         `bun:"provider_id,notnull"`
	DayOfWeek       int16          `bun:"day_of_week,notnull"`
	StartTime       string         `bun:"start_time,notnull"`
	EndTime         string         `bun:"end_time,notnull"`
	DurationMinutes int            `bun:"duration_minutes,notnull"`
	Fee             int64          `bun:"fee,notnull"`
	Recurrence      RecurrenceRule `bun:"embed:recurrence_"`
	CreatedAt       time.Time      `bun:"created_at,notnull"`
	UpdatedAt       time.Time      `bun:"updated_at,notnull"`
}

func (s *Session) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

func (s Session) Validate() error {
	if s.ProviderID == "" {
		return errors.New("provider_id is required")
	}
	if s.DayOfWeek < 1 || s.DayOfWeek > 7 {
		return errors.New("invalid weekday")
	}
	start, err := minutesOfDay(s.StartTime)
	if err != nil {
		return errors.New("invalid start_time")
	}
	end, err := minutesOfDay(s.EndTime)
	if err != nil {
		return errors.New("invalid end_time")
	}
	if end <= start {
		return errors.New("end_time must be after start_time")
	}
	if s.DurationMinutes <= 0 {
		return errors.New("invalid duration")
	}
	if s.DurationMinutes > end-start {
		return errors.New("duration exceeds session window")
	}
	if s.Fee < 0 {
		return errors.New("fee must not be negative")
	}

	r := s.Recurrence
	if r.Frequency != RecurrenceFrequencyWeekly {
		return errors.New("unsupported recurrence frequency")
	}
	if r.Interval < 1 {
		return errors.New("interval must be at least 1")
	}
	if _, err := parseDate(r.AnchorDate); err != nil {
		return errors.New("invalid anchor_date")
	}
	if r.UntilDate != nil {
		if _, err := parseDate(*r.UntilDate); err != nil {
			return errors.New("invalid until_date")
		}
		if *r.UntilDate < r.AnchorDate {
			return errors.New("until_date must not be before anchor_date")
		}
	}
	return nil
}

// OccursOn reports whether the session has an occurrence on the calendar date.
func (s Session) OccursOn(date string) bool {
	d, err := parseDate(date)
	if err != nil {
		return false
	}
	if isoWeekday(d) != s.DayOfWeek {
		return false
	}
	r := s.Recurrence
	if date < r.AnchorDate {
		return false
	}
	if r.UntilDate != nil && date > *r.UntilDate {
		return false
	}
	anchor, err := parseDate(r.AnchorDate)
	if err != nil {
		return false
	}
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	days := int(mondayDateUTC(d).Sub(mondayDateUTC(anchor)) / (24 * time.Hour))
	return (days/7)%interval == 0
}

type Slot struct {
	ID        string    `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Date      string    `json:"date"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Slots splits the occurrence on date into consecutive DurationMinutes chunks.
// A trailing chunk that would run past EndTime is dropped.
func (s Session) Slots(date string, loc *time.Location) ([]Slot, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", date)
	}
	start, err := minutesOfDay(s.StartTime)
	if err != nil {
		return nil, errors.New("invalid start_time")
	}
	end, err := minutesOfDay(s.EndTime)
	if err != nil {
		return nil, errors.New("invalid end_time")
	}
	if s.DurationMinutes <= 0 {
		return nil, errors.New("invalid duration")
	}

	out := make([]Slot, 0, (end-start)/s.DurationMinutes)
	for m := start; m+s.DurationMinutes <= end; m += s.DurationMinutes {
		from := atMinute(d, m, loc)
		to := atMinute(d, m+s.DurationMinutes, loc)
		out = append(out, Slot{
			ID:        SlotID(m, m+s.DurationMinutes),
			SessionID: s.ID,
			Date:      date,
			Start:     from,
			End:       to,
		})
	}
	return out, nil
}

func (s Session) FindSlot(date, slotID string, loc *time.Location) (Slot, bool) {
	slots, err := s.Slots(date, loc)
	if err != nil {
		return Slot{}, false
	}
	for _, sl := range slots {
		if sl.ID == slotID {
			return sl, true
		}
	}
	return Slot{}, false
}

// Overlaps reports whether two sessions of the same provider claim overlapping
// wall-clock time on the same weekday.
func (s Session) Overlaps(other Session) bool {
	if s.ProviderID != other.ProviderID || s.DayOfWeek != other.DayOfWeek {
		return false
	}
	if s.ID != uuid.Nil && s.ID == other.ID {
		return false
	}
	as, err1 := minutesOfDay(s.StartTime)
	ae, err2 := minutesOfDay(s.EndTime)
	bs, err3 := minutesOfDay(other.StartTime)
	be, err4 := minutesOfDay(other.EndTime)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return false
	}
	return as < be && bs < ae
}

type SessionPatch struct {
	DayOfWeek       *int16
	StartTime       *string
	EndTime         *string
	DurationMinutes *int
	Fee             *int64
	Interval        *int
	AnchorDate      *string
	UntilDate       *string
	ClearUntil      bool
}

func (p SessionPatch) Apply(s Session) Session {
	if p.DayOfWeek != nil {
		s.DayOfWeek = *p.DayOfWeek
	}
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		s.EndTime = *p.EndTime
	}
	if p.DurationMinutes != nil {
		s.DurationMinutes = *p.DurationMinutes
	}
	if p.Fee != nil {
		s.Fee = *p.Fee
	}
	if p.Interval != nil {
		s.Recurrence.Interval = *p.Interval
	}
	if p.AnchorDate != nil {
		s.Recurrence.AnchorDate = *p.AnchorDate
	}
	if p.ClearUntil {
		s.Recurrence.UntilDate = nil
	} else if p.UntilDate != nil {
		until := *p.UntilDate
		s.Recurrence.UntilDate = &until
	}
	return s
}

func SlotID(startMinute, endMinute int) string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", startMinute/60, startMinute%60, endMinute/60, endMinute%60)
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse(timeOfDayLayout, hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func atMinute(day time.Time, minute int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, loc)
}

func parseDate(date string) (time.Time, error) {
	return time.Parse(dateLayout, date)
}

func isoWeekday(t time.Time) int16 {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int16(t.Weekday())
}

func mondayDateUTC(t time.Time) time.Time {
	wd := t.Weekday()
	offset := 0
	if wd == time.Sunday {
		offset = 6
	} else {
		offset = int(wd) - 1
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -offset)
}
