package domain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MaxOccurrenceWindowDays bounds a single expansion request.
const MaxOccurrenceWindowDays = 366

type UnavailableDay struct {
	bun.BaseModel `bun:"table:unavailable_days"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID string    `bun:"provider_id,notnull"`
	Date       string    `bun:"date,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

func (d *UnavailableDay) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if d.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return nil
}

type UnavailableSession struct {
	bun.BaseModel `bun:"table:unavailable_sessions"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID string    `bun:"provider_id,notnull"`
	SessionID  uuid.UUID `bun:"session_id,notnull,type:uuid"`
	Date       string    `bun:"date,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

func (s *UnavailableSession) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return nil
}

type Occurrence struct {
	SessionID  uuid.UUID `json:"session_id"`
	ProviderID string    `json:"provider_id"`
	Date       string    `json:"date"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Fee        int64     `json:"fee"`
	Slots      []Slot    `json:"slots"`
}

// ExpandOccurrences lists every occurrence of sessions between fromDate and
// toDate inclusive, ordered by start.
func ExpandOccurrences(sessions []Session, fromDate, toDate string, loc *time.Location) ([]Occurrence, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, err := parseDate(fromDate)
	if err != nil {
		return nil, errors.New("invalid from date")
	}
	to, err := parseDate(toDate)
	if err != nil {
		return nil, errors.New("invalid to date")
	}
	if to.Before(from) {
		return nil, errors.New("to date must not be before from date")
	}
	if int(to.Sub(from)/(24*time.Hour)) >= MaxOccurrenceWindowDays {
		return nil, errors.New("occurrence window too large")
	}

	out := make([]Occurrence, 0, 16)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format(dateLayout)
		for _, s := range sessions {
			if !s.OccursOn(date) {
				continue
			}
			slots, err := s.Slots(date, loc)
			if err != nil {
				return nil, err
			}
			occ := Occurrence{
				SessionID:  s.ID,
				ProviderID: s.ProviderID,
				Date:       date,
				Fee:        s.Fee,
				Slots:      slots,
			}
			start, _ := minutesOfDay(s.StartTime)
			end, _ := minutesOfDay(s.EndTime)
			day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
			occ.Start = atMinute(day, start, loc)
			occ.End = atMinute(day, end, loc)
			out = append(out, occ)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// ApplyExceptions removes occurrences blacked out by a whole-day or a
// single-session exception.
func ApplyExceptions(occs []Occurrence, days []UnavailableDay, sessions []UnavailableSession) []Occurrence {
	if len(days) == 0 && len(sessions) == 0 {
		return occs
	}

	blockedDays := make(map[string]struct{}, len(days))
	for _, d := range days {
		blockedDays[d.ProviderID+"|"+d.Date] = struct{}{}
	}
	blockedSessions := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		blockedSessions[s.SessionID.String()+"|"+s.Date] = struct{}{}
	}

	out := make([]Occurrence, 0, len(occs))
	for _, o := range occs {
		if _, ok := blockedDays[o.ProviderID+"|"+o.Date]; ok {
			continue
		}
		if _, ok := blockedSessions[o.SessionID.String()+"|"+o.Date]; ok {
			continue
		}
		out = append(out, o)
	}
	return out
}
