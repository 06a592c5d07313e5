package clock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the provider-local calendar date format exchanged with callers.
const DateLayout = "2006-01-02"

const timeOfDayLayout = "15:04"

var ErrInvalidDate = errors.New("invalid date")

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always reports the same instant. Tests move it by assigning T.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

// Calendar turns instants into provider-local calendar dates. Every component
// that compares "today", "yesterday" or a date string goes through one Calendar.
type Calendar struct {
	clock Clock
	loc   *time.Location
}

func NewCalendar(c Clock, loc *time.Location) *Calendar {
	if c == nil {
		c = System{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{clock: c, loc: loc}
}

func (c *Calendar) Now() time.Time { return c.clock.Now() }

func (c *Calendar) Location() *time.Location { return c.loc }

func (c *Calendar) DateOf(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

func (c *Calendar) Today() string {
	return c.DateOf(c.clock.Now())
}

// Yesterday is the lower bound of the rolling exception window.
func (c *Calendar) Yesterday() string {
	now := c.clock.Now().In(c.loc)
	y := time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, c.loc)
	return y.Format(DateLayout)
}

// Normalize accepts either a YYYY-MM-DD date or an RFC 3339 timestamp and
// returns the provider-local calendar date.
func (c *Calendar) Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if d, err := time.ParseInLocation(DateLayout, s, c.loc); err == nil {
		return d.Format(DateLayout), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return c.DateOf(t), nil
}

// Midnight returns the start of date in the provider location.
func (c *Calendar) Midnight(date string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return d, nil
}

// At combines a calendar date with a wall-clock "HH:MM" in the provider location.
func (c *Calendar) At(date, hhmm string) (time.Time, error) {
	d, err := c.Midnight(date)
	if err != nil {
		return time.Time{}, err
	}
	tod, err := time.Parse(timeOfDayLayout, hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time of day %q", ErrInvalidDate, hhmm)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), tod.Hour(), tod.Minute(), 0, 0, c.loc), nil
}
