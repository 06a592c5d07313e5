package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

type AvailabilityRepo struct {
	db  *bun.DB
	loc *time.Location
}

var _ store.AvailabilityStore = (*AvailabilityRepo)(nil)

// NewAvailabilityRepo expands occurrences in loc, the providers' calendar
// location.
func NewAvailabilityRepo(db *bun.DB, loc *time.Location) *AvailabilityRepo {
	if loc == nil {
		loc = time.UTC
	}
	return &AvailabilityRepo{db: db, loc: loc}
}

type sessionLister interface {
	ListSessionsOnDay(ctx context.Context, providerID string, dayOfWeek int16) ([]domain.Session, error)
}

type availabilityTx struct {
	tx bun.Tx
}

func (r *AvailabilityRepo) CreateSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	var out domain.Session
	err := r.InProviderTransaction(ctx, s.ProviderID, func(ctx context.Context, tx availabilityTx) error {
		if err := ensureNoSessionOverlap(ctx, tx, s); err != nil {
			return err
		}
		m := s
		if _, err := tx.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

func (r *AvailabilityRepo) GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error) {
	var s domain.Session
	err := r.db.NewSelect().Model(&s).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, store.ErrNotFound
		}
		return domain.Session{}, err
	}
	return s, nil
}

func (r *AvailabilityRepo) ListSessions(ctx context.Context, providerID string) ([]domain.Session, error) {
	var rows []domain.Session
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		OrderExpr("day_of_week ASC, start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AvailabilityRepo) UpdateSession(ctx context.Context, id uuid.UUID, patch domain.SessionPatch) (domain.Session, error) {
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}

	var out domain.Session
	err = r.InProviderTransaction(ctx, current.ProviderID, func(ctx context.Context, tx availabilityTx) error {
		var locked domain.Session
		err := tx.tx.NewSelect().Model(&locked).Where("id = ?", id).For("UPDATE").Limit(1).Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		next := patch.Apply(locked)
		if err := ensureNoSessionOverlap(ctx, tx, next); err != nil {
			return err
		}
		if _, err := tx.tx.NewUpdate().Model(&next).ExcludeColumn("created_at").WherePK().Exec(ctx); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

func (r *AvailabilityRepo) DeleteSession(ctx context.Context, id uuid.UUID) error {
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return r.InProviderTransaction(ctx, current.ProviderID, func(ctx context.Context, tx availabilityTx) error {
		res, err := tx.tx.NewDelete().
			Model((*domain.Session)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		_, err = tx.tx.NewDelete().
			Model((*domain.UnavailableSession)(nil)).
			Where("session_id = ?", id).
			Exec(ctx)
		return err
	})
}

func (r *AvailabilityRepo) AddUnavailableDay(ctx context.Context, providerID, date string) (domain.UnavailableDay, bool, error) {
	m := domain.UnavailableDay{ProviderID: providerID, Date: date}
	res, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (provider_id, date) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.UnavailableDay{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.UnavailableDay{}, false, err
	}
	if affected > 0 {
		return m, true, nil
	}

	var existing domain.UnavailableDay
	err = r.db.NewSelect().
		Model(&existing).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.UnavailableDay{}, false, err
	}
	return existing, false, nil
}

func (r *AvailabilityRepo) RemoveUnavailableDay(ctx context.Context, providerID, date string) error {
	res, err := r.db.NewDelete().
		Model((*domain.UnavailableDay)(nil)).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *AvailabilityRepo) AddUnavailableSession(ctx context.Context, providerID string, sessionID uuid.UUID, date string) (domain.UnavailableSession, bool, error) {
	m := domain.UnavailableSession{ProviderID: providerID, SessionID: sessionID, Date: date}
	res, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (provider_id, session_id, date) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.UnavailableSession{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.UnavailableSession{}, false, err
	}
	if affected > 0 {
		return m, true, nil
	}

	var existing domain.UnavailableSession
	err = r.db.NewSelect().
		Model(&existing).
		Where("provider_id = ?", providerID).
		Where("session_id = ?", sessionID).
		Where("date = ?", date).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.UnavailableSession{}, false, err
	}
	return existing, false, nil
}

func (r *AvailabilityRepo) RemoveUnavailableSession(ctx context.Context, providerID string, sessionID uuid.UUID, date string) error {
	res, err := r.db.NewDelete().
		Model((*domain.UnavailableSession)(nil)).
		Where("provider_id = ?", providerID).
		Where("session_id = ?", sessionID).
		Where("date = ?", date).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *AvailabilityRepo) ListUnavailableDays(ctx context.Context, providerID, fromDate string) ([]domain.UnavailableDay, error) {
	var rows []domain.UnavailableDay
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("date >= ?", fromDate).
		OrderExpr("date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AvailabilityRepo) ListUnavailableSessions(ctx context.Context, providerID, fromDate string) ([]domain.UnavailableSession, error) {
	var rows []domain.UnavailableSession
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("date >= ?", fromDate).
		OrderExpr("date ASC, session_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AvailabilityRepo) HasException(ctx context.Context, providerID string, sessionID uuid.UUID, date string) (bool, error) {
	blocked, err := r.db.NewSelect().
		Model((*domain.UnavailableDay)(nil)).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		Exists(ctx)
	if err != nil || blocked {
		return blocked, err
	}
	return r.db.NewSelect().
		Model((*domain.UnavailableSession)(nil)).
		Where("provider_id = ?", providerID).
		Where("session_id = ?", sessionID).
		Where("date = ?", date).
		Exists(ctx)
}

func (r *AvailabilityRepo) ListOccurrences(ctx context.Context, providerID, fromDate, toDate string) ([]domain.Occurrence, error) {
	sessions, err := r.ListSessions(ctx, providerID)
	if err != nil {
		return nil, err
	}
	occs, err := domain.ExpandOccurrences(sessions, fromDate, toDate, r.loc)
	if err != nil {
		return nil, err
	}
	if len(occs) == 0 {
		return occs, nil
	}

	var days []domain.UnavailableDay
	err = r.db.NewSelect().
		Model(&days).
		Where("provider_id = ?", providerID).
		Where("date BETWEEN ? AND ?", fromDate, toDate).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	var blocked []domain.UnavailableSession
	err = r.db.NewSelect().
		Model(&blocked).
		Where("provider_id = ?", providerID).
		Where("date BETWEEN ? AND ?", fromDate, toDate).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return domain.ApplyExceptions(occs, days, blocked), nil
}

func (r *AvailabilityRepo) InProviderTransaction(ctx context.Context, providerID string, fn func(ctx context.Context, tx availabilityTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProvider(ctx, tx, providerID); err != nil {
			return err
		}
		return fn(ctx, availabilityTx{tx: tx})
	})
}

func lockProvider(ctx context.Context, tx bun.Tx, providerID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", providerID).Exec(ctx)
	return err
}

func (r availabilityTx) ListSessionsOnDay(ctx context.Context, providerID string, dayOfWeek int16) ([]domain.Session, error) {
	var rows []domain.Session
	err := r.tx.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("day_of_week = ?", dayOfWeek).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func ensureNoSessionOverlap(ctx context.Context, tx sessionLister, s domain.Session) error {
	existing, err := tx.ListSessionsOnDay(ctx, s.ProviderID, s.DayOfWeek)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if s.Overlaps(e) {
			return store.ErrConflict
		}
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
