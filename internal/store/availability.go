package store

import (
	"context"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
)

// AvailabilityStore persists sessions and their exception overlays. Session
// writes reject overlapping sessions of the same provider with ErrConflict.
type AvailabilityStore interface {
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error)
	ListSessions(ctx context.Context, providerID string) ([]domain.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, patch domain.SessionPatch) (domain.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// AddUnavailableDay reports created=false when the day was already blocked.
	AddUnavailableDay(ctx context.Context, providerID, date string) (domain.UnavailableDay, bool, error)
	RemoveUnavailableDay(ctx context.Context, providerID, date string) error
	AddUnavailableSession(ctx context.Context, providerID string, sessionID uuid.UUID, date string) (domain.UnavailableSession, bool, error)
	RemoveUnavailableSession(ctx context.Context, providerID string, sessionID uuid.UUID, date string) error
	ListUnavailableDays(ctx context.Context, providerID, fromDate string) ([]domain.UnavailableDay, error)
	ListUnavailableSessions(ctx context.Context, providerID, fromDate string) ([]domain.UnavailableSession, error)
	HasException(ctx context.Context, providerID string, sessionID uuid.UUID, date string) (bool, error)

	ListOccurrences(ctx context.Context, providerID, fromDate, toDate string) ([]domain.Occurrence, error)
}
