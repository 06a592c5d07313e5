package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

const keyPrefix = "schedula:booked"

// BookingStore caches BookedSlots in Redis and passes every other call through
// to the wrapped store. Writes that can change a slot's holder drop the
// affected provider/date key after they succeed.
type BookingStore struct {
	store.BookingStore

	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

var _ store.BookingStore = (*BookingStore)(nil)

func NewBookingStore(inner store.BookingStore, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *BookingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingStore{
		BookingStore: inner,
		rdb:          rdb,
		ttl:          ttl,
		logger:       logger.With("component", "booked_slots_cache"),
	}
}

func Key(providerID, date string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, providerID, date)
}

func (c *BookingStore) BookedSlots(ctx context.Context, providerID, date string) ([]string, error) {
	key := Key(providerID, date)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var slots []string
		if jsonErr := json.Unmarshal(raw, &slots); jsonErr == nil {
			return slots, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "cache read failed", "key", key, "err", err)
	}

	slots, err := c.BookingStore.BookedSlots(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []string{}
	}

	payload, err := json.Marshal(slots)
	if err != nil {
		return slots, nil
	}
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "err", err)
	}
	return slots, nil
}

func (c *BookingStore) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	out, err := c.BookingStore.Create(ctx, appt)
	if err != nil {
		return out, err
	}
	c.invalidate(ctx, Key(out.ProviderID, out.Date))
	return out, nil
}

func (c *BookingStore) BulkTransition(ctx context.Context, filter domain.AppointmentFilter, t domain.Transition) ([]domain.Appointment, error) {
	rows, err := c.BookingStore.BulkTransition(ctx, filter, t)
	if err != nil {
		return rows, err
	}

	seen := make(map[string]struct{}, len(rows))
	keys := make([]string, 0, len(rows))
	for _, a := range rows {
		k := Key(a.ProviderID, a.Date)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.invalidate(ctx, keys...)
	return rows, nil
}

func (c *BookingStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache invalidation failed", "keys", keys, "err", err)
	}
}
