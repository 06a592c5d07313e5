package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeRefundRetry = "refund:retry"
	TypeRefundSweep = "refund:sweep"
)

const (
	defaultRetryDelay   = 30 * time.Second
	defaultMaxRetry     = 10
	defaultUniqueWindow = 15 * time.Minute
)

type RefundRetryPayload struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
}

// NewRefundRetryTask builds a retry task that is unique per appointment for
// uniqueFor. The lock lapses after that window even when the task ends up
// archived, so a later failure of the same refund can be queued again.
func NewRefundRetryTask(appointmentID uuid.UUID, delay time.Duration, maxRetry int, uniqueFor time.Duration) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(RefundRetryPayload{AppointmentID: appointmentID})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeRefundRetry, b)
	opts := []asynq.Option{
		asynq.Unique(uniqueFor),
		asynq.MaxRetry(maxRetry),
		asynq.ProcessIn(delay),
	}
	return task, opts, nil
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer hands failed refunds to the asynq queue.
type Enqueuer struct {
	client    taskEnqueuer
	delay     time.Duration
	maxRetry  int
	uniqueFor time.Duration
	logger    *slog.Logger
}

func NewEnqueuer(client taskEnqueuer, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{
		client:    client,
		delay:     defaultRetryDelay,
		maxRetry:  defaultMaxRetry,
		uniqueFor: defaultUniqueWindow,
		logger:    logger.With("component", "refund-enqueuer"),
	}
}

func (e *Enqueuer) EnqueueRefundRetry(ctx context.Context, appointmentID uuid.UUID) error {
	task, opts, err := NewRefundRetryTask(appointmentID, e.delay, e.maxRetry, e.uniqueFor)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			e.logger.DebugContext(ctx, "refund retry already queued", "appointment_id", appointmentID.String())
			return nil
		}
		return fmt.Errorf("enqueue refund retry: %w", err)
	}
	e.logger.InfoContext(ctx, "refund retry queued",
		"appointment_id", appointmentID.String(),
		"task_id", info.ID,
		"queue", info.Queue,
	)
	return nil
}

// RegisterSweep schedules the periodic reconciliation of refund-pending
// appointments.
func RegisterSweep(s *asynq.Scheduler, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("invalid sweep interval %s", interval)
	}
	return s.Register("@every "+interval.String(), asynq.NewTask(TypeRefundSweep, nil), asynq.Unique(interval))
}
