package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/service/scheduling"
	"schedula/backend/internal/store"
)

type Engine interface {
	RetryRefund(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
}

const defaultSweepLimit = 200

type Handlers struct {
	engine     Engine
	sweepLimit int
	logger     *slog.Logger
}

func NewHandlers(engine Engine, sweepLimit int, logger *slog.Logger) *Handlers {
	if sweepLimit <= 0 {
		sweepLimit = defaultSweepLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine:     engine,
		sweepLimit: sweepLimit,
		logger:     logger.With("component", "refund-worker"),
	}
}

func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRefundRetry, h.HandleRefundRetry)
	mux.HandleFunc(TypeRefundSweep, h.HandleRefundSweep)
	return mux
}

// HandleRefundRetry returns an error to make asynq retry with backoff. Bad
// payloads and vanished appointments skip the retry.
func (h *Handlers) HandleRefundRetry(ctx context.Context, task *asynq.Task) error {
	var p RefundRetryPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode refund retry payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.AppointmentID == uuid.Nil {
		return fmt.Errorf("refund retry without appointment id: %w", asynq.SkipRetry)
	}

	appt, err := h.engine.RetryRefund(ctx, p.AppointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.WarnContext(ctx, "refund retry for unknown appointment", "appointment_id", p.AppointmentID.String())
			return fmt.Errorf("appointment %s: %w", p.AppointmentID, asynq.SkipRetry)
		}
		var vErr *scheduling.ValidationError
		if errors.As(err, &vErr) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		h.logger.WarnContext(ctx, "refund retry failed",
			"appointment_id", p.AppointmentID.String(),
			"err", err,
		)
		return err
	}

	h.logger.InfoContext(ctx, "refund retry done",
		"appointment_id", appt.ID.String(),
		"payment_status", string(appt.PaymentStatus),
		"refund_pending", appt.RefundPending,
	)
	return nil
}

// HandleRefundSweep settles whatever the retry queue missed. Per-appointment
// failures are left for the next sweep.
func (h *Handlers) HandleRefundSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := h.engine.ReconcileRefunds(ctx, h.sweepLimit)
	if err != nil {
		var cErr *scheduling.CascadeError
		if errors.As(err, &cErr) {
			h.logger.WarnContext(ctx, "refund sweep incomplete",
				"settled", n,
				"failed", len(cErr.Failures),
			)
			return nil
		}
		return err
	}
	if n > 0 {
		h.logger.InfoContext(ctx, "refund sweep settled appointments", "settled", n)
	}
	return nil
}
