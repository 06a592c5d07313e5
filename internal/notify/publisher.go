package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/metrics"
)

const CancelledQueue = "appointments.cancelled"

// CancelledEvent is published once per appointment cancelled by a cascade.
type CancelledEvent struct {
	AppointmentID string    `json:"appointment_id"`
	ProviderID    string    `json:"provider_id"`
	ClientID      string    `json:"client_id"`
	SessionID     string    `json:"session_id"`
	Date          string    `json:"date"`
	SlotID        string    `json:"slot_id"`
	StartTime     time.Time `json:"start_time"`
	Reason        string    `json:"reason"`
	Fee           int64     `json:"fee"`
	PaymentStatus string    `json:"payment_status"`
	RefundPending bool      `json:"refund_pending"`
}

func NewCancelledEvent(reason string, a domain.Appointment) CancelledEvent {
	return CancelledEvent{
		AppointmentID: a.ID.String(),
		ProviderID:    a.ProviderID,
		ClientID:      a.ClientID,
		SessionID:     a.SessionID.String(),
		Date:          a.Date,
		SlotID:        a.SlotID,
		StartTime:     a.StartTime.UTC(),
		Reason:        reason,
		Fee:           a.Fee,
		PaymentStatus: string(a.PaymentStatus),
		RefundPending: a.RefundPending,
	}
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends cancellation events to a durable RabbitMQ queue. A channel
// is not safe for concurrent publishing, so calls are serialized.
type Publisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     channel
	queue  string
	logger *slog.Logger
}

func Dial(url string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(CancelledQueue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p := newPublisher(ch, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		ch:     ch,
		queue:  CancelledQueue,
		logger: logger.With("component", "notify"),
	}
}

func (p *Publisher) AppointmentsCancelled(ctx context.Context, reason string, appts []domain.Appointment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, a := range appts {
		body, err := json.Marshal(NewCancelledEvent(reason, a))
		if err != nil {
			return err
		}
		err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.ID.String() + ":" + reason,
			Timestamp:    time.Now().UTC(),
			Type:         "appointment.cancelled",
			Body:         body,
		})
		if err != nil {
			metrics.NotificationsPublishedTotal.WithLabelValues("failed").Inc()
			p.logger.WarnContext(ctx, "publish failed",
				"appointment_id", a.ID.String(),
				"err", err,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("publish cancellation %s: %w", a.ID, err)
			}
			continue
		}
		metrics.NotificationsPublishedTotal.WithLabelValues("published").Inc()
	}
	return firstErr
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
