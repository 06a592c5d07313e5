package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CascadeCancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedula_cascade_cancellations_total",
			Help: "Appointments cancelled by an availability change, expiry or client request",
		},
		[]string{"reason"},
	)

	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedula_refunds_total",
			Help: "Refund attempts for cancelled appointments",
		},
		[]string{"result"},
	)

	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedula_bookings_total",
			Help: "Slot booking attempts",
		},
		[]string{"result", "payment_method"},
	)

	RefundRetriesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schedula_refund_retries_enqueued_total",
			Help: "Refunds handed to the retry queue",
		},
	)

	NotificationsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedula_notifications_published_total",
			Help: "Cancellation events published to the broker",
		},
		[]string{"status"},
	)
)

const (
	RefundSucceeded = "succeeded"
	RefundFailed    = "failed"
	RefundSkipped   = "skipped"

	BookingSucceeded    = "succeeded"
	BookingConflict     = "conflict"
	BookingPaymentError = "payment_failed"
)

func Handler() http.Handler {
	return promhttp.Handler()
}
