package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ConsentsRequestedTotal *prometheus.CounterVec
	ConsentsResolvedTotal  *prometheus.CounterVec
	PaymentsCompletedTotal prometheus.Counter
	PaymentsFailedTotal    prometheus.Counter
	PaymentsPendingTotal   prometheus.Counter
	PollAttemptsTotal      prometheus.Counter
	PollExpirationsTotal   prometheus.Counter
)

func init() {
	// Unregistered collectors so increments are always safe; the server
	// re-initializes with a real registerer at startup.
	InitCustomMetrics(nil)
}

// InitCustomMetrics initializes and registers the engine's Prometheus
// metrics. Call once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	ConsentsRequestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxgate_consents_requested_total",
		Help: "Total number of consent requests, by provider.",
	}, []string{"provider"})
	ConsentsResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxgate_consents_resolved_total",
		Help: "Total number of consent resolutions, by terminal state.",
	}, []string{"state"})
	PaymentsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxgate_payments_completed_total",
		Help: "Total number of tax payments completed.",
	})
	PaymentsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxgate_payments_failed_total",
		Help: "Total number of tax payments that failed.",
	})
	PaymentsPendingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxgate_payments_pending_total",
		Help: "Total number of tax payments parked awaiting manual approval.",
	})
	PollAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxgate_poll_attempts_total",
		Help: "Total number of approval poll attempts against providers.",
	})
	PollExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxgate_poll_expirations_total",
		Help: "Total number of pending records expired after the attempt bound.",
	})

	if reg == nil {
		return
	}
	for _, collector := range []prometheus.Collector{
		ConsentsRequestedTotal,
		ConsentsResolvedTotal,
		PaymentsCompletedTotal,
		PaymentsFailedTotal,
		PaymentsPendingTotal,
		PollAttemptsTotal,
		PollExpirationsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric collector")
		}
	}
}
