// Package metrics holds the Prometheus collectors for the email pipeline.
// A nil *Metrics is valid and records nothing, so tests can skip it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Scheduled     *prometheus.CounterVec
	ProviderCalls *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec
	Cancelled     *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "email_scheduled_total",
			Help: "Scheduled email rows created, by classification and initial status",
		}, []string{"classification", "status"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "email_provider_calls_total",
			Help: "Calls to the email provider, by operation and result",
		}, []string{"op", "result"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "email_webhook_events_total",
			Help: "Provider webhook events handled, by type and result",
		}, []string{"type", "result"}),
		Cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "email_cancelled_total",
			Help: "Scheduled email rows cancelled, by source",
		}, []string{"source"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "email_worker_queue_depth",
			Help: "Tasks waiting in the worker queue",
		}),
	}
}

func (m *Metrics) IncScheduled(classification, status string) {
	if m == nil {
		return
	}
	m.Scheduled.WithLabelValues(classification, status).Inc()
}

func (m *Metrics) IncProviderCall(op, result string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) AddCancelled(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Cancelled.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
