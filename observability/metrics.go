package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type webhookMetrics struct {
	received *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type holdMetrics struct {
	created *prometheus.CounterVec
	expired *prometheus.CounterVec
	nights  prometheus.Histogram
}

type reservationMetrics struct {
	converted     *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	stays         *prometheus.CounterVec
}

type taskMetrics struct {
	dispatched *prometheus.CounterVec
	handled    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

type paymentMetrics struct {
	sessions  *prometheus.CounterVec
	events    *prometheus.CounterVec
	reconcile *prometheus.CounterVec
}

type conversationMetrics struct {
	messages *prometheus.CounterVec
	quotes   *prometheus.CounterVec
}

type outboxMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	webhookMetricsOnce sync.Once
	webhookRegistry    *webhookMetrics

	holdMetricsOnce sync.Once
	holdRegistry    *holdMetrics

	reservationMetricsOnce sync.Once
	reservationRegistry    *reservationMetrics

	taskMetricsOnce sync.Once
	taskRegistry    *taskMetrics

	paymentMetricsOnce sync.Once
	paymentRegistry    *paymentMetrics

	conversationMetricsOnce sync.Once
	conversationRegistry    *conversationMetrics

	outboxMetricsOnce sync.Once
	outboxRegistry    *outboxMetrics
)

// HTTP returns the registry for router-level request metrics. Route
// labels are static mount patterns, never raw URLs.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of HTTP requests segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pousada",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.duration)
	})
	return httpRegistry
}

// Observe records one handled request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(normalizeLabel(route), normalizeLabel(method), strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(normalizeLabel(route), normalizeLabel(method)).Observe(duration.Seconds())
}

// Webhooks returns the lazily-initialised registry tracking ingress
// outcomes per provider. Outcome labels are the stable set processed,
// duplicate, ignored, invalid, unauthorized, rate_limited and error.
func Webhooks() *webhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookRegistry = &webhookMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "webhooks",
				Name:      "received_total",
				Help:      "Count of webhook deliveries segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pousada",
				Subsystem: "webhooks",
				Name:      "handle_duration_seconds",
				Help:      "Latency distribution for webhook ingress handling.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
		}
		prometheus.MustRegister(webhookRegistry.received, webhookRegistry.latency)
	})
	return webhookRegistry
}

// Observe records one webhook delivery.
func (m *webhookMetrics) Observe(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(normalizeLabel(source), normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(normalizeLabel(source)).Observe(duration.Seconds())
}

// Holds returns the registry for the hold engine.
func Holds() *holdMetrics {
	holdMetricsOnce.Do(func() {
		holdRegistry = &holdMetrics{
			created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "holds",
				Name:      "created_total",
				Help:      "Count of hold creation attempts segmented by outcome.",
			}, []string{"outcome"}),
			expired: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "holds",
				Name:      "expired_total",
				Help:      "Count of hold expiration task runs segmented by result.",
			}, []string{"result"}),
			nights: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pousada",
				Subsystem: "holds",
				Name:      "stay_nights",
				Help:      "Distribution of night counts across created holds.",
				Buckets:   []float64{1, 2, 3, 5, 7, 14, 30},
			}),
		}
		prometheus.MustRegister(holdRegistry.created, holdRegistry.expired, holdRegistry.nights)
	})
	return holdRegistry
}

// RecordCreated increments the creation counter; nights is only observed
// for freshly created holds, not replays.
func (m *holdMetrics) RecordCreated(outcome string, nights int) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(normalizeLabel(outcome)).Inc()
	if outcome == "created" && nights > 0 {
		m.nights.Observe(float64(nights))
	}
}

// RecordExpiration increments the expiration counter for a task result such
// as "expired", "noop_converted" or "noop_already_expired".
func (m *holdMetrics) RecordExpiration(result string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(normalizeLabel(result)).Inc()
}

// Reservations returns the registry for the reservation lifecycle.
func Reservations() *reservationMetrics {
	reservationMetricsOnce.Do(func() {
		reservationRegistry = &reservationMetrics{
			converted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "reservations",
				Name:      "converted_total",
				Help:      "Count of hold-to-reservation conversions segmented by outcome.",
			}, []string{"outcome"}),
			cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "reservations",
				Name:      "cancellations_total",
				Help:      "Count of cancellations segmented by the policy type applied.",
			}, []string{"policy"}),
			stays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "reservations",
				Name:      "stay_events_total",
				Help:      "Count of stay transitions (check_in, check_out) segmented by event.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(
			reservationRegistry.converted,
			reservationRegistry.cancellations,
			reservationRegistry.stays,
		)
	})
	return reservationRegistry
}

// RecordConversion increments the conversion counter.
func (m *reservationMetrics) RecordConversion(outcome string) {
	if m == nil {
		return
	}
	m.converted.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordCancellation increments the cancellation counter per policy type.
func (m *reservationMetrics) RecordCancellation(policy string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(normalizeLabel(policy)).Inc()
}

// RecordStayEvent increments the stay transition counter.
func (m *reservationMetrics) RecordStayEvent(event string) {
	if m == nil {
		return
	}
	m.stays.WithLabelValues(normalizeLabel(event)).Inc()
}

// Tasks returns the registry for the task dispatcher and worker handlers.
func Tasks() *taskMetrics {
	taskMetricsOnce.Do(func() {
		taskRegistry = &taskMetrics{
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "tasks",
				Name:      "dispatched_total",
				Help:      "Count of task dispatch attempts segmented by task, backend and outcome.",
			}, []string{"task", "backend", "outcome"}),
			handled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "tasks",
				Name:      "handled_total",
				Help:      "Count of worker task executions segmented by task and outcome.",
			}, []string{"task", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pousada",
				Subsystem: "tasks",
				Name:      "handle_duration_seconds",
				Help:      "Latency distribution for worker task handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"task"}),
		}
		prometheus.MustRegister(taskRegistry.dispatched, taskRegistry.handled, taskRegistry.duration)
	})
	return taskRegistry
}

// RecordDispatch increments the dispatch counter.
func (m *taskMetrics) RecordDispatch(task, backend, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(normalizeLabel(task), normalizeLabel(backend), normalizeLabel(outcome)).Inc()
}

// ObserveHandle records one worker task execution.
func (m *taskMetrics) ObserveHandle(task, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(normalizeLabel(task), normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(normalizeLabel(task)).Observe(duration.Seconds())
}

// Payments returns the registry for the payment broker.
func Payments() *paymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &paymentMetrics{
			sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "payments",
				Name:      "sessions_total",
				Help:      "Count of checkout session creations segmented by outcome.",
			}, []string{"outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "payments",
				Name:      "events_total",
				Help:      "Count of provider webhook events segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "payments",
				Name:      "reconcile_total",
				Help:      "Count of session reconciliations segmented by resulting payment state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(paymentRegistry.sessions, paymentRegistry.events, paymentRegistry.reconcile)
	})
	return paymentRegistry
}

// RecordSession increments the checkout session counter.
func (m *paymentMetrics) RecordSession(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordEvent increments the provider event counter.
func (m *paymentMetrics) RecordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// RecordReconcile increments the reconciliation counter for a payment state.
func (m *paymentMetrics) RecordReconcile(state string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(normalizeLabel(state)).Inc()
}

// Conversations returns the registry for the guest messaging flow.
func Conversations() *conversationMetrics {
	conversationMetricsOnce.Do(func() {
		conversationRegistry = &conversationMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "conversations",
				Name:      "messages_total",
				Help:      "Count of conversation advances segmented by resulting state.",
			}, []string{"state"}),
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "conversations",
				Name:      "quotes_total",
				Help:      "Count of quote computations segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(conversationRegistry.messages, conversationRegistry.quotes)
	})
	return conversationRegistry
}

// RecordMessage increments the message counter with the post-advance state.
func (m *conversationMetrics) RecordMessage(state string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(normalizeLabel(state)).Inc()
}

// RecordQuote increments the quote counter ("offered" or "unavailable").
func (m *conversationMetrics) RecordQuote(outcome string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// Outbox returns the registry tracking outbox event emission.
func Outbox() *outboxMetrics {
	outboxMetricsOnce.Do(func() {
		outboxRegistry = &outboxMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pousada",
				Subsystem: "outbox",
				Name:      "emitted_total",
				Help:      "Count of outbox events persisted segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(outboxRegistry.emitted)
	})
	return outboxRegistry
}

// RecordEmit increments the emission counter for an event type.
func (m *outboxMetrics) RecordEmit(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
