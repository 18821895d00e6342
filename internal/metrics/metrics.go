// Package metrics собирает метрики Prometheus сервиса привлечения инвестиций.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

const namespace = "raise"

// Исходы вложения для ObserveContribution.
const (
	OutcomeAccepted = "accepted"
	OutcomeCaptured = "captured"
	OutcomeRefunded = "refunded"
	OutcomeFailed   = "failed"
)

// Collector хранит метрики сервиса. Методы безопасно вызывать на nil.
type Collector struct {
	contributions      *prometheus.CounterVec
	contributionCents  *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	allocations        *prometheus.CounterVec
	payouts            *prometheus.CounterVec
	payoutCents        *prometheus.CounterVec
	collaboratorErrors *prometheus.CounterVec
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// New создаёт коллектор и регистрирует метрики в reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributions_total",
			Help:      "Contributions by outcome.",
		}, []string{"outcome"}),
		contributionCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contribution_cents_total",
			Help:      "Contribution amounts in minor units by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_transitions_total",
			Help:      "Pool status transitions by target status.",
		}, []string{"status"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocations created by instrument type.",
		}, []string{"instrument"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payouts by status.",
		}, []string{"status"}),
		payoutCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_cents_total",
			Help:      "Payout amounts in minor units by status.",
		}, []string{"status"}),
		collaboratorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Failed calls to external collaborators.",
		}, []string{"collaborator", "operation"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.contributions,
		c.contributionCents,
		c.transitions,
		c.allocations,
		c.payouts,
		c.payoutCents,
		c.collaboratorErrors,
		c.requests,
		c.requestDuration,
	)

	return c
}

// ObserveContribution учитывает вложение с указанным исходом.
func (c *Collector) ObserveContribution(outcome string, amountCents int64) {
	if c == nil {
		return
	}
	c.contributions.WithLabelValues(outcome).Inc()
	c.contributionCents.WithLabelValues(outcome).Add(float64(amountCents))
}

// ObserveTransition учитывает переход пула в статус to.
func (c *Collector) ObserveTransition(to model.PoolStatus) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(to)).Inc()
}

// ObserveAllocations учитывает созданные аллокации.
func (c *Collector) ObserveAllocations(instrument model.InstrumentType, n int) {
	if c == nil {
		return
	}
	c.allocations.WithLabelValues(string(instrument)).Add(float64(n))
}

// ObservePayout учитывает выплату в итоговом статусе.
func (c *Collector) ObservePayout(status model.PayoutStatus, amountCents int64) {
	if c == nil {
		return
	}
	c.payouts.WithLabelValues(string(status)).Inc()
	c.payoutCents.WithLabelValues(string(status)).Add(float64(amountCents))
}

// ObserveCollaboratorError учитывает ошибку вызова внешней системы.
func (c *Collector) ObserveCollaboratorError(collaborator, operation string) {
	if c == nil {
		return
	}
	c.collaboratorErrors.WithLabelValues(collaborator, operation).Inc()
}

// ObserveRequest учитывает обработанный HTTP-запрос.
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
