// Package metrics provides Prometheus instrumentation for login flow exchanges.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exchange outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the exchange counters and latency histogram.
type Metrics struct {
	Exchanges *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// New creates the exchange metrics and registers them with reg.
// A nil reg gets a private registry. When reg already holds the collectors,
// for example from an earlier client, those are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	exchanges, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portier_client_exchanges_total",
		Help: "Total number of login flow exchanges by stage and outcome",
	}, []string{"stage", "outcome"}))
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portier_client_exchange_duration_seconds",
		Help:    "Latency of login flow exchanges by stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"}))
	if err != nil {
		return nil, err
	}

	return &Metrics{Exchanges: exchanges, Duration: duration}, nil
}

// register registers c with reg, returning the existing collector of the
// same type if an identical one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register metrics: %w", err)
}

// Observe records one finished exchange.
func (m *Metrics) Observe(stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Exchanges.WithLabelValues(stage, outcome).Inc()
	m.Duration.WithLabelValues(stage).Observe(elapsed.Seconds())
}
