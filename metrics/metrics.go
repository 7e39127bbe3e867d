// Package metrics exports Ext.Direct call metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnehpets/directserve/direct"
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
	OutcomeDenied   = "denied"
	OutcomeArity    = "arity"
	OutcomePanic    = "panic"
)

// unknownLabel replaces action and method names that are not registered, so
// a client cannot grow the label space.
const unknownLabel = "_unknown"

// Collector implements direct.Observer with a call counter and a latency
// histogram labelled by action, method and outcome.
type Collector struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers it with reg. A nil reg
// leaves it unregistered.
func NewCollector(reg prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "direct",
			Name:      "calls_total",
			Help:      "Ext.Direct calls by action, method and outcome.",
		}, []string{"action", "method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "direct",
			Name:      "call_duration_seconds",
			Help:      "Ext.Direct call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "method"}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.calls, c.duration} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// ObserveCall implements direct.Observer.
func (c *Collector) ObserveCall(_ context.Context, info direct.CallInfo) {
	outcome := Outcome(info)
	action, method := info.Action, info.Method
	if outcome == OutcomeNotFound {
		action, method = unknownLabel, unknownLabel
	}
	c.calls.WithLabelValues(action, method, outcome).Inc()
	c.duration.WithLabelValues(action, method).Observe(info.Duration.Seconds())
}

// Outcome classifies a call.
func Outcome(info direct.CallInfo) string {
	if info.Type == direct.TypeRPC && info.Err == nil {
		return OutcomeOK
	}
	var pe *direct.PanicError
	switch {
	case errors.As(info.Err, &pe):
		return OutcomePanic
	case errors.Is(info.Err, direct.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(info.Err, direct.ErrAccessDenied):
		return OutcomeDenied
	case errors.Is(info.Err, direct.ErrArity):
		return OutcomeArity
	}
	return OutcomeError
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ direct.Observer = (*Collector)(nil)
