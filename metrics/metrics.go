// Package metrics bundles the Prometheus collectors of the survey service.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts session lifecycle activity. All methods are safe on a nil
// receiver so callers can run without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	SessionsStarted  prometheus.Counter
	ActiveSessions   prometheus.Gauge
	PhaseTransitions *prometheus.CounterVec
	EventsAppended   *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	PersistFailures  prometheus.Counter
}

// New registers the collectors against reg, defaulting to the global
// registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.SessionsStarted, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "survey_sessions_started_total",
		Help: "Sessions created.",
	}), "survey_sessions_started_total"); err != nil {
		return nil, err
	}
	if c.ActiveSessions, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "survey_sessions_active",
		Help: "Sessions held in memory that have not reached the end phase.",
	}), "survey_sessions_active"); err != nil {
		return nil, err
	}
	if c.PhaseTransitions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_phase_transitions_total",
		Help: "Phase changes, labeled by source and target phase.",
	}, []string{"from", "to"}), "survey_phase_transitions_total"); err != nil {
		return nil, err
	}
	if c.EventsAppended, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_events_appended_total",
		Help: "Events durably appended to session logs, labeled by event kind.",
	}, []string{"event"}), "survey_events_appended_total"); err != nil {
		return nil, err
	}
	if c.Rejections, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_actions_rejected_total",
		Help: "Participant actions refused by a guard, labeled by action.",
	}, []string{"action"}), "survey_actions_rejected_total"); err != nil {
		return nil, err
	}
	if c.Deliveries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_result_deliveries_total",
		Help: "Result delivery attempts, labeled by result (ok, failed).",
	}, []string{"result"}), "survey_result_deliveries_total"); err != nil {
		return nil, err
	}
	if c.PersistFailures, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "survey_log_persist_failures_total",
		Help: "Event log writes that failed and ended a session.",
	}), "survey_log_persist_failures_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.SessionsStarted.Inc()
	c.ActiveSessions.Inc()
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// SessionClosed marks a session as no longer active, either ended or failed.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}

func (c *Collector) EventAppended(kind string) {
	if c == nil {
		return
	}
	c.EventsAppended.WithLabelValues(kind).Inc()
}

func (c *Collector) Rejected(action string) {
	if c == nil {
		return
	}
	c.Rejections.WithLabelValues(action).Inc()
}

func (c *Collector) Delivered(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.Deliveries.WithLabelValues(result).Inc()
}

func (c *Collector) PersistFailed() {
	if c == nil {
		return
	}
	c.PersistFailures.Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
