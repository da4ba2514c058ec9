package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects run metrics in an in-process Prometheus registry.
// At the end of a run, Gather converts everything collected into Metric
// points for the remote write client.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal          *prometheus.CounterVec
	runDuration        prometheus.Gauge
	unitsTotal         *prometheus.CounterVec
	unitDuration       *prometheus.GaugeVec
	rollbackActions    prometheus.Counter
	rollbackFailures   prometheus.Counter
	breakerTransitions *prometheus.CounterVec
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Completed converge runs by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "run_duration_seconds",
			Help: "Duration of the last converge run.",
		}),
		unitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "units_total",
			Help: "Unit outcomes by status.",
		}, []string{"status"}),
		unitDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unit_duration_seconds",
			Help: "Duration of each unit in the last run.",
		}, []string{"unit"}),
		rollbackActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollback_actions_total",
			Help: "Rollback actions undone.",
		}),
		rollbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollback_failures_total",
			Help: "Rollback actions whose undo failed.",
		}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"key", "to"}),
	}

	r.registry.MustRegister(
		r.runsTotal,
		r.runDuration,
		r.unitsTotal,
		r.unitDuration,
		r.rollbackActions,
		r.rollbackFailures,
		r.breakerTransitions,
	)
	return r
}

// RunCompleted records the outcome and duration of a converge run.
func (r *Recorder) RunCompleted(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	r.runsTotal.WithLabelValues(result).Inc()
	r.runDuration.Set(duration.Seconds())
}

// UnitCompleted records one unit's outcome.
func (r *Recorder) UnitCompleted(id, status string, duration time.Duration) {
	r.unitsTotal.WithLabelValues(status).Inc()
	r.unitDuration.WithLabelValues(id).Set(duration.Seconds())
}

// RollbackExecuted records a rollback pass.
func (r *Recorder) RollbackExecuted(undone, failed int) {
	r.rollbackActions.Add(float64(undone))
	r.rollbackFailures.Add(float64(failed))
}

// BreakerTransition records one circuit state change.
func (r *Recorder) BreakerTransition(key, to string) {
	r.breakerTransitions.WithLabelValues(key, to).Inc()
}

// Gather converts all collected metrics into push points stamped with now.
func (r *Recorder) Gather(now time.Time) ([]Metric, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}

	var out []Metric
	for _, family := range families {
		for _, m := range family.GetMetric() {
			point := Metric{
				Name:      family.GetName(),
				Timestamp: now,
			}
			if len(m.GetLabel()) > 0 {
				point.Labels = make(map[string]string, len(m.GetLabel()))
				for _, pair := range m.GetLabel() {
					point.Labels[pair.GetName()] = pair.GetValue()
				}
			}

			switch {
			case m.GetCounter() != nil:
				point.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				point.Value = m.GetGauge().GetValue()
			default:
				continue
			}
			out = append(out, point)
		}
	}
	return out, nil
}
