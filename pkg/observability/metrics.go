package observability

import (
	"context"
	"errors"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated from engine hooks.
type Metrics struct {
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	checkpoints  *prometheus.CounterVec
	interrupts   *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// Collectors already registered by a previous call are reused, so several
// engines can share one registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		nodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_node_executions_total",
				Help: "Total number of step function executions",
			},
			[]string{"graph", "node", "outcome"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "espalier_node_duration_seconds",
				Help:    "Duration of step function executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"graph", "node"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_checkpoints_total",
				Help: "Total number of checkpoints written",
			},
			[]string{"graph", "source"},
		),
		interrupts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_interrupts_total",
				Help: "Total number of runs paused before a gated node",
			},
			[]string{"graph", "node"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_decisions_total",
				Help: "Total number of accepted reviewer decisions",
			},
			[]string{"graph", "kind"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_runs_total",
				Help: "Total number of Start and Resume invocations by outcome",
			},
			[]string{"graph", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "espalier_run_duration_seconds",
				Help:    "Wall time of Start and Resume invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"graph", "status"},
		),
	}

	var err error
	if m.nodes, err = register(reg, m.nodes); err != nil {
		return nil, err
	}
	if m.nodeDuration, err = register(reg, m.nodeDuration); err != nil {
		return nil, err
	}
	if m.checkpoints, err = register(reg, m.checkpoints); err != nil {
		return nil, err
	}
	if m.interrupts, err = register(reg, m.interrupts); err != nil {
		return nil, err
	}
	if m.decisions, err = register(reg, m.decisions); err != nil {
		return nil, err
	}
	if m.runs, err = register(reg, m.runs); err != nil {
		return nil, err
	}
	if m.runDuration, err = register(reg, m.runDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Hooks returns lifecycle hooks that record metrics labelled with graph.
func (m *Metrics) Hooks(graph string) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeLeave: func(ctx context.Context, e *domain.NodeEvent) {
			outcome := "ok"
			if e.Err != nil {
				outcome = "error"
			}
			m.nodes.WithLabelValues(graph, e.Node, outcome).Inc()
			m.nodeDuration.WithLabelValues(graph, e.Node).Observe(e.Duration.Seconds())
		},
		OnCheckpoint: func(ctx context.Context, e *domain.CheckpointEvent) {
			m.checkpoints.WithLabelValues(graph, string(e.Checkpoint.Source)).Inc()
		},
		OnInterrupt: func(ctx context.Context, e *domain.InterruptEvent) {
			m.interrupts.WithLabelValues(graph, e.Request.Node).Inc()
		},
		OnDecision: func(ctx context.Context, e *domain.DecisionEvent) {
			m.decisions.WithLabelValues(graph, string(e.Decision.Kind)).Inc()
		},
		OnRunEnd: func(ctx context.Context, e *domain.RunEvent) {
			status := string(e.Status)
			if e.Step < 0 {
				// Refused before any checkpoint was read.
				status = "refused"
			}
			m.runs.WithLabelValues(graph, status).Inc()
			m.runDuration.WithLabelValues(graph, status).Observe(e.Took.Seconds())
		},
	}
}
