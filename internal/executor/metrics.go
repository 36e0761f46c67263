package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ald_recipe_steps_total",
			Help: "Total recipe steps executed by step type and result",
		},
		[]string{"type", "result"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ald_recipe_runs_total",
			Help: "Total recipe runs by terminal status",
		},
		[]string{"status"},
	)

	auditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ald_valve_audit_dropped_total",
		Help: "Valve audit records dropped because the queue was full",
	})
)
