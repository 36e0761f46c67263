package datalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ald_datalog_cycles_total",
		Help: "Logger cycles, by result.",
	}, []string{"result"})

	cycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ald_datalog_cycle_seconds",
		Help:    "Wall time of one logging cycle.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	jitterGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ald_datalog_jitter_ms",
		Help: "Start-time deviation of the last cycle from the 1s schedule.",
	})

	jitterAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ald_datalog_jitter_alerts_total",
		Help: "Cycles that started more than the hard limit off schedule.",
	})

	parametersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ald_datalog_parameters",
		Help: "Parameters sampled in the last cycle.",
	})

	batchRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ald_datalog_batch_rows_total",
		Help: "Telemetry rows written, by stream.",
	}, []string{"stream"})

	plcReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ald_plc_reads_total",
		Help: "PLC read operations, by mode and result.",
	}, []string{"mode", "result"})
)
