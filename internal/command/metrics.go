package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ald_commands_total",
		Help: "Commands executed, by type and result.",
	}, []string{"type", "result"})
)
