package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var appendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "querypilot",
	Subsystem: "events",
	Name:      "appended_total",
	Help:      "Transparency events appended, by kind.",
}, []string{"kind"})
