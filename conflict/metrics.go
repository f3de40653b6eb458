package conflict

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var conflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_conflicts_detected_total",
	Help: "The total number of sync conflicts detected",
}, []string{"entity_type"})

var conflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_conflicts_resolved_total",
	Help: "The total number of sync conflicts resolved",
}, []string{"strategy"})
