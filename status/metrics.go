package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_status_transitions_total",
	Help: "The total number of user sync state transitions",
}, []string{"to_state"})
