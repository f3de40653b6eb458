package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var replayRequestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_replay_requests_total",
	Help: "The total number of replay requests sent downstream",
}, []string{"entity_type", "status_code"})
