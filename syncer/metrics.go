package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var syncRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_runs_started_total",
	Help: "The total number of sync runs started",
})

var syncRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_runs_finished_total",
	Help: "The total number of sync runs finished",
}, []string{"status"})

var itemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_items_processed_total",
	Help: "The total number of queue items replayed successfully",
})

var itemsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_items_failed_total",
	Help: "The total number of queue items failed permanently",
})

var itemsRequeued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_items_requeued_total",
	Help: "The total number of queue items requeued for retry",
})

var itemConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_item_conflicts_total",
	Help: "The total number of replay attempts that hit a version conflict",
})
