package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_queue_items_enqueued_total",
	Help: "The total number of queue items enqueued",
}, []string{"operation"})

var itemTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_queue_item_transitions_total",
	Help: "The total number of queue item status transitions",
}, []string{"to_status"})

var itemsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_queue_items_purged_total",
	Help: "The total number of completed queue items purged",
})

var itemsCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_queue_items_cancelled_total",
	Help: "The total number of pending queue items cancelled",
})
