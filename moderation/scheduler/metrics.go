package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmod_scheduler_work_items_added_total",
	Help: "Total number of fan-out jobs added to the scheduler",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmod_scheduler_work_items_processed_total",
	Help: "Total number of fan-out jobs processed by the scheduler",
}, []string{"pool"})

var workItemsQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fedmod_scheduler_work_items_queued",
	Help: "Number of fan-out jobs waiting behind an active job for the same key",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fedmod_scheduler_workers_active",
	Help: "Number of workers currently running",
}, []string{"pool"})
