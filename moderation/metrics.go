package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var domainBlockMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmod_domain_block_mutations_total",
	Help: "Domain block registry mutations, by action and resulting severity",
}, []string{"action", "severity"})

var fanoutJobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_fanout_jobs_enqueued_total",
	Help: "The total number of fan-out jobs enqueued",
})

var fanoutJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmod_fanout_jobs_finished_total",
	Help: "Fan-out job attempts, by result (complete, failed, dead)",
}, []string{"result"})

var fanoutJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fedmod_fanout_job_duration_seconds",
	Help:    "A histogram of fan-out job attempt durations",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
})

var fanoutBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fedmod_fanout_batch_duration_seconds",
	Help:    "A histogram of fan-out batch durations",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
})

var fanoutBatchRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_fanout_batch_retries_total",
	Help: "Fan-out batches retried in place after an error",
})

var fanoutAccountsChanged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmod_fanout_accounts_changed_total",
	Help: "Accounts whose moderation state was changed by fan-out, by instruction list",
}, []string{"instructions"})

var fanoutAccountsSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_fanout_accounts_skipped_total",
	Help: "Accounts left behind by fan-out after repeated failures",
})

var fanoutAccountErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_fanout_account_errors_total",
	Help: "Per-account fan-out transactions which failed",
})

var fanoutJobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fedmod_fanout_jobs",
	Help: "Number of not-yet-complete fan-out jobs, by state",
}, []string{"state"})

var auditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_audit_failures_total",
	Help: "Audit log writes which failed",
})

var notifyFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_notify_failures_total",
	Help: "Federation notifications which could not be delivered",
})

var suspendQuotaExceeded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedmod_suspend_quota_exceeded_total",
	Help: "Domain suspensions rejected by the daily quota",
})

var ruleCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmod_rule_cache_lookups_total",
	Help: "Block rule cache lookups, by result (hit, miss, error)",
}, []string{"result"})
