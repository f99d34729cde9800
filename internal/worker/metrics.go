package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_scheduled_job_runs_total",
	Help: "Scheduled job executions, labeled by job and outcome",
}, []string{"job", "outcome"})
