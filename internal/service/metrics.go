package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	earningsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_earnings_posted_total",
		Help: "Earnings appended to the ledger, labeled by source",
	}, []string{"source"})

	earningsAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_earnings_amount_total",
		Help: "Sum of posted earning amounts in shillings, labeled by source",
	}, []string{"source"})

	commissionsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_referral_commissions_total",
		Help: "Referral commissions posted, labeled by level",
	}, []string{"level"})

	taskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_task_completions_total",
		Help: "Task completion attempts, labeled by type and outcome",
	}, []string{"type", "outcome"})

	withdrawalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_withdrawals_total",
		Help: "Withdrawal requests and transitions, labeled by outcome",
	}, []string{"outcome"})

	callbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payment_callbacks_total",
		Help: "Provider payment callbacks processed, labeled by outcome",
	}, []string{"outcome"})

	callbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_callback_queue_depth",
		Help: "Provider callbacks waiting for a worker",
	})
)
