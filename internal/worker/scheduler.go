// Package worker runs the periodic background jobs: expiring stale payments and sending
// pending payouts.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const jobTimeout = time.Minute

// Scheduler wraps a cron runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	clog := cron.PrintfLogger(log)
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under a cron spec such as "@every 1m" or "*/5 * * * *".
func (s *Scheduler) Add(name, spec string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	jobRuns.WithLabelValues(name, outcome(err)).Inc()
	if err != nil {
		s.log.WithError(err).WithField("job", name).Error("scheduled job failed")
		return
	}
	s.log.WithFields(logrus.Fields{"job": name, "duration": time.Since(start)}).Debug("scheduled job finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
