package worker

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(quietLog())
	err := s.Add("broken", "every now and then", func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "schedule broken")
}

func TestScheduler_RunRecordsOutcome(t *testing.T) {
	s := NewScheduler(quietLog())
	defer s.Stop()

	okBefore := testutil.ToFloat64(jobRuns.WithLabelValues("sweep", "ok"))
	errBefore := testutil.ToFloat64(jobRuns.WithLabelValues("sweep", "error"))

	s.run("sweep", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})
	s.run("sweep", func(context.Context) error { return errors.New("db down") })

	assert.Equal(t, okBefore+1, testutil.ToFloat64(jobRuns.WithLabelValues("sweep", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(jobRuns.WithLabelValues("sweep", "error")))
}

func TestScheduler_RunsAndStops(t *testing.T) {
	s := NewScheduler(quietLog())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}
