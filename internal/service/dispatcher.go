package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull         = errors.New("callback queue full")
	ErrDispatcherStopped = errors.New("callback dispatcher stopped")
)

const (
	callbackMaxTries = 5
	callbackTimeout  = 10 * time.Second
)

type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb CallbackResult) (*CallbackOutcome, error)
}

// Dispatcher decouples webhook acknowledgement from callback processing. Callbacks are
// processed by a fixed pool of workers and retried with exponential backoff.
type Dispatcher struct {
	handler CallbackHandler
	workers int
	queue   chan CallbackResult
	log     logrus.FieldLogger
	backOff func() backoff.BackOff

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(h CallbackHandler, workers, queueSize int, log logrus.FieldLogger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		handler: h,
		workers: workers,
		queue:   make(chan CallbackResult, queueSize),
		log:     log,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Submit enqueues cb without blocking.
func (d *Dispatcher) Submit(cb CallbackResult) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- cb:
		callbackQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new callbacks and waits for the queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for cb := range d.queue {
		callbackQueueDepth.Set(float64(len(d.queue)))
		d.process(ctx, cb)
	}
}

func (d *Dispatcher) process(ctx context.Context, cb CallbackResult) {
	log := d.log.WithField("checkout_request_id", cb.CheckoutRequestID)
	op := func() (*CallbackOutcome, error) {
		opCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
		defer cancel()
		out, err := d.handler.HandleCallback(opCtx, cb)
		if errors.Is(err, domain.ErrUnknownTransaction) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(d.backOff()),
		backoff.WithMaxTries(callbackMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("callback processing failed, retrying")
		}),
	)
	switch {
	case errors.Is(err, domain.ErrUnknownTransaction):
		// already counted and logged by the reconciler
	case err != nil:
		log.WithError(err).Error("callback dropped after retries, left for replay")
	}
}
