// Package syncer drains the edge device's durable queue into the
// central ledger. It runs beside the ingestion path without ever
// blocking it, retries transient failures with exponential backoff,
// and leans on the ledger's idempotency accounting so ambiguous
// outcomes are safe to redeliver.
package syncer

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/ledger"
	"github.com/gameocoder/attendance/internal/queue"
)

// Applier is the slice of the ledger the engine needs.
type Applier interface {
	ApplyBatch(ctx context.Context, batch []ledger.Delivery) ([]ledger.Result, error)
}

const defaultBatchSize = 64

// Engine is the background sync worker.
type Engine struct {
	queue   *queue.Queue
	ledger  Applier
	backoff config.BackoffConfig
	timeout time.Duration

	pollInterval time.Duration
	batchSize    int

	failures int // consecutive transport failures

	progress func(settled int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets how many envelopes one drain cycle transmits.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPollInterval sets the idle re-check interval used in addition to
// enqueue notifications.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithProgress registers a callback invoked after each settled batch
// with the number of envelopes settled so far in the drain.
func WithProgress(fn func(settled int)) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// New creates a sync engine over the given queue and ledger.
func New(q *queue.Queue, l Applier, backoff config.BackoffConfig, timeout time.Duration, opts ...Option) *Engine {
	e := &Engine{
		queue:        q,
		ledger:       l,
		backoff:      backoff,
		timeout:      timeout,
		pollInterval: 30 * time.Second,
		batchSize:    defaultBatchSize,
	}
	if e.timeout <= 0 {
		e.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drains until ctx is cancelled. It wakes on enqueue notification,
// on the poll timer, and after the current backoff delay following a
// transport failure. Retries are unlimited: while the device is
// offline the queue just grows and every envelope stays pending.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("syncer: started (batch %d, poll %s)", e.batchSize, e.pollInterval)
	for {
		if _, err := e.DrainOnce(ctx); err != nil {
			delay := e.delay()
			log.Printf("syncer: drain failed (attempt %d, next in %s): %v", e.failures, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			log.Printf("syncer: stopped")
			return
		case <-e.queue.Notify():
		case <-time.After(e.pollInterval):
		}
	}
}

// DrainOnce transmits every deliverable envelope currently in the
// queue, in sequence order, and compacts acknowledged entries. It
// returns the number of envelopes settled (acknowledged or terminally
// failed). A transport error leaves the remaining envelopes pending
// and increments the backoff counter.
func (e *Engine) DrainOnce(ctx context.Context) (int, error) {
	settled := 0
	for {
		pending, err := e.queue.Pending(ctx, e.batchSize)
		if err != nil {
			return settled, err
		}
		if len(pending) == 0 {
			if settled > 0 {
				if n, err := e.queue.Compact(ctx); err == nil && n > 0 {
					log.Printf("syncer: compacted %d acknowledged envelopes", n)
				}
			}
			e.failures = 0
			return settled, nil
		}

		n, err := e.transmit(ctx, pending)
		settled += n
		if e.progress != nil && n > 0 {
			e.progress(settled)
		}
		if err != nil {
			e.failures++
			return settled, err
		}
	}
}

// transmit sends one batch and settles each envelope per its result.
func (e *Engine) transmit(ctx context.Context, batch []attendance.SyncEnvelope) (int, error) {
	deliveries := make([]ledger.Delivery, len(batch))
	for i := range batch {
		env := &batch[i]
		if err := e.queue.MarkInFlight(ctx, env.Seq); err != nil {
			return 0, err
		}
		key := attendance.IdempotencyKey{
			Seq:      env.Seq,
			DeviceID: env.DeviceID,
		}
		if env.Decision != nil {
			key = env.Key()
		}
		deliveries[i] = ledger.Delivery{
			Key:      &key,
			Decision: env.Decision,
			Event:    env.Event,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	results, err := e.ledger.ApplyBatch(callCtx, deliveries)
	cancel()
	if err != nil {
		// Transient (network, timeout, central restart): everything
		// goes back to pending; redelivery is safe via the key.
		for i := range batch {
			if rqErr := e.queue.Requeue(ctx, batch[i].Seq, err.Error()); rqErr != nil {
				log.Printf("syncer: requeue %d: %v", batch[i].Seq, rqErr)
			}
		}
		return 0, err
	}

	settled := 0
	for i, res := range results {
		seq := batch[i].Seq
		switch res.Outcome {
		case ledger.OutcomeRejected:
			// Terminal for this envelope; parked for operator review.
			log.Printf("syncer: envelope %d rejected by ledger: %s", seq, res.Reason)
			if err := e.queue.Fail(ctx, seq, res.Reason); err != nil {
				return settled, err
			}
		default:
			if err := e.queue.Ack(ctx, seq); err != nil {
				return settled, err
			}
		}
		settled++
	}
	e.failures = 0
	return settled, nil
}

// delay computes the current exponential backoff delay.
func (e *Engine) delay() time.Duration {
	base := e.backoff.Base.Std()
	if base <= 0 {
		base = time.Second
	}
	factor := e.backoff.Factor
	if factor < 1 {
		factor = 2
	}
	maxDelay := e.backoff.Cap.Std()
	if maxDelay < base {
		maxDelay = 5 * time.Minute
	}

	attempts := e.failures - 1
	if attempts < 0 {
		attempts = 0
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempts)))
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return d
}
