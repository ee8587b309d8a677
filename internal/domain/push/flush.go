package push

import (
	"context"
	"errors"
	"sync"

	"github.com/Togather-Foundation/roaming/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// FlushReport summarizes one flush.
type FlushReport struct {
	// Skipped is set when another flush was already running.
	Skipped   bool
	Delivered int
	Requeued  int
	Dropped   int
}

// Flush delivers everything queued. Deliveries run concurrently up to the
// configured limit; failures are requeued until they reach MaxAttempts.
// Concurrent calls do not overlap: a flush started while another runs
// returns at once with Skipped set.
func (e *Engine) Flush(ctx context.Context) FlushReport {
	if !e.flushing.CompareAndSwap(false, true) {
		return FlushReport{Skipped: true}
	}
	defer e.flushing.Store(false)

	batch := e.queue.Drain()
	if len(batch) == 0 {
		return FlushReport{}
	}

	var (
		mu      sync.Mutex
		report  FlushReport
		requeue []Delivery
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for _, d := range batch {
		g.Go(func() error {
			err := e.deliver(ctx, d)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Delivered++
				metrics.FlushDeliveriesTotal.WithLabelValues("delivered").Inc()
			case e.retryable(err, &d):
				report.Requeued++
				requeue = append(requeue, d)
				metrics.FlushDeliveriesTotal.WithLabelValues("requeued").Inc()
			default:
				report.Dropped++
				metrics.FlushDeliveriesTotal.WithLabelValues("dropped").Inc()
				e.logger.Error().
					Err(err).
					Str("delivery", d.ID).
					Str("target", d.Target.Key()).
					Str("object", d.Ref.Key()).
					Int("attempts", d.Attempts).
					Msg("delivery dropped")
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(requeue) > 0 {
		e.queue.Enqueue(requeue...)
	}
	e.logger.Debug().
		Int("delivered", report.Delivered).
		Int("requeued", report.Requeued).
		Int("dropped", report.Dropped).
		Msg("flush completed")
	return report
}

func (e *Engine) deliver(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(ErrUndeliverable, errors.New("pusher panicked"))
		}
	}()
	return e.pusher.Push(ctx, d)
}

// retryable records the failed attempt on d and reports whether it goes back
// on the queue.
func (e *Engine) retryable(err error, d *Delivery) bool {
	d.Attempts++
	d.LastError = err.Error()
	if errors.Is(err, ErrUndeliverable) {
		return false
	}
	return d.Attempts < e.cfg.MaxAttempts
}
