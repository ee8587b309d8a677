package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ticker runs the periodic jobs in process. It stands in for River when no
// database is configured.
type Ticker struct {
	engine    Flusher
	lister    PartyLister
	registrar Registrar
	schedule  Schedule
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

func NewTicker(engine Flusher, lister PartyLister, registrar Registrar, schedule Schedule, logger zerolog.Logger) *Ticker {
	return &Ticker{
		engine:    engine,
		lister:    lister,
		registrar: registrar,
		schedule:  schedule,
		logger:    logger.With().Str("component", "jobs").Logger(),
	}
}

// Start launches one loop per scheduled job. The loops stop when ctx is done;
// Wait blocks until they have returned.
func (t *Ticker) Start(ctx context.Context) {
	if t.schedule.FlushInterval > 0 {
		t.loop(ctx, t.schedule.FlushInterval, func(ctx context.Context) error {
			return flushQueue(ctx, t.engine, t.logger)
		})
	}
	if t.schedule.RetryInterval > 0 {
		t.loop(ctx, t.schedule.RetryInterval, func(ctx context.Context) error {
			_, err := retryRegistrations(ctx, t.lister, t.registrar, t.logger)
			return err
		})
	}
}

func (t *Ticker) Wait() {
	t.wg.Wait()
}

func (t *Ticker) loop(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					t.logger.Error().Err(err).Msg("periodic job failed")
				}
			}
		}
	}()
}
