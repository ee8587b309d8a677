// Package jobs schedules the periodic background work: flushing the outbound
// push queue and resuming registration handshakes that stopped halfway.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

const (
	JobKindPushFlush         = "push_flush"
	JobKindRegistrationRetry = "registration_retry"
)

const QueueRegistration = "registration"

// kindSpec is how one job kind is queued and retried. A zero BaseDelay
// retries at once; a flush never retries since the next interval takes over.
type kindSpec struct {
	Queue       string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var kindSpecs = map[string]kindSpec{
	JobKindPushFlush: {
		MaxAttempts: 1,
	},
	JobKindRegistrationRetry: {
		Queue:       QueueRegistration,
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
		MaxDelay:    15 * time.Minute,
	},
}

// defaultSpec covers kinds with no entry in kindSpecs.
var defaultSpec = kindSpec{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}

func specFor(kind string) kindSpec {
	if spec, ok := kindSpecs[kind]; ok {
		return spec
	}
	return defaultSpec
}

// backoff doubles BaseDelay per attempt up to MaxDelay.
func (s kindSpec) backoff(attempt int) time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(s.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if s.MaxDelay > 0 && delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	return delay
}

// RetryPolicy implements river.ClientRetryPolicy from kindSpecs.
type RetryPolicy struct{}

func (RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	from := time.Now()
	if job.AttemptedAt != nil {
		from = *job.AttemptedAt
	}
	return from.Add(specFor(job.Kind).backoff(job.Attempt))
}

// InsertOptsForKind returns the insert options a job of kind is queued with.
func InsertOptsForKind(kind string) river.InsertOpts {
	spec := specFor(kind)
	return river.InsertOpts{MaxAttempts: spec.MaxAttempts, Queue: spec.Queue}
}

// ClientOptions carries the optional parts of the River client setup.
type ClientOptions struct {
	// Logger receives River's internal logs.
	Logger *slog.Logger
	// Failures reports failed jobs. Nil leaves River's default handling.
	Failures *FailureHandler
	Hooks    []rivertype.Hook
	Periodic []*river.PeriodicJob
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(workers *river.Workers, opts ClientOptions) *river.Config {
	config := &river.Config{
		Workers:      workers,
		RetryPolicy:  RetryPolicy{},
		MaxAttempts:  defaultSpec.MaxAttempts,
		PeriodicJobs: opts.Periodic,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
			QueueRegistration:  {MaxWorkers: 1}, // sweeps must not overlap
		},
		Hooks:  opts.Hooks,
		Logger: opts.Logger,
	}
	if opts.Failures != nil {
		config.ErrorHandler = opts.Failures
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(workers, opts))
}

// Schedule sets how often each periodic job runs. Zero disables a job.
type Schedule struct {
	FlushInterval time.Duration
	RetryInterval time.Duration
}

// NewPeriodicJobs creates the periodic job schedule. The flush runs once
// at start so a restart does not wait a full interval for queued pushes.
func NewPeriodicJobs(s Schedule) []*river.PeriodicJob {
	var out []*river.PeriodicJob
	if s.FlushInterval > 0 {
		out = append(out, periodic(s.FlushInterval, PushFlushArgs{}, true))
	}
	if s.RetryInterval > 0 {
		out = append(out, periodic(s.RetryInterval, RegistrationRetryArgs{}, false))
	}
	return out
}

// periodic schedules args every interval. At most one job per kind is
// inserted per interval, so the schedule does not pile up while workers lag.
func periodic(interval time.Duration, args river.JobArgs, runOnStart bool) *river.PeriodicJob {
	opts := InsertOptsForKind(args.Kind())
	opts.UniqueOpts = river.UniqueOpts{ByPeriod: interval}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return args, &opts },
		&river.PeriodicJobOpts{RunOnStart: runOnStart},
	)
}

// MigrateRiver applies River's own schema.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	return nil
}
