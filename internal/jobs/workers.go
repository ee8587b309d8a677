package jobs

import (
	"context"
	"fmt"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// Flusher is the push engine's periodic hook.
type Flusher interface {
	Flush(ctx context.Context) push.FlushReport
}

// PartyLister lists every known party.
type PartyLister interface {
	All() []*parties.Record
}

// Registrar resumes a handshake and checks on registered peers marked
// offline.
type Registrar interface {
	Register(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error)
	Recheck(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error)
}

type PushFlushArgs struct{}

func (PushFlushArgs) Kind() string { return JobKindPushFlush }

type PushFlushWorker struct {
	river.WorkerDefaults[PushFlushArgs]
	Engine Flusher
	Logger zerolog.Logger
}

func (PushFlushWorker) Kind() string { return JobKindPushFlush }

func (w PushFlushWorker) Work(ctx context.Context, job *river.Job[PushFlushArgs]) error {
	if job == nil {
		return fmt.Errorf("push flush job missing")
	}
	return flushQueue(ctx, w.Engine, w.Logger)
}

type RegistrationRetryArgs struct{}

func (RegistrationRetryArgs) Kind() string { return JobKindRegistrationRetry }

// RegistrationRetryWorker resumes handshakes that stopped after version
// discovery or endpoint discovery succeeded, and rechecks registered peers
// marked offline.
type RegistrationRetryWorker struct {
	river.WorkerDefaults[RegistrationRetryArgs]
	Parties     PartyLister
	Coordinator Registrar
	Logger      zerolog.Logger
}

func (RegistrationRetryWorker) Kind() string { return JobKindRegistrationRetry }

func (w RegistrationRetryWorker) Work(ctx context.Context, job *river.Job[RegistrationRetryArgs]) error {
	if job == nil {
		return fmt.Errorf("registration retry job missing")
	}
	_, err := retryRegistrations(ctx, w.Parties, w.Coordinator, w.Logger)
	return err
}

func flushQueue(ctx context.Context, engine Flusher, logger zerolog.Logger) error {
	if engine == nil {
		return fmt.Errorf("push engine not configured")
	}
	report := engine.Flush(ctx)
	if report.Skipped {
		logger.Debug().Msg("flush already running, skipped")
		return nil
	}
	if report.Delivered+report.Requeued+report.Dropped > 0 {
		logger.Info().
			Int("delivered", report.Delivered).
			Int("requeued", report.Requeued).
			Int("dropped", report.Dropped).
			Msg("push queue flushed")
	}
	return nil
}

// RetrySummary counts the outcome of one retry sweep.
type RetrySummary struct {
	Attempted  int
	Registered int
	Rechecked  int
	Recovered  int
	Failed     int
}

// retryRegistrations walks enabled parties, resumes each remote entry that is
// mid-handshake and rechecks REGISTERED entries marked OFFLINE. LOCAL_ONLY
// entries are left alone: they are either new (the operator triggers them)
// or were unregistered on purpose.
func retryRegistrations(ctx context.Context, lister PartyLister, registrar Registrar, logger zerolog.Logger) (RetrySummary, error) {
	var summary RetrySummary
	if lister == nil || registrar == nil {
		return summary, fmt.Errorf("registration retry not configured")
	}

	for _, rec := range lister.All() {
		if rec.Status != parties.StatusEnabled {
			continue
		}
		for _, remote := range rec.RemoteAccess {
			recheck := offline(remote)
			if !recheck && !resumable(remote.State) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if recheck {
				summary.Rechecked++
				if _, err := registrar.Recheck(ctx, rec.Identity, remote.VersionsURL); err != nil {
					summary.Failed++
					logger.Debug().Err(err).Str("party", rec.Identity.Key()).Msg("offline peer still unreachable")
					continue
				}
				summary.Recovered++
				continue
			}
			summary.Attempted++
			if _, err := registrar.Register(ctx, rec.Identity, remote.VersionsURL); err != nil {
				summary.Failed++
				logger.Warn().Err(err).Str("party", rec.Identity.Key()).Msg("handshake retry failed")
				continue
			}
			summary.Registered++
		}
	}

	if summary.Attempted+summary.Rechecked > 0 {
		logger.Info().
			Int("attempted", summary.Attempted).
			Int("registered", summary.Registered).
			Int("rechecked", summary.Rechecked).
			Int("recovered", summary.Recovered).
			Int("failed", summary.Failed).
			Msg("handshake retry sweep finished")
	}
	return summary, nil
}

func offline(remote parties.RemoteAccessInfo) bool {
	return remote.State == parties.StateRegistered && remote.Status == parties.RemoteOffline
}

func resumable(state parties.HandshakeState) bool {
	return state == parties.StateVersionDiscoveryPending || state == parties.StateCredentialsExchangePending
}

// NewWorkers registers the workers for engine and coordinator.
func NewWorkers(engine Flusher, lister PartyLister, registrar Registrar, logger zerolog.Logger) *river.Workers {
	logger = logger.With().Str("component", "jobs").Logger()
	workers := river.NewWorkers()
	river.AddWorker[PushFlushArgs](workers, PushFlushWorker{Engine: engine, Logger: logger})
	river.AddWorker[RegistrationRetryArgs](workers, RegistrationRetryWorker{
		Parties:     lister,
		Coordinator: registrar,
		Logger:      logger,
	})
	return workers
}
