// Package push applies outward mutations to the local resource store and
// queues their delivery to peers.
//
// Every mutation takes the owning provider's lock with a bounded wait, runs
// the inclusion filter, converts the object to wire form and only then writes
// the store. Rejections and failures are reported in the Result; no partial
// state is written. Flush delivers the queue and is safe to call at any time.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/lock"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts = 5
	DefaultConcurrency = 4
)

type Config struct {
	LockWait    time.Duration
	MaxAttempts int
	Concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

func WithConverter(c Converter) Option {
	return func(e *Engine) {
		e.convert = c
	}
}

func WithFilter(f Filter) Option {
	return func(e *Engine) {
		e.include = f
	}
}

func WithCDRFilter(f CDRFilter) Option {
	return func(e *Engine) {
		e.cdrFilter = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLocks shares a lock registry with other writers of the same providers.
func WithLocks(l *lock.Keyed) Option {
	return func(e *Engine) {
		e.locks = l
	}
}

// Engine runs push mutations and flushes.
type Engine struct {
	store     *Store
	queue     *Queue
	router    Router
	pusher    Pusher
	locks     *lock.Keyed
	convert   Converter
	include   Filter
	cdrFilter CDRFilter
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
	flushing  atomic.Bool
}

func NewEngine(store *Store, router Router, pusher Pusher, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	if cfg.LockWait <= 0 {
		cfg.LockWait = lock.DefaultMaxWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	e := &Engine{
		store:     store,
		queue:     NewQueue(),
		router:    router,
		pusher:    pusher,
		locks:     lock.NewKeyed(),
		convert:   JSONConverter{},
		include:   IncludeAll,
		cdrFilter: ForwardAll,
		cfg:       cfg,
		logger:    logger.With().Str("component", "push").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Queue() *Queue { return e.queue }

// mutation is the store write of one operation. It returns the status to
// report on success.
type mutation func(ref Ref, body json.RawMessage, at time.Time) (Status, []Change, error)

// precheck runs inside the lock before conversion. A non-empty status ends
// the operation with that status.
type precheck func(obj Object) Status

// Add stores a new object and queues it for recipients.
func (e *Engine) Add(ctx context.Context, obj Object) Result {
	return e.run(ctx, "add", obj, nil, http.MethodPut, func(ref Ref, body json.RawMessage, at time.Time) (Status, []Change, error) {
		return StatusAdded, nil, e.store.Add(ref, body, at)
	})
}

// Update replaces an existing object.
func (e *Engine) Update(ctx context.Context, obj Object) Result {
	return e.run(ctx, "update", obj, nil, http.MethodPut, func(ref Ref, body json.RawMessage, at time.Time) (Status, []Change, error) {
		changes, err := e.store.Update(ref, body, at)
		return updatedOrNoop(changes), changes, err
	})
}

// AddOrUpdate stores the object whether or not it exists.
func (e *Engine) AddOrUpdate(ctx context.Context, obj Object) Result {
	return e.run(ctx, "add_or_update", obj, nil, http.MethodPut, func(ref Ref, body json.RawMessage, at time.Time) (Status, []Change, error) {
		added, changes, err := e.store.AddOrUpdate(ref, body, at)
		if added {
			return StatusAdded, nil, err
		}
		return updatedOrNoop(changes), changes, err
	})
}

// UpdateStatus merges a partial object, such as a new EVSE status, into an
// existing one. Recipients get the partial object as a PATCH.
func (e *Engine) UpdateStatus(ctx context.Context, obj Object) Result {
	return e.run(ctx, "update_status", obj, nil, http.MethodPatch, func(ref Ref, body json.RawMessage, at time.Time) (Status, []Change, error) {
		changes, err := e.store.Patch(ref, body, at)
		return updatedOrNoop(changes), changes, err
	})
}

// SubmitCDRs pushes a batch of usage records. Each record is filtered,
// converted and stored on its own; one failing or filtered record never fails
// the rest.
func (e *Engine) SubmitCDRs(ctx context.Context, cdrs []Object) BatchResult {
	batch := BatchResult{Results: make([]Result, 0, len(cdrs))}
	for _, cdr := range cdrs {
		cdr.Module = ocpi.ModuleCDRs
		batch.Results = append(batch.Results, e.submitCDR(ctx, cdr))
	}
	e.logger.Info().
		Int("records", batch.Len()).
		Int("enqueued", batch.Count(StatusEnqueued)).
		Int("filtered", batch.Count(StatusFiltered)).
		Int("failed", batch.Count(StatusError)).
		Msg("cdr batch submitted")
	return batch
}

func (e *Engine) submitCDR(ctx context.Context, cdr Object) Result {
	check := func(obj Object) Status {
		switch e.cdrFilter(obj) {
		case CDRDrop:
			return StatusFiltered
		case CDRIgnore:
			return StatusNoOperation
		default:
			return ""
		}
	}
	return e.run(ctx, "cdr", cdr, check, http.MethodPost, func(ref Ref, body json.RawMessage, at time.Time) (Status, []Change, error) {
		return StatusEnqueued, nil, e.store.Add(ref, body, at)
	})
}

func (e *Engine) run(ctx context.Context, op string, obj Object, check precheck, method string, apply mutation) Result {
	res := e.apply(ctx, obj, check, method, apply)
	metrics.PushResultsTotal.WithLabelValues(string(obj.Module), string(res.Status)).Inc()
	if res.Status == StatusError || res.Status == StatusLockTimeout {
		e.logger.Warn().Err(res.Err).Str("op", op).Str("object", obj.Ref.Key()).Str("status", string(res.Status)).Msg("push mutation failed")
	}
	return res
}

func (e *Engine) apply(ctx context.Context, obj Object, check precheck, method string, apply mutation) Result {
	res := Result{Ref: obj.Ref}
	if err := validateRef(obj.Ref); err != nil {
		res.Status, res.Err = StatusError, err
		return res
	}

	release, err := e.locks.Acquire(ctx, obj.Provider.Key(), e.cfg.LockWait)
	if err != nil {
		res.Status, res.Err = StatusLockTimeout, err
		if !errors.Is(err, lock.ErrLockTimeout) {
			res.Status = StatusError
		}
		return res
	}
	defer release()

	if !e.include(obj) {
		res.Status = StatusNoOperation
		return res
	}
	if check != nil {
		if s := check(obj); s != "" {
			res.Status = s
			return res
		}
	}

	body, warnings, err := e.convert.ToWire(obj)
	res.Warnings = warnings
	if err != nil {
		res.Status, res.Err = StatusError, fmt.Errorf("convert: %w", err)
		return res
	}
	at, err := lastUpdated(body, obj.LastUpdated)
	if err != nil {
		res.Status, res.Err = StatusError, err
		return res
	}

	status, changes, err := apply(obj.Ref, body, at)
	if err != nil {
		res.Status, res.Err = StatusError, err
		if errors.Is(err, auth.ErrDowngradeRejected) {
			res.Status = StatusDowngradeRejected
		}
		return res
	}
	res.Status = status
	res.Changes = changes
	if status != StatusNoOperation {
		res.Deliveries = e.enqueue(obj.Ref, method, body)
	}
	return res
}

// enqueue queues body for every recipient of ref's provider except exclude.
func (e *Engine) enqueue(ref Ref, method string, body json.RawMessage, exclude ...parties.Identity) int {
	now := e.now().UTC()
	var ds []Delivery
	for _, target := range e.router.Recipients(ref.Provider, ref.Module) {
		if slices.Contains(exclude, target) {
			continue
		}
		ds = append(ds, Delivery{
			ID:         ulid.Make().String(),
			Target:     target,
			Ref:        ref,
			Method:     method,
			Body:       body,
			EnqueuedAt: now,
		})
	}
	if len(ds) > 0 {
		e.queue.Enqueue(ds...)
	}
	return len(ds)
}

func updatedOrNoop(changes []Change) Status {
	if len(changes) == 0 {
		return StatusNoOperation
	}
	return StatusUpdated
}

func validateRef(ref Ref) error {
	if err := ref.Provider.Validate(); err != nil {
		return err
	}
	if ref.Module == "" || ref.ID == "" {
		return fmt.Errorf("%w: module and id are required", ErrInvalidObject)
	}
	if len(ref.ID) > 36 {
		return fmt.Errorf("%w: id longer than 36 characters", ErrInvalidObject)
	}
	return nil
}

// lastUpdated reads last_updated from the wire body, falling back to the
// domain object's timestamp.
func lastUpdated(body json.RawMessage, fallback time.Time) (time.Time, error) {
	var probe struct {
		LastUpdated *time.Time `json:"last_updated"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return time.Time{}, fmt.Errorf("%w: last_updated: %v", ErrInvalidObject, err)
	}
	if probe.LastUpdated != nil {
		return probe.LastUpdated.UTC(), nil
	}
	if fallback.IsZero() {
		return time.Time{}, ErrMissingLastUpdated
	}
	return fallback.UTC(), nil
}
