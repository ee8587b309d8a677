// Package parties holds the party record model and the registry that indexes
// records by identity and by access token.
//
// Records are immutable snapshots. Every mutation builds a new snapshot,
// recomputes its content hash, persists it and only then publishes it, so
// readers always see either the previous or the next complete record.
//
// Writes to one party are serialized through a keyed lock; writes to
// different parties proceed in parallel. Access tokens are unique across the
// whole registry: a write that would hand a token already owned by another
// party is rejected with ErrDuplicateToken.
package parties

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Togather-Foundation/roaming/internal/lock"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/rs/zerolog"
)

// ListFilter narrows ListByRole. Empty fields match everything.
type ListFilter struct {
	Statuses     []PartyStatus
	RemoteStatus RemoteAccessStatus
}

func (f ListFilter) match(r *Record) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.RemoteStatus == "" {
		return true
	}
	for _, rem := range r.RemoteAccess {
		if rem.Status == f.RemoteStatus {
			return true
		}
	}
	return false
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLockWait bounds how long a writer waits for the per-party lock.
func WithLockWait(d time.Duration) Option {
	return func(r *Registry) {
		r.lockWait = d
	}
}

// Registry is the concurrent index of all known parties.
type Registry struct {
	repo     Repository
	logger   zerolog.Logger
	locks    *lock.Keyed
	lockWait time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	byKey    map[string]*Record
	tokens   map[string]string // access token -> identity key
	reserved map[string]string // tokens claimed by an in-flight write
}

// NewRegistry creates an empty registry writing through to repo.
func NewRegistry(repo Repository, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		repo:     repo,
		logger:   logger.With().Str("component", "party_registry").Logger(),
		locks:    lock.NewKeyed(),
		lockWait: lock.DefaultMaxWait,
		now:      time.Now,
		byKey:    make(map[string]*Record),
		tokens:   make(map[string]string),
		reserved: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the in-memory index with the repository contents.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load parties: %w", err)
	}

	byKey := make(map[string]*Record, len(records))
	tokens := make(map[string]string)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("load party %s: %w", rec.Identity, err)
		}
		key := rec.Identity.Key()
		if _, dup := byKey[key]; dup {
			return fmt.Errorf("load party %s: duplicate identity", key)
		}
		for _, l := range rec.LocalAccess {
			if owner, taken := tokens[l.AccessToken]; taken {
				return fmt.Errorf("load party %s: %w (also held by %s)", key, ErrDuplicateToken, owner)
			}
			tokens[l.AccessToken] = key
		}
		snapshot := rec.Clone()
		snapshot.ContentHash = snapshot.ComputeHash()
		byKey[key] = snapshot
	}

	r.mu.Lock()
	r.byKey = byKey
	r.tokens = tokens
	r.observeLocked()
	r.mu.Unlock()

	r.logger.Info().Int("parties", len(byKey)).Msg("party registry loaded")
	return nil
}

// FindByIdentity returns a copy of the record for id.
func (r *Registry) FindByIdentity(id Identity) (*Record, bool) {
	r.mu.RLock()
	rec, ok := r.byKey[id.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// FindByToken resolves an access token to its owning record and entry.
func (r *Registry) FindByToken(token string) (*Record, LocalAccessInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.tokens[token]
	if !ok {
		return nil, LocalAccessInfo{}, false
	}
	rec := r.byKey[key]
	info, ok := rec.Local(token)
	if !ok {
		return nil, LocalAccessInfo{}, false
	}
	return rec.Clone(), cloneLocal(info), true
}

// ListByRole returns the matching records ordered by identity.
func (r *Registry) ListByRole(role Role, filter ListFilter) []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.byKey))
	for _, rec := range r.byKey {
		if rec.Identity.Role == role && filter.match(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Record) int { return CompareIdentity(a.Identity, b.Identity) })
	return out
}

// All returns every record ordered by identity.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.byKey))
	for _, rec := range r.byKey {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Record) int { return CompareIdentity(a.Identity, b.Identity) })
	return out
}

// AllowDowngrades reports whether the party accepts resource versions older
// than the stored ones. Unknown parties never do.
func (r *Registry) AllowDowngrades(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKey[id.Key()]
	return ok && rec.AllowsDowngrades()
}

// Upsert stores record, creating the party when it is unknown. Applying content
// identical to the stored snapshot returns the stored snapshot unchanged.
func (r *Registry) Upsert(ctx context.Context, record *Record) (*Record, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	next := record.Clone()
	id := next.Identity

	release, err := r.locks.Acquire(ctx, id.Key(), r.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	prev := r.current(id)
	if prev != nil {
		next.CreatedAt = prev.CreatedAt
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = r.now()
	}
	return r.commit(ctx, prev, next)
}

// Update applies fn to a copy of the stored record and commits the result. fn
// must not change the identity. Returning an error from fn aborts the update.
func (r *Registry) Update(ctx context.Context, id Identity, fn func(*Record) error) (*Record, error) {
	release, err := r.locks.Acquire(ctx, id.Key(), r.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	prev := r.current(id)
	if prev == nil {
		return nil, fmt.Errorf("%w: %s", ErrPartyNotFound, id)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Identity != id {
		return nil, fmt.Errorf("%w: %s became %s", ErrIdentityChanged, id, next.Identity)
	}
	next.CreatedAt = prev.CreatedAt
	return r.commit(ctx, prev, next)
}

// SetStatus changes the administrative status of a party.
func (r *Registry) SetStatus(ctx context.Context, id Identity, status PartyStatus) (*Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: party status %q", ErrInvalidRecord, status)
	}
	return r.Update(ctx, id, func(rec *Record) error {
		rec.Status = status
		return nil
	})
}

// observeLocked publishes the party counts. The caller holds r.mu.
func (r *Registry) observeLocked() {
	metrics.PartiesTotal.Reset()
	for _, rec := range r.byKey {
		metrics.PartiesTotal.WithLabelValues(string(rec.Identity.Role), string(rec.Status)).Inc()
	}
}

func (r *Registry) current(id Identity) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[id.Key()]
}

// commit runs with the party lock held. It finalizes next, reserves its new
// tokens, persists it and publishes it.
func (r *Registry) commit(ctx context.Context, prev, next *Record) (*Record, error) {
	next.CreatedAt = next.CreatedAt.UTC().Truncate(time.Microsecond)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	next.ContentHash = next.ComputeHash()
	if prev != nil && prev.ContentHash == next.ContentHash {
		return prev.Clone(), nil
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	if prev != nil && now.Before(prev.LastUpdated) {
		now = prev.LastUpdated
	}
	next.LastUpdated = now

	key := next.Identity.Key()
	claimed, err := r.reserve(key, next)
	if err != nil {
		return nil, err
	}

	if err := r.repo.Save(ctx, next); err != nil {
		r.unreserve(claimed)
		return nil, fmt.Errorf("save party %s: %w", key, err)
	}

	r.mu.Lock()
	if prev != nil {
		for _, l := range prev.LocalAccess {
			if r.tokens[l.AccessToken] == key {
				delete(r.tokens, l.AccessToken)
			}
		}
	}
	for _, l := range next.LocalAccess {
		r.tokens[l.AccessToken] = key
	}
	for _, t := range claimed {
		delete(r.reserved, t)
	}
	r.byKey[key] = next
	r.observeLocked()
	r.mu.Unlock()

	event := r.logger.Info().Str("party", key).Str("status", string(next.Status))
	if prev == nil {
		event.Msg("party created")
	} else {
		event.Msg("party updated")
	}
	return next.Clone(), nil
}

// reserve claims every token of next that key does not already own. It fails
// when another party owns or is claiming one of them.
func (r *Registry) reserve(key string, next *Record) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []string
	for _, l := range next.LocalAccess {
		owner, owned := r.tokens[l.AccessToken]
		if owned && owner == key {
			continue
		}
		pending, isReserved := r.reserved[l.AccessToken]
		if (owned && owner != key) || (isReserved && pending != key) {
			for _, t := range claimed {
				delete(r.reserved, t)
			}
			return nil, fmt.Errorf("%w: party %s", ErrDuplicateToken, key)
		}
		r.reserved[l.AccessToken] = key
		claimed = append(claimed, l.AccessToken)
	}
	return claimed, nil
}

func (r *Registry) unreserve(tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tokens {
		delete(r.reserved, t)
	}
}
