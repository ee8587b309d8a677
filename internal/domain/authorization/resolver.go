// Package authorization resolves end-user token authorizations across peers.
//
// AuthorizeStart races every online EMSP: the first ALLOWED answer wins, a
// refusal from one peer waits for the others, and the overall deadline bounds
// the whole race. AuthorizeStop answers from the sessions AuthorizeStart
// authorized recently and contacts no peer.
package authorization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "github.com/Togather-Foundation/roaming/internal/domain/authorization"

const (
	DefaultDeadline     = 5 * time.Second
	DefaultStopCacheTTL = 24 * time.Hour
)

// Authorizer asks one peer about a token.
type Authorizer interface {
	AuthorizeToken(ctx context.Context, tokensURL, tokenUID string, tokenType ocpi.TokenType, location *ocpi.LocationReferences) (ocpi.AuthorizationInfo, error)
}

// Dialer returns an authorizer authenticating with the entry's token.
type Dialer func(remote parties.RemoteAccessInfo) Authorizer

// Registry lists the parties that can take part in a race and records the
// ones that stopped answering.
type Registry interface {
	ListByRole(role parties.Role, filter parties.ListFilter) []*parties.Record
	Update(ctx context.Context, id parties.Identity, fn func(*parties.Record) error) (*parties.Record, error)
}

type Config struct {
	Enabled      bool
	Deadline     time.Duration
	StopCacheTTL time.Duration
}

type candidate struct {
	party     parties.Identity
	remote    parties.RemoteAccessInfo
	tokensURL string
}

type session struct {
	party parties.Identity
	info  ocpi.AuthorizationInfo
	at    time.Time
}

// Resolver runs federated authorizations. It is safe for concurrent use.
type Resolver struct {
	registry Registry
	dial     Dialer
	deadline time.Duration
	stopTTL  time.Duration
	enabled  atomic.Bool
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]session
}

func NewResolver(registry Registry, dial Dialer, cfg Config, logger zerolog.Logger) *Resolver {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.StopCacheTTL <= 0 {
		cfg.StopCacheTTL = DefaultStopCacheTTL
	}
	r := &Resolver{
		registry: registry,
		dial:     dial,
		deadline: cfg.Deadline,
		stopTTL:  cfg.StopCacheTTL,
		logger:   logger.With().Str("component", "authorization").Logger(),
		now:      time.Now,
		sessions: make(map[string]session),
	}
	r.enabled.Store(cfg.Enabled)
	return r
}

// SetEnabled switches authorization on or off administratively.
func (r *Resolver) SetEnabled(enabled bool) {
	if r.enabled.Swap(enabled) != enabled {
		r.logger.Info().Bool("enabled", enabled).Msg("authorization toggled")
	}
}

// Enabled reports whether authorization is administratively enabled.
func (r *Resolver) Enabled() bool {
	return r.enabled.Load()
}

// Deadline is the overall bound of one race.
func (r *Resolver) Deadline() time.Duration {
	return r.deadline
}

// AuthorizeStart races the request across all online EMSPs.
func (r *Resolver) AuthorizeStart(ctx context.Context, req Request) Result {
	start := r.now()
	result := r.authorizeStart(ctx, req)
	result.Runtime = r.now().Sub(start)

	metrics.AuthorizationsTotal.WithLabelValues("start", string(result.Outcome)).Inc()
	metrics.AuthorizationDuration.Observe(result.Runtime.Seconds())

	if result.Outcome == Authorized && result.Party != nil {
		r.remember(req, *result.Party, result.Info)
	}
	return result
}

func (r *Resolver) authorizeStart(ctx context.Context, req Request) Result {
	if !r.enabled.Load() {
		return Result{Outcome: AdminDown, Reason: "authorization is administratively disabled"}
	}
	if req.TokenUID == "" {
		return Result{Outcome: Error, Reason: "token uid is required"}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "authorization.AuthorizeStart")
	defer span.End()

	candidates := r.candidates(req)
	metrics.AuthorizationCandidates.Observe(float64(len(candidates)))
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	votes := make(chan Vote, len(candidates))
	for _, c := range candidates {
		go r.ask(ctx, c, req, votes)
	}

	result := r.race(ctx, votes, len(candidates))
	result.Candidates = len(candidates)
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	r.logger.Debug().
		Str("outcome", string(result.Outcome)).
		Int("candidates", len(candidates)).
		Int("votes", len(result.Votes)).
		Msg("authorization resolved")
	return result
}

// race consumes votes until one is ALLOWED, every candidate answered, or the
// deadline passes. Outstanding calls are cancelled by the caller's deferred
// cancel once race returns.
func (r *Resolver) race(ctx context.Context, votes <-chan Vote, n int) Result {
	var (
		received []Vote
		refusal  = -1
		failures int
	)
	for len(received) < n {
		select {
		case v := <-votes:
			received = append(received, v)
			if v.Err != nil {
				failures++
				continue
			}
			if v.Allowed == ocpi.AllowedAllowed {
				party := v.Party
				return Result{Outcome: Authorized, Party: &party, Info: v.Info, Votes: received}
			}
			if refusal < 0 {
				refusal = len(received) - 1
			}
		case <-ctx.Done():
			return Result{Outcome: NotAuthorized, Votes: received, Reason: "deadline elapsed without an accepting answer"}
		}
	}

	switch {
	case n == 0:
		<-ctx.Done()
		return Result{Outcome: NotAuthorized, Reason: "no online EMSP"}
	case failures == n:
		return Result{Outcome: CommunicationTimeout, Votes: received, Reason: "no EMSP answered"}
	default:
		v := received[refusal]
		party := v.Party
		return Result{Outcome: OutcomeFor(v.Allowed), Party: &party, Info: v.Info, Votes: received}
	}
}

func (r *Resolver) ask(ctx context.Context, c candidate, req Request, votes chan<- Vote) {
	v := r.vote(ctx, c, req)
	votes <- v
	if v.Err != nil && ctx.Err() == nil && unreachable(v.Err) {
		r.markOffline(context.WithoutCancel(ctx), c, v.Err)
	}
}

func (r *Resolver) vote(ctx context.Context, c candidate, req Request) (v Vote) {
	start := time.Now()
	v = Vote{Party: c.party, Allowed: ocpi.AllowedNotAllowed}
	defer func() {
		if p := recover(); p != nil {
			v.Err = fmt.Errorf("authorizer panic: %v", p)
		}
		v.Elapsed = time.Since(start)
	}()

	info, err := r.dial(c.remote).AuthorizeToken(ctx, c.tokensURL, req.TokenUID, req.TokenType, req.Location)
	if err != nil {
		v.Err = err
		r.logger.Debug().Err(err).Str("party", c.party.Key()).Msg("authorization call failed")
		return v
	}
	v.Allowed = info.Allowed
	v.Info = &info
	return v
}

// unreachable reports whether err means the peer gave no answer. An OCPI
// status or a malformed envelope is an answer.
func unreachable(err error) bool {
	var se *ocpi.StatusError
	return !errors.As(err, &se) && !errors.Is(err, ocpi.ErrMalformedResponse)
}

// markOffline flips the candidate's remote entry to OFFLINE. Calls abandoned
// when the race ends are not failures and never get here.
func (r *Resolver) markOffline(ctx context.Context, c candidate, cause error) {
	_, err := r.registry.Update(ctx, c.party, func(rec *parties.Record) error {
		i := rec.RemoteIndex(c.remote.VersionsURL)
		if i < 0 {
			return fmt.Errorf("%w: %s", parties.ErrRemoteNotFound, c.party)
		}
		rec.RemoteAccess[i].Status = parties.RemoteOffline
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("party", c.party.Key()).Msg("failed to mark party offline")
		return
	}
	r.logger.Warn().Err(cause).Str("party", c.party.Key()).Msg("EMSP unreachable, marked offline")
}

func (r *Resolver) candidates(req Request) []candidate {
	now := r.now()
	records := r.registry.ListByRole(parties.RoleEMSP, parties.ListFilter{
		Statuses:     []parties.PartyStatus{parties.StatusEnabled},
		RemoteStatus: parties.RemoteOnline,
	})
	out := make([]candidate, 0, len(records))
	for _, rec := range records {
		if req.Operator != nil && rec.Identity != *req.Operator {
			continue
		}
		remote, ok := rec.OnlineRemote(now)
		if !ok {
			continue
		}
		tokensURL, ok := remote.EndpointURL(ocpi.ModuleTokens, ocpi.InterfaceSender)
		if !ok {
			r.logger.Debug().Str("party", rec.Identity.Key()).Msg("online EMSP has no tokens endpoint")
			continue
		}
		out = append(out, candidate{party: rec.Identity, remote: remote, tokensURL: tokensURL})
	}
	return out
}

// AuthorizeStop authorizes ending a session. It is Authorized only when the
// same token was authorized by AuthorizeStart within the stop cache TTL.
func (r *Resolver) AuthorizeStop(_ context.Context, req Request) Result {
	start := r.now()
	result := r.authorizeStop(req, start)
	result.Runtime = r.now().Sub(start)
	metrics.AuthorizationsTotal.WithLabelValues("stop", string(result.Outcome)).Inc()
	return result
}

func (r *Resolver) authorizeStop(req Request, now time.Time) Result {
	if !r.enabled.Load() {
		return Result{Outcome: AdminDown, Reason: "authorization is administratively disabled"}
	}

	r.mu.Lock()
	s, ok := r.sessions[req.key()]
	r.mu.Unlock()

	if !ok || now.Sub(s.at) > r.stopTTL {
		return Result{Outcome: NotAuthorized, Reason: "token was not authorized recently"}
	}
	party := s.party
	info := s.info
	return Result{Outcome: Authorized, Party: &party, Info: &info}
}

func (r *Resolver) remember(req Request, party parties.Identity, info *ocpi.AuthorizationInfo) {
	now := r.now()
	s := session{party: party, at: now}
	if info != nil {
		s.info = *info
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, existing := range r.sessions {
		if now.Sub(existing.at) > r.stopTTL {
			delete(r.sessions, k)
		}
	}
	r.sessions[req.key()] = s
}
