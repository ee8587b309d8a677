// Package registration drives the credentials handshake with peers in both
// directions.
//
// Outbound, the coordinator walks a remote access entry through
// LOCAL_ONLY -> VERSION_DISCOVERY_PENDING -> CREDENTIALS_EXCHANGE_PENDING ->
// REGISTERED. The state names the last step that succeeded, and every step
// result is written to the registry before the next one starts, so a failed
// handshake resumes where it stopped. Transport failures mark the entry
// OFFLINE and surface as *RetryableError.
//
// Inbound, a peer holding a token we issued posts its credentials; the
// coordinator discovers the peer's endpoints, rotates the token the peer used
// and answers with our credentials.
package registration

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/lock"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/Togather-Foundation/roaming/internal/validation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "github.com/Togather-Foundation/roaming/internal/domain/registration"

// Client is the transport used to talk to one peer.
type Client interface {
	GetVersions(ctx context.Context, versionsURL string) ([]ocpi.Version, error)
	GetVersionDetail(ctx context.Context, detailURL string) (ocpi.VersionDetail, error)
	PostCredentials(ctx context.Context, credentialsURL string, creds ocpi.Credentials, update bool) (ocpi.Credentials, error)
	DeleteCredentials(ctx context.Context, credentialsURL string) error
}

// Dialer returns a client authenticating with the entry's token.
type Dialer func(remote parties.RemoteAccessInfo) Client

// Registry is the part of the party registry the coordinator writes to.
type Registry interface {
	FindByIdentity(id parties.Identity) (*parties.Record, bool)
	Update(ctx context.Context, id parties.Identity, fn func(*parties.Record) error) (*parties.Record, error)
}

// Self describes this hub as presented to peers.
type Self struct {
	CountryCode     string
	PartyID         string
	BusinessDetails ocpi.BusinessDetails
	VersionsURL     string
}

// Credentials returns our credentials object carrying token.
func (s Self) Credentials(token string) ocpi.Credentials {
	return ocpi.Credentials{
		Token:           token,
		URL:             s.VersionsURL,
		BusinessDetails: s.BusinessDetails,
		CountryCode:     s.CountryCode,
		PartyID:         s.PartyID,
	}
}

// Config configures a Coordinator.
type Config struct {
	Self              Self
	SupportedVersions []string
	LockWait          time.Duration
	RequireHTTPS      bool
}

// RemoteSpec is what an operator supplies to let us call a party.
type RemoteSpec struct {
	VersionsURL   string                  `json:"versionsUrl" validate:"required,url"`
	Token         string                  `json:"token" validate:"required"`
	Base64Encoded bool                    `json:"base64Encoded"`
	Transport     parties.TransportConfig `json:"transport"`
}

// Coordinator runs registration handshakes. Handshakes for one party are
// serialized; different parties proceed in parallel.
type Coordinator struct {
	registry Registry
	dial     Dialer
	cfg      Config
	locks    *lock.Keyed
	logger   zerolog.Logger
	now      func() time.Time
	newToken func() (string, error)
}

func NewCoordinator(registry Registry, dial Dialer, cfg Config, logger zerolog.Logger) *Coordinator {
	if len(cfg.SupportedVersions) == 0 {
		cfg.SupportedVersions = ocpi.SupportedVersions
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = lock.DefaultMaxWait
	}
	return &Coordinator{
		registry: registry,
		dial:     dial,
		cfg:      cfg,
		locks:    lock.NewKeyed(),
		logger:   logger.With().Str("component", "registration").Logger(),
		now:      time.Now,
		newToken: auth.NewAccessToken,
	}
}

// Self returns our own credentials description.
func (c *Coordinator) Self() Self {
	return c.cfg.Self
}

func (c *Coordinator) acquire(ctx context.Context, id parties.Identity) (func(), error) {
	return c.locks.Acquire(ctx, id.Key(), c.cfg.LockWait)
}

// AttachRemote stores how to call a party. An existing entry for the same
// versions URL gets the new token and restarts at LOCAL_ONLY.
func (c *Coordinator) AttachRemote(ctx context.Context, id parties.Identity, spec RemoteSpec) (*parties.Record, error) {
	if err := validation.ValidatePeerURL(spec.VersionsURL, "versions_url", c.cfg.RequireHTTPS); err != nil {
		return nil, fmt.Errorf("%w: %v", parties.ErrInvalidRecord, err)
	}
	if spec.Token == "" {
		return nil, fmt.Errorf("%w: remote token is required", parties.ErrInvalidRecord)
	}

	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.registry.Update(ctx, id, func(rec *parties.Record) error {
		entry := parties.RemoteAccessInfo{
			Status:        parties.RemoteOffline,
			State:         parties.StateLocalOnly,
			VersionsURL:   spec.VersionsURL,
			AccessToken:   spec.Token,
			Base64Encoded: spec.Base64Encoded,
			Transport:     spec.Transport,
		}
		if i := rec.RemoteIndex(spec.VersionsURL); i >= 0 {
			entry.RegisteredAt = rec.RemoteAccess[i].RegisteredAt
			entry.Validity = rec.RemoteAccess[i].Validity
			rec.RemoteAccess[i] = entry
			return nil
		}
		rec.RemoteAccess = append(rec.RemoteAccess, entry)
		return nil
	})
}

// Register runs the handshake for the remote entry identified by versionsURL
// (the first entry when empty) until it is REGISTERED or a step fails.
func (c *Coordinator) Register(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "registration.Register")
	defer span.End()
	span.SetAttributes(attribute.String("party", id.Key()))

	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.run(ctx, id, versionsURL)
	if err != nil {
		span.RecordError(err)
	}
	return rec, err
}

// Reregister forces the handshake to run again. Local access entries are
// kept; the peer keeps using the token it already holds.
func (c *Coordinator) Reregister(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, _, err := c.load(id, versionsURL); err != nil {
		return nil, err
	}
	_, err = c.updateRemote(ctx, id, versionsURL, func(_ *parties.Record, remote *parties.RemoteAccessInfo) {
		remote.State = parties.StateLocalOnly
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("party", id.Key()).Msg("re-registration requested")
	return c.run(ctx, id, versionsURL)
}

func (c *Coordinator) run(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	for {
		rec, remote, err := c.load(id, versionsURL)
		if err != nil {
			return nil, err
		}
		versionsURL = remote.VersionsURL

		switch remote.State {
		case "", parties.StateLocalOnly:
			err = c.discoverVersions(ctx, id, remote)
		case parties.StateVersionDiscoveryPending:
			err = c.discoverEndpoints(ctx, id, remote)
		case parties.StateCredentialsExchangePending:
			err = c.exchangeCredentials(ctx, rec, remote)
		case parties.StateRegistered:
			return rec, nil
		default:
			err = fmt.Errorf("%w: handshake state %q", parties.ErrInvalidRecord, remote.State)
		}
		if err != nil {
			return nil, err
		}
	}
}

// load returns the current record and remote entry, refusing parties that are
// not enabled.
func (c *Coordinator) load(id parties.Identity, versionsURL string) (*parties.Record, parties.RemoteAccessInfo, error) {
	rec, ok := c.registry.FindByIdentity(id)
	if !ok {
		return nil, parties.RemoteAccessInfo{}, fmt.Errorf("%w: %s", parties.ErrPartyNotFound, id)
	}
	if rec.Status != parties.StatusEnabled {
		return nil, parties.RemoteAccessInfo{}, fmt.Errorf("%w: %s is %s", ErrPartySuspended, id, rec.Status)
	}
	i := rec.RemoteIndex(versionsURL)
	if i < 0 {
		return nil, parties.RemoteAccessInfo{}, fmt.Errorf("%w: %s", parties.ErrRemoteNotFound, id)
	}
	return rec, rec.RemoteAccess[i], nil
}

func (c *Coordinator) discoverVersions(ctx context.Context, id parties.Identity, remote parties.RemoteAccessInfo) error {
	versions, err := c.dial(remote).GetVersions(ctx, remote.VersionsURL)
	if err != nil {
		return c.stepFailed(ctx, id, remote.VersionsURL, StepVersions, err)
	}
	c.stepSucceeded(id, StepVersions)

	_, err = c.updateRemote(ctx, id, remote.VersionsURL, func(_ *parties.Record, r *parties.RemoteAccessInfo) {
		r.Versions = versions
		r.State = parties.StateVersionDiscoveryPending
	})
	return err
}

func (c *Coordinator) discoverEndpoints(ctx context.Context, id parties.Identity, remote parties.RemoteAccessInfo) error {
	selected, ok := ocpi.SelectHighest(c.cfg.SupportedVersions, remote.Versions)
	if !ok {
		return fmt.Errorf("%w: %s offers %d versions", ErrNoCommonVersion, id, len(remote.Versions))
	}
	detail, err := c.dial(remote).GetVersionDetail(ctx, selected.URL)
	if err != nil {
		return c.stepFailed(ctx, id, remote.VersionsURL, StepVersionDetail, err)
	}
	if _, ok := detail.EndpointURL(ocpi.ModuleCredentials, ""); !ok {
		return fmt.Errorf("%w: %s version %s", ErrNoCredentialsEndpoint, id, selected.Version)
	}
	c.stepSucceeded(id, StepVersionDetail)

	_, err = c.updateRemote(ctx, id, remote.VersionsURL, func(_ *parties.Record, r *parties.RemoteAccessInfo) {
		r.SelectedVersion = selected.Version
		r.Endpoints = detail.Endpoints
		r.State = parties.StateCredentialsExchangePending
	})
	return err
}

func (c *Coordinator) exchangeCredentials(ctx context.Context, rec *parties.Record, remote parties.RemoteAccessInfo) error {
	id := rec.Identity
	credentialsURL, ok := remote.EndpointURL(ocpi.ModuleCredentials, "")
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCredentialsEndpoint, id)
	}

	token, err := c.ensureLocalToken(ctx, rec)
	if err != nil {
		return err
	}

	issued, err := c.dial(remote).PostCredentials(ctx, credentialsURL, c.cfg.Self.Credentials(token), remote.RegisteredAt != nil)
	if err == nil && issued.Token == "" {
		err = fmt.Errorf("%w: empty token", ErrInvalidCredentials)
	}
	if err != nil {
		return c.stepFailed(ctx, id, remote.VersionsURL, StepCredentials, err)
	}
	c.stepSucceeded(id, StepCredentials)

	if issued.CountryCode != "" && (issued.CountryCode != id.CountryCode || issued.PartyID != id.PartyID) {
		c.logger.Warn().
			Str("party", id.Key()).
			Str("issued_country_code", issued.CountryCode).
			Str("issued_party_id", issued.PartyID).
			Msg("peer credentials name a different identity")
	}

	now := c.now().UTC()
	_, err = c.updateRemote(ctx, id, remote.VersionsURL, func(rec *parties.Record, r *parties.RemoteAccessInfo) {
		r.AccessToken = issued.Token
		r.Status = parties.RemoteOnline
		r.State = parties.StateRegistered
		r.RegisteredAt = &now
		if issued.BusinessDetails.Name != "" {
			rec.BusinessDetails = issued.BusinessDetails
		}
	})
	if err == nil {
		c.logger.Info().Str("party", id.Key()).Str("version", remote.SelectedVersion).Msg("party registered")
	}
	return err
}

// ensureLocalToken returns the token the peer should use to call us, issuing
// one when the party has no usable local entry.
func (c *Coordinator) ensureLocalToken(ctx context.Context, rec *parties.Record) (string, error) {
	for _, l := range rec.LocalAccess {
		if l.Status == parties.AccessAllowed && l.Rotating == nil {
			return l.AccessToken, nil
		}
	}
	token, err := c.newToken()
	if err != nil {
		return "", err
	}
	_, err = c.registry.Update(ctx, rec.Identity, func(r *parties.Record) error {
		r.LocalAccess = append(r.LocalAccess, parties.LocalAccessInfo{
			AccessToken: token,
			Status:      parties.AccessAllowed,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("issue local token: %w", err)
	}
	return token, nil
}

// RotateLocalToken replaces oldToken with a freshly issued one. It is the only
// operation besides an inbound credentials exchange that changes a local token.
func (c *Coordinator) RotateLocalToken(ctx context.Context, id parties.Identity, oldToken string) (string, *parties.Record, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return "", nil, err
	}
	defer release()

	token, err := c.newToken()
	if err != nil {
		return "", nil, err
	}
	rec, err := c.registry.Update(ctx, id, func(r *parties.Record) error {
		return replaceLocalToken(r, oldToken, token)
	})
	if err != nil {
		return "", nil, err
	}
	c.logger.Info().Str("party", id.Key()).Msg("local token rotated")
	return token, rec, nil
}

func replaceLocalToken(r *parties.Record, oldToken, newToken string) error {
	i := slices.IndexFunc(r.LocalAccess, func(l parties.LocalAccessInfo) bool { return l.AccessToken == oldToken })
	if i < 0 {
		return parties.ErrTokenNotFound
	}
	r.LocalAccess[i].AccessToken = newToken
	return nil
}

// Unregister tells the peer to drop our credentials and resets the entry.
func (c *Coordinator) Unregister(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, ok := c.registry.FindByIdentity(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", parties.ErrPartyNotFound, id)
	}
	i := rec.RemoteIndex(versionsURL)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", parties.ErrRemoteNotFound, id)
	}
	remote := rec.RemoteAccess[i]
	if remote.State != parties.StateRegistered {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	credentialsURL, ok := remote.EndpointURL(ocpi.ModuleCredentials, "")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentialsEndpoint, id)
	}
	if err := c.dial(remote).DeleteCredentials(ctx, credentialsURL); err != nil {
		return nil, c.stepFailed(ctx, id, remote.VersionsURL, StepCredentials, err)
	}
	return c.updateRemote(ctx, id, remote.VersionsURL, func(_ *parties.Record, r *parties.RemoteAccessInfo) {
		resetRemote(r)
	})
}

// Recheck calls the versions endpoint of a REGISTERED entry that was marked
// OFFLINE and marks it ONLINE again once the peer answers. An entry already
// ONLINE is returned as is.
func (c *Coordinator) Recheck(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, remote, err := c.load(id, versionsURL)
	if err != nil {
		return nil, err
	}
	if remote.State != parties.StateRegistered {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if remote.Status == parties.RemoteOnline {
		return rec, nil
	}

	versions, err := c.dial(remote).GetVersions(ctx, remote.VersionsURL)
	if err != nil {
		return nil, c.stepFailed(ctx, id, remote.VersionsURL, StepVersions, err)
	}
	c.stepSucceeded(id, StepVersions)

	rec, err = c.updateRemote(ctx, id, remote.VersionsURL, func(_ *parties.Record, r *parties.RemoteAccessInfo) {
		r.Status = parties.RemoteOnline
		r.Versions = versions
	})
	if err == nil {
		c.logger.Info().Str("party", id.Key()).Msg("party back online")
	}
	return rec, err
}

func resetRemote(r *parties.RemoteAccessInfo) {
	r.Status = parties.RemoteOffline
	r.State = parties.StateLocalOnly
	r.SelectedVersion = ""
	r.Endpoints = nil
	r.RegisteredAt = nil
}

// updateRemote applies fn to the remote entry for versionsURL in a single
// registry update.
func (c *Coordinator) updateRemote(ctx context.Context, id parties.Identity, versionsURL string, fn func(*parties.Record, *parties.RemoteAccessInfo)) (*parties.Record, error) {
	return c.registry.Update(ctx, id, func(rec *parties.Record) error {
		i := rec.RemoteIndex(versionsURL)
		if i < 0 {
			return fmt.Errorf("%w: %s", parties.ErrRemoteNotFound, id)
		}
		fn(rec, &rec.RemoteAccess[i])
		return nil
	})
}

func metricsStep(step Step, result string) {
	metrics.HandshakeStepsTotal.WithLabelValues(string(step), result).Inc()
}

func (c *Coordinator) stepSucceeded(id parties.Identity, step Step) {
	metricsStep(step, "success")
	c.logger.Debug().Str("party", id.Key()).Str("step", string(step)).Msg("handshake step completed")
}

// stepFailed marks the entry OFFLINE and wraps cause as retryable. The state
// is left untouched so the retry resumes at the same step.
func (c *Coordinator) stepFailed(ctx context.Context, id parties.Identity, versionsURL string, step Step, cause error) error {
	metricsStep(step, "error")
	c.logger.Warn().Err(cause).Str("party", id.Key()).Str("step", string(step)).Msg("handshake step failed")

	_, err := c.updateRemote(context.WithoutCancel(ctx), id, versionsURL, func(_ *parties.Record, r *parties.RemoteAccessInfo) {
		r.Status = parties.RemoteOffline
	})
	if err != nil {
		c.logger.Error().Err(err).Str("party", id.Key()).Msg("failed to mark party offline")
	}
	return &RetryableError{Step: step, Err: cause}
}
