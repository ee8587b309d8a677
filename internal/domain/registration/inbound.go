package registration

import (
	"context"
	"fmt"
	"slices"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/Togather-Foundation/roaming/internal/validation"
)

// AcceptCredentials handles a peer registering with us. id is the party the
// presented usedToken authenticated as. update is true for PUT, which is only
// valid once the party is registered.
//
// The peer's endpoints are discovered with the token it sent before anything
// is stored. On success the usedToken entry is rotated to a new token, the
// peer's remote entry becomes REGISTERED, and our credentials carrying the new
// token are returned.
func (c *Coordinator) AcceptCredentials(ctx context.Context, id parties.Identity, usedToken string, creds ocpi.Credentials, update bool) (ocpi.Credentials, error) {
	if err := c.validateInbound(id, creds); err != nil {
		return ocpi.Credentials{}, err
	}

	release, err := c.acquire(ctx, id)
	if err != nil {
		return ocpi.Credentials{}, err
	}
	defer release()

	rec, ok := c.registry.FindByIdentity(id)
	if !ok {
		return ocpi.Credentials{}, fmt.Errorf("%w: %s", parties.ErrPartyNotFound, id)
	}
	if rec.Status != parties.StatusEnabled {
		return ocpi.Credentials{}, fmt.Errorf("%w: %s is %s", ErrPartySuspended, id, rec.Status)
	}
	registered := slices.ContainsFunc(rec.RemoteAccess, func(r parties.RemoteAccessInfo) bool {
		return r.State == parties.StateRegistered
	})
	switch {
	case update && !registered:
		return ocpi.Credentials{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	case !update && registered:
		return ocpi.Credentials{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	if _, ok := rec.Local(usedToken); !ok {
		return ocpi.Credentials{}, parties.ErrTokenNotFound
	}

	remote := parties.RemoteAccessInfo{
		VersionsURL: creds.URL,
		AccessToken: creds.Token,
	}
	if i := rec.RemoteIndex(creds.URL); i >= 0 {
		remote.Transport = rec.RemoteAccess[i].Transport
		remote.Validity = rec.RemoteAccess[i].Validity
	}

	client := c.dial(remote)
	versions, err := client.GetVersions(ctx, creds.URL)
	if err != nil {
		metricsStep(StepVersions, "error")
		return ocpi.Credentials{}, &RetryableError{Step: StepVersions, Err: err}
	}
	metricsStep(StepVersions, "success")

	selected, ok := ocpi.SelectHighest(c.cfg.SupportedVersions, versions)
	if !ok {
		return ocpi.Credentials{}, fmt.Errorf("%w: %s offers %d versions", ErrNoCommonVersion, id, len(versions))
	}
	detail, err := client.GetVersionDetail(ctx, selected.URL)
	if err != nil {
		metricsStep(StepVersionDetail, "error")
		return ocpi.Credentials{}, &RetryableError{Step: StepVersionDetail, Err: err}
	}
	metricsStep(StepVersionDetail, "success")

	newToken, err := c.newToken()
	if err != nil {
		return ocpi.Credentials{}, err
	}

	now := c.now().UTC()
	remote.Status = parties.RemoteOnline
	remote.State = parties.StateRegistered
	remote.Versions = versions
	remote.SelectedVersion = selected.Version
	remote.Endpoints = detail.Endpoints
	remote.RegisteredAt = &now

	_, err = c.registry.Update(ctx, id, func(r *parties.Record) error {
		if err := replaceLocalToken(r, usedToken, newToken); err != nil {
			return err
		}
		r.RemoteAccess = slices.DeleteFunc(r.RemoteAccess, func(existing parties.RemoteAccessInfo) bool {
			return existing.VersionsURL == creds.URL || existing.State == parties.StateRegistered
		})
		r.RemoteAccess = append(r.RemoteAccess, remote)
		if creds.BusinessDetails.Name != "" {
			r.BusinessDetails = creds.BusinessDetails
		}
		return nil
	})
	if err != nil {
		return ocpi.Credentials{}, err
	}
	metricsStep(StepCredentials, "success")

	c.logger.Info().
		Str("party", id.Key()).
		Str("version", selected.Version).
		Bool("update", update).
		Msg("party registered with us")
	return c.cfg.Self.Credentials(newToken), nil
}

// RemoveCredentials handles a peer unregistering: its remote entries go back
// to LOCAL_ONLY and OFFLINE. Its local token keeps working so it can register
// again.
func (c *Coordinator) RemoveCredentials(ctx context.Context, id parties.Identity) error {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	_, err = c.registry.Update(ctx, id, func(r *parties.Record) error {
		found := false
		for i := range r.RemoteAccess {
			if r.RemoteAccess[i].State == parties.StateRegistered {
				resetRemote(&r.RemoteAccess[i])
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotRegistered, id)
		}
		return nil
	})
	if err == nil {
		c.logger.Info().Str("party", id.Key()).Msg("party unregistered")
	}
	return err
}

func (c *Coordinator) validateInbound(id parties.Identity, creds ocpi.Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
	}
	if err := validation.ValidatePeerURL(creds.URL, "url", c.cfg.RequireHTTPS); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if creds.CountryCode != "" && creds.CountryCode != id.CountryCode {
		return fmt.Errorf("%w: country code %s", ErrIdentityMismatch, creds.CountryCode)
	}
	if creds.PartyID != "" && creds.PartyID != id.PartyID {
		return fmt.Errorf("%w: party id %s", ErrIdentityMismatch, creds.PartyID)
	}
	return nil
}
