package parties

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Record is an immutable snapshot of everything we know about one party.
// The registry never mutates a published snapshot; every change produces a new
// one with LastUpdated and ContentHash recomputed.
type Record struct {
	Identity        Identity
	BusinessDetails ocpi.BusinessDetails
	Status          PartyStatus
	LocalAccess     []LocalAccessInfo
	RemoteAccess    []RemoteAccessInfo
	CreatedAt       time.Time
	LastUpdated     time.Time
	ContentHash     string
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.BusinessDetails.Logo != nil {
		logo := *r.BusinessDetails.Logo
		out.BusinessDetails.Logo = &logo
	}
	out.LocalAccess = make([]LocalAccessInfo, len(r.LocalAccess))
	for i, l := range r.LocalAccess {
		out.LocalAccess[i] = cloneLocal(l)
	}
	out.RemoteAccess = make([]RemoteAccessInfo, len(r.RemoteAccess))
	for i, rem := range r.RemoteAccess {
		out.RemoteAccess[i] = cloneRemote(rem)
	}
	return &out
}

func cloneLocal(l LocalAccessInfo) LocalAccessInfo {
	l.Validity = cloneValidity(l.Validity)
	if l.Rotating != nil {
		rot := *l.Rotating
		l.Rotating = &rot
	}
	return l
}

func cloneRemote(r RemoteAccessInfo) RemoteAccessInfo {
	r.Validity = cloneValidity(r.Validity)
	if r.RegisteredAt != nil {
		t := *r.RegisteredAt
		r.RegisteredAt = &t
	}
	r.Versions = slices.Clone(r.Versions)
	r.Endpoints = slices.Clone(r.Endpoints)
	r.Transport.Headers = maps.Clone(r.Transport.Headers)
	return r
}

func cloneValidity(v Validity) Validity {
	if v.NotBefore != nil {
		t := *v.NotBefore
		v.NotBefore = &t
	}
	if v.NotAfter != nil {
		t := *v.NotAfter
		v.NotAfter = &t
	}
	return v
}

// Local returns the local access entry holding token.
func (r *Record) Local(token string) (LocalAccessInfo, bool) {
	for _, l := range r.LocalAccess {
		if l.AccessToken == token {
			return l, true
		}
	}
	return LocalAccessInfo{}, false
}

// RemoteIndex returns the index of the remote entry for versionsURL, or -1.
// An empty versionsURL selects the first entry.
func (r *Record) RemoteIndex(versionsURL string) int {
	for i, rem := range r.RemoteAccess {
		if versionsURL == "" || rem.VersionsURL == versionsURL {
			return i
		}
	}
	return -1
}

// OnlineRemote returns the first remote entry usable at t.
func (r *Record) OnlineRemote(t time.Time) (RemoteAccessInfo, bool) {
	for _, rem := range r.RemoteAccess {
		if rem.Online(t) {
			return rem, true
		}
	}
	return RemoteAccessInfo{}, false
}

// AllowsDowngrades reports whether any local entry permits older updates.
func (r *Record) AllowsDowngrades() bool {
	for _, l := range r.LocalAccess {
		if l.AllowDowngrades {
			return true
		}
	}
	return false
}

// Validate checks the per-record invariants. Cross-record token uniqueness is
// enforced by the registry.
func (r *Record) Validate() error {
	if err := r.Identity.Validate(); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: party status %q", ErrInvalidRecord, r.Status)
	}
	if len(r.LocalAccess) == 0 && len(r.RemoteAccess) == 0 {
		return ErrNoAccessInfo
	}
	seen := make(map[string]struct{}, len(r.LocalAccess))
	for _, l := range r.LocalAccess {
		if l.AccessToken == "" {
			return fmt.Errorf("%w: empty local access token", ErrInvalidRecord)
		}
		if !l.Status.Valid() {
			return fmt.Errorf("%w: access status %q", ErrInvalidRecord, l.Status)
		}
		if l.Rotating != nil && (l.Rotating.Secret == "" || l.Rotating.Period < MinRotationPeriod) {
			return fmt.Errorf("%w: rotating token needs a secret and a period of at least %s", ErrInvalidRecord, MinRotationPeriod)
		}
		if _, dup := seen[l.AccessToken]; dup {
			return fmt.Errorf("%w: duplicate local access token", ErrInvalidRecord)
		}
		seen[l.AccessToken] = struct{}{}
	}
	for _, rem := range r.RemoteAccess {
		if rem.VersionsURL == "" || rem.AccessToken == "" {
			return fmt.Errorf("%w: remote access needs a versions url and a token", ErrInvalidRecord)
		}
	}
	return nil
}

// canonical is the hashed form: content only, entries sorted, no timestamps
// that the registry itself maintains.
type canonical struct {
	Identity        Identity             `json:"identity"`
	BusinessDetails ocpi.BusinessDetails `json:"businessDetails"`
	Status          PartyStatus          `json:"partyStatus"`
	LocalAccess     []LocalAccessInfo    `json:"localAccessInfos"`
	RemoteAccess    []RemoteAccessInfo   `json:"remoteAccessInfos"`
	CreatedAt       time.Time            `json:"created"`
}

// ComputeHash digests the canonical serialization of the record content.
func (r *Record) ComputeHash() string {
	c := canonical{
		Identity:        r.Identity,
		BusinessDetails: r.BusinessDetails,
		Status:          r.Status,
		LocalAccess:     slices.Clone(r.LocalAccess),
		RemoteAccess:    slices.Clone(r.RemoteAccess),
		CreatedAt:       r.CreatedAt.UTC(),
	}
	slices.SortFunc(c.LocalAccess, compareLocal)
	slices.SortFunc(c.RemoteAccess, compareRemote)

	// encoding/json sorts map keys, so transport headers hash deterministically.
	payload, err := json.Marshal(c)
	if err != nil {
		// Every field is a plain value; Marshal cannot fail here.
		panic(fmt.Sprintf("parties: hash record: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// recordJSON is the persisted shape of a record.
type recordJSON struct {
	CountryCode     string               `json:"countryCode"`
	PartyID         string               `json:"partyId"`
	Role            Role                 `json:"role"`
	BusinessDetails ocpi.BusinessDetails `json:"businessDetails"`
	LocalAccess     []LocalAccessInfo    `json:"localAccessInfos"`
	RemoteAccess    []RemoteAccessInfo   `json:"remoteAccessInfos"`
	Status          PartyStatus          `json:"partyStatus"`
	CreatedAt       time.Time            `json:"created"`
	LastUpdated     time.Time            `json:"last_updated"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	local := r.LocalAccess
	if local == nil {
		local = []LocalAccessInfo{}
	}
	remote := r.RemoteAccess
	if remote == nil {
		remote = []RemoteAccessInfo{}
	}
	return json.Marshal(recordJSON{
		CountryCode:     r.Identity.CountryCode,
		PartyID:         r.Identity.PartyID,
		Role:            r.Identity.Role,
		BusinessDetails: r.BusinessDetails,
		LocalAccess:     local,
		RemoteAccess:    remote,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt,
		LastUpdated:     r.LastUpdated,
	})
}

// UnmarshalJSON decodes the persisted shape and recomputes the content hash.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		Identity: Identity{
			CountryCode: raw.CountryCode,
			PartyID:     raw.PartyID,
			Role:        raw.Role,
		},
		BusinessDetails: raw.BusinessDetails,
		Status:          raw.Status,
		LocalAccess:     raw.LocalAccess,
		RemoteAccess:    raw.RemoteAccess,
		CreatedAt:       raw.CreatedAt,
		LastUpdated:     raw.LastUpdated,
	}
	r.ContentHash = r.ComputeHash()
	return nil
}
