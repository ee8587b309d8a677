package parties

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Role is the protocol role a party plays.
type Role string

const (
	RoleCPO  Role = "CPO"
	RoleEMSP Role = "EMSP"
)

// ParseRole normalizes a role string; the second result is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleCPO:
		return RoleCPO, true
	case RoleEMSP:
		return RoleEMSP, true
	}
	return "", false
}

// PartyStatus is the administrative status of a party.
type PartyStatus string

const (
	StatusEnabled   PartyStatus = "ENABLED"
	StatusSuspended PartyStatus = "SUSPENDED"
	StatusDeleted   PartyStatus = "DELETED"
)

func (s PartyStatus) Valid() bool {
	return s == StatusEnabled || s == StatusSuspended || s == StatusDeleted
}

// AccessStatus gates a single local token.
type AccessStatus string

const (
	AccessAllowed AccessStatus = "ALLOWED"
	AccessBlocked AccessStatus = "BLOCKED"
)

func (s AccessStatus) Valid() bool {
	return s == AccessAllowed || s == AccessBlocked
}

// RemoteAccessStatus tells whether we can currently reach a party.
type RemoteAccessStatus string

const (
	RemoteOnline  RemoteAccessStatus = "ONLINE"
	RemoteOffline RemoteAccessStatus = "OFFLINE"
)

// HandshakeState is the registration progress of one remote access entry.
type HandshakeState string

const (
	StateLocalOnly                  HandshakeState = "LOCAL_ONLY"
	StateVersionDiscoveryPending    HandshakeState = "VERSION_DISCOVERY_PENDING"
	StateCredentialsExchangePending HandshakeState = "CREDENTIALS_EXCHANGE_PENDING"
	StateRegistered                 HandshakeState = "REGISTERED"
)

var (
	countryCodePattern = regexp.MustCompile(`^[A-Z]{2}$`)
	partyIDPattern     = regexp.MustCompile(`^[A-Z0-9]{3}$`)
)

// Identity is the (country code, party id, role) key of a party.
type Identity struct {
	CountryCode string `json:"countryCode"`
	PartyID     string `json:"partyId"`
	Role        Role   `json:"role"`
}

// NewIdentity normalizes and validates the three identity components.
func NewIdentity(countryCode, partyID string, role Role) (Identity, error) {
	id := Identity{
		CountryCode: strings.ToUpper(strings.TrimSpace(countryCode)),
		PartyID:     strings.ToUpper(strings.TrimSpace(partyID)),
		Role:        role,
	}
	return id, id.Validate()
}

// Validate checks the identity components.
func (i Identity) Validate() error {
	if !countryCodePattern.MatchString(i.CountryCode) {
		return fmt.Errorf("%w: country code %q", ErrInvalidIdentity, i.CountryCode)
	}
	if !partyIDPattern.MatchString(i.PartyID) {
		return fmt.Errorf("%w: party id %q", ErrInvalidIdentity, i.PartyID)
	}
	if _, ok := ParseRole(string(i.Role)); !ok {
		return fmt.Errorf("%w: role %q", ErrInvalidIdentity, i.Role)
	}
	return nil
}

// Key is the deterministic string form used for indexing and locking.
func (i Identity) Key() string {
	return i.CountryCode + "-" + i.PartyID + "-" + string(i.Role)
}

func (i Identity) String() string {
	return i.Key()
}

// ParseKey is the inverse of Identity.Key.
func ParseKey(key string) (Identity, error) {
	parts := strings.Split(key, "-")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("%w: key %q", ErrInvalidIdentity, key)
	}
	role, ok := ParseRole(parts[2])
	if !ok {
		return Identity{}, fmt.Errorf("%w: key %q", ErrInvalidIdentity, key)
	}
	return NewIdentity(parts[0], parts[1], role)
}

// Validity is the half-open window (NotBefore, NotAfter]. Nil bounds are open.
type Validity struct {
	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`
}

// Contains reports whether t lies inside the window.
func (v Validity) Contains(t time.Time) bool {
	if v.NotBefore != nil && !t.After(*v.NotBefore) {
		return false
	}
	if v.NotAfter != nil && t.After(*v.NotAfter) {
		return false
	}
	return true
}

// MinRotationPeriod is the shortest accepted rotation period. Codes are
// derived from whole seconds.
const MinRotationPeriod = time.Second

// RotatingToken layers a time based code on top of a static token.
type RotatingToken struct {
	Secret string        `json:"secret"`
	Period time.Duration `json:"period"`
}

// LocalAccessInfo is a credential a party presents to us.
type LocalAccessInfo struct {
	AccessToken     string         `json:"accessToken"`
	Base64Encoded   bool           `json:"accessTokenBase64Encoded"`
	Status          AccessStatus   `json:"accessStatus"`
	Validity        Validity       `json:"validity"`
	AllowDowngrades bool           `json:"allowDowngrades"`
	Rotating        *RotatingToken `json:"rotating,omitempty"`
}

// TransportConfig is passed through untouched to the HTTP transport.
type TransportConfig struct {
	Timeout            time.Duration     `json:"timeout,omitempty"`
	MaxRetries         int               `json:"maxRetries,omitempty"`
	RequestsPerSecond  float64           `json:"requestsPerSecond,omitempty"`
	TLSServerName      string            `json:"tlsServerName,omitempty"`
	InsecureSkipVerify bool              `json:"insecureSkipVerify,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// RemoteAccessInfo describes how we call a party.
type RemoteAccessInfo struct {
	Status          RemoteAccessStatus `json:"remoteAccessStatus"`
	State           HandshakeState     `json:"handshakeState"`
	VersionsURL     string             `json:"versionsUrl"`
	AccessToken     string             `json:"accessToken"`
	Base64Encoded   bool               `json:"accessTokenBase64Encoded"`
	Versions        []ocpi.Version     `json:"versions,omitempty"`
	SelectedVersion string             `json:"selectedVersion,omitempty"`
	Endpoints       []ocpi.Endpoint    `json:"endpoints,omitempty"`
	Transport       TransportConfig    `json:"transport"`
	Validity        Validity           `json:"validity"`
	RegisteredAt    *time.Time         `json:"registeredAt,omitempty"`
}

// Online reports whether the entry can be used to call the party at t.
func (r RemoteAccessInfo) Online(t time.Time) bool {
	return r.Status == RemoteOnline && r.Validity.Contains(t)
}

// EndpointURL returns the negotiated endpoint for a module.
func (r RemoteAccessInfo) EndpointURL(module ocpi.ModuleID, role ocpi.InterfaceRole) (string, bool) {
	detail := ocpi.VersionDetail{Version: r.SelectedVersion, Endpoints: r.Endpoints}
	return detail.EndpointURL(module, role)
}
