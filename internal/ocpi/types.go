// Package ocpi holds the wire shapes exchanged with peers: version discovery,
// credentials, token authorization and the common response envelope.
//
// Per-resource schemas (locations, tariffs, sessions, CDRs) are not modelled
// here; they travel as opaque JSON produced by the domain codec.
package ocpi

// Supported protocol versions, highest first.
const (
	Version221 = "2.2.1"
	Version22  = "2.2"
	Version211 = "2.1.1"
)

// ModuleID identifies a protocol module in a version detail response.
type ModuleID string

const (
	ModuleCredentials ModuleID = "credentials"
	ModuleLocations   ModuleID = "locations"
	ModuleTariffs     ModuleID = "tariffs"
	ModuleSessions    ModuleID = "sessions"
	ModuleCDRs        ModuleID = "cdrs"
	ModuleTokens      ModuleID = "tokens"
	ModuleCommands    ModuleID = "commands"
)

// InterfaceRole is the direction a module endpoint serves.
type InterfaceRole string

const (
	InterfaceSender   InterfaceRole = "SENDER"
	InterfaceReceiver InterfaceRole = "RECEIVER"
)

// Version is one entry of a versions discovery response.
type Version struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Endpoint is one module endpoint of a version detail response.
type Endpoint struct {
	Identifier ModuleID      `json:"identifier"`
	Role       InterfaceRole `json:"role,omitempty"`
	URL        string        `json:"url"`
}

// VersionDetail is the response of a version detail endpoint.
type VersionDetail struct {
	Version   string     `json:"version"`
	Endpoints []Endpoint `json:"endpoints"`
}

// EndpointURL returns the URL of the first endpoint for module, preferring role
// when several directions are published.
func (d VersionDetail) EndpointURL(module ModuleID, role InterfaceRole) (string, bool) {
	var fallback string
	for _, ep := range d.Endpoints {
		if ep.Identifier != module {
			continue
		}
		if role == "" || ep.Role == "" || ep.Role == role {
			return ep.URL, true
		}
		if fallback == "" {
			fallback = ep.URL
		}
	}
	return fallback, fallback != ""
}

// Image is a logo reference inside business details.
type Image struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// BusinessDetails describes the operator behind a party.
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Logo    *Image `json:"logo,omitempty"`
}

// Credentials is exchanged in both directions during registration.
type Credentials struct {
	Token           string          `json:"token"`
	URL             string          `json:"url"`
	BusinessDetails BusinessDetails `json:"business_details"`
	CountryCode     string          `json:"country_code"`
	PartyID         string          `json:"party_id"`
}

// AllowedType is the verdict of a token authorization.
type AllowedType string

const (
	AllowedAllowed    AllowedType = "ALLOWED"
	AllowedBlocked    AllowedType = "BLOCKED"
	AllowedExpired    AllowedType = "EXPIRED"
	AllowedNoCredit   AllowedType = "NO_CREDIT"
	AllowedNotAllowed AllowedType = "NOT_ALLOWED"
)

// Valid reports whether a is one of the known verdicts.
func (a AllowedType) Valid() bool {
	switch a {
	case AllowedAllowed, AllowedBlocked, AllowedExpired, AllowedNoCredit, AllowedNotAllowed:
		return true
	}
	return false
}

// TokenType classifies an end-user authentication token.
type TokenType string

const (
	TokenRFID      TokenType = "RFID"
	TokenAppUser   TokenType = "APP_USER"
	TokenAdHocUser TokenType = "AD_HOC_USER"
	TokenOther     TokenType = "OTHER"
)

// Token is the echo of the authorized end-user token.
type Token struct {
	CountryCode string    `json:"country_code,omitempty"`
	PartyID     string    `json:"party_id,omitempty"`
	UID         string    `json:"uid"`
	Type        TokenType `json:"type"`
	ContractID  string    `json:"contract_id,omitempty"`
	Valid       bool      `json:"valid"`
}

// LocationReferences narrows an authorization to a location and its EVSEs.
type LocationReferences struct {
	LocationID string   `json:"location_id"`
	EVSEUIDs   []string `json:"evse_uids,omitempty"`
}

// DisplayText is a localized, human readable message.
type DisplayText struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// AuthorizationInfo is the body returned by a token authorization call.
type AuthorizationInfo struct {
	Allowed                AllowedType         `json:"allowed"`
	Token                  *Token              `json:"token,omitempty"`
	Location               *LocationReferences `json:"location,omitempty"`
	AuthorizationReference string              `json:"authorization_reference,omitempty"`
	Info                   *DisplayText        `json:"info,omitempty"`
}
