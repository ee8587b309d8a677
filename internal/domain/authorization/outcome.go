package authorization

import (
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Outcome is the public result of an authorization.
type Outcome string

const (
	Authorized           Outcome = "AUTHORIZED"
	Blocked              Outcome = "BLOCKED"
	Expired              Outcome = "EXPIRED"
	NoCredit             Outcome = "NO_CREDIT"
	NotAuthorized        Outcome = "NOT_AUTHORIZED"
	CommunicationTimeout Outcome = "COMMUNICATION_TIMEOUT"
	AdminDown            Outcome = "ADMIN_DOWN"
	Error                Outcome = "ERROR"
)

// OutcomeFor maps a peer verdict to an outcome. Unknown verdicts are
// NotAuthorized.
func OutcomeFor(allowed ocpi.AllowedType) Outcome {
	switch allowed {
	case ocpi.AllowedAllowed:
		return Authorized
	case ocpi.AllowedBlocked:
		return Blocked
	case ocpi.AllowedExpired:
		return Expired
	case ocpi.AllowedNoCredit:
		return NoCredit
	default:
		return NotAuthorized
	}
}

// Request is an end-user token to authorize plus optional hints.
type Request struct {
	TokenUID  string                   `json:"token_uid" validate:"required,max=36"`
	TokenType ocpi.TokenType           `json:"token_type,omitempty"`
	Location  *ocpi.LocationReferences `json:"location,omitempty"`
	// Operator restricts the race to one EMSP when set.
	Operator *parties.Identity `json:"operator,omitempty"`
}

func (r Request) key() string {
	return string(r.TokenType) + "|" + r.TokenUID
}

// Vote is one candidate's answer. Transport failures count as NOT_ALLOWED
// with Err set.
type Vote struct {
	Party   parties.Identity
	Allowed ocpi.AllowedType
	Info    *ocpi.AuthorizationInfo
	Err     error
	Elapsed time.Duration
}

// Result is the adopted answer of an authorization.
type Result struct {
	Outcome Outcome
	// Party is the peer whose answer was adopted, when there is one.
	Party   *parties.Identity
	Info    *ocpi.AuthorizationInfo
	Runtime time.Duration
	// Votes holds every answer received before the race ended.
	Votes      []Vote
	Candidates int
	Reason     string
}
