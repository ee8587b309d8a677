package auth

import (
	"encoding/base64"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
)

// Outcome is the verdict of an inbound call evaluation.
type Outcome int

const (
	Unauthenticated Outcome = iota
	Forbidden
	Authenticated
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Forbidden:
		return "forbidden"
	default:
		return "unauthenticated"
	}
}

// Reason explains a Forbidden outcome.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonAccessStatus Reason = "ACCESS_STATUS"
	ReasonPartyStatus  Reason = "PARTY_STATUS"
	ReasonRole         Reason = "ROLE"
)

// Credential is what a caller presented. Base64 is set when the caller claims
// the token is encoded; unclaimed tokens are also tried decoded.
type Credential struct {
	Token  string
	Base64 bool
}

// Decision is the result of Evaluate. Identity, Role and Record are set for
// Authenticated and Forbidden outcomes.
type Decision struct {
	Outcome  Outcome
	Reason   Reason
	Identity parties.Identity
	Role     parties.Role
	Record   *parties.Record
	Access   parties.LocalAccessInfo
}

// TokenFinder resolves access tokens. *parties.Registry implements it.
type TokenFinder interface {
	FindByToken(token string) (*parties.Record, parties.LocalAccessInfo, bool)
}

// Evaluator authenticates inbound calls against the party registry. It never
// mutates the registry and takes no locks beyond the registry's read lock.
type Evaluator struct {
	finder TokenFinder
	now    func() time.Time
}

func NewEvaluator(finder TokenFinder) *Evaluator {
	return &Evaluator{finder: finder, now: time.Now}
}

// WithClock returns a copy of the evaluator using now as its time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	cp := *e
	cp.now = now
	return &cp
}

// Evaluate checks a presented credential. An empty expectedRole accepts any
// role.
func (e *Evaluator) Evaluate(cred Credential, expectedRole parties.Role) Decision {
	now := e.now()

	rec, info, ok := e.lookup(cred, now)
	if !ok {
		return Decision{Outcome: Unauthenticated}
	}
	if !info.Validity.Contains(now) {
		return Decision{Outcome: Unauthenticated}
	}

	d := Decision{
		Outcome:  Forbidden,
		Identity: rec.Identity,
		Role:     rec.Identity.Role,
		Record:   rec,
		Access:   info,
	}
	switch {
	case info.Status != parties.AccessAllowed:
		d.Reason = ReasonAccessStatus
	case rec.Status != parties.StatusEnabled:
		d.Reason = ReasonPartyStatus
	case expectedRole != "" && rec.Identity.Role != expectedRole:
		d.Reason = ReasonRole
	default:
		d.Outcome = Authenticated
	}
	return d
}

// lookup finds the entry matching the presented token. A match only counts when
// the encoding used agrees with the entry's stored flag.
func (e *Evaluator) lookup(cred Credential, now time.Time) (*parties.Record, parties.LocalAccessInfo, bool) {
	if !cred.Base64 {
		if rec, info, ok := e.match(cred.Token, now); ok && !info.Base64Encoded {
			return rec, info, true
		}
	}
	decoded, ok := decodeToken(cred.Token)
	if !ok {
		return nil, parties.LocalAccessInfo{}, false
	}
	if rec, info, ok := e.match(decoded, now); ok && info.Base64Encoded {
		return rec, info, true
	}
	return nil, parties.LocalAccessInfo{}, false
}

// match resolves a decoded token, handling the "<static>:<code>" form of
// rotating tokens. A rotating entry never matches its bare static token.
func (e *Evaluator) match(token string, now time.Time) (*parties.Record, parties.LocalAccessInfo, bool) {
	if rec, info, ok := e.finder.FindByToken(token); ok {
		if info.Rotating != nil {
			return nil, parties.LocalAccessInfo{}, false
		}
		return rec, info, true
	}

	static, code, ok := splitRotatingToken(token)
	if !ok {
		return nil, parties.LocalAccessInfo{}, false
	}
	rec, info, ok := e.finder.FindByToken(static)
	if !ok || info.Rotating == nil {
		return nil, parties.LocalAccessInfo{}, false
	}
	if !VerifyRotatingCode(info.Rotating.Secret, info.Rotating.Period, code, now) {
		return nil, parties.LocalAccessInfo{}, false
	}
	return rec, info, true
}

func decodeToken(token string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding} {
		if raw, err := enc.DecodeString(token); err == nil && len(raw) > 0 {
			return string(raw), true
		}
	}
	return "", false
}
