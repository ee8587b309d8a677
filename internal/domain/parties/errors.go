package parties

import "errors"

var (
	ErrPartyNotFound   = errors.New("party not found")
	ErrInvalidIdentity = errors.New("invalid party identity")
	ErrInvalidRecord   = errors.New("invalid party record")
	ErrDuplicateToken  = errors.New("access token already assigned to another party")
	ErrIdentityChanged = errors.New("party identity is immutable")
	ErrNoAccessInfo    = errors.New("party needs at least one local or remote access entry")
	ErrTokenNotFound   = errors.New("access token not found")
	ErrRemoteNotFound  = errors.New("remote access entry not found")
)
