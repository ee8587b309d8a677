package auth

import (
	"errors"
	"time"
)

// ErrDowngradeRejected is returned when an update is older than the stored version.
var ErrDowngradeRejected = errors.New("update is older than the stored version")

// CheckDowngrade rejects an incoming version strictly older than the stored
// one unless the owning party allows downgrades. Equal timestamps apply.
func CheckDowngrade(incoming, stored time.Time, allowDowngrades bool) error {
	if incoming.Before(stored) && !allowDowngrades {
		return ErrDowngradeRejected
	}
	return nil
}
