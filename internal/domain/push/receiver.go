package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/lock"
	"github.com/Togather-Foundation/roaming/internal/metrics"
)

// Receive applies an object a peer pushed to us and relays it to the other
// recipients of the owning provider. A partial object is merged into the
// stored one. The body's last_updated is required and drives the downgrade
// check with the owner's AllowDowngrades setting.
func (e *Engine) Receive(ctx context.Context, ref Ref, body json.RawMessage, partial bool) Result {
	res := e.receive(ctx, ref, body, partial)
	metrics.PushResultsTotal.WithLabelValues("inbound_"+string(ref.Module), string(res.Status)).Inc()
	if res.Status == StatusDowngradeRejected {
		e.logger.Info().Str("object", ref.Key()).Msg("inbound downgrade rejected")
	}
	return res
}

func (e *Engine) receive(ctx context.Context, ref Ref, body json.RawMessage, partial bool) Result {
	res := Result{Ref: ref}
	if err := validateRef(ref); err != nil {
		res.Status, res.Err = StatusError, err
		return res
	}
	at, err := lastUpdated(body, time.Time{})
	if err != nil {
		res.Status, res.Err = StatusError, err
		return res
	}

	release, err := e.locks.Acquire(ctx, ref.Provider.Key(), e.cfg.LockWait)
	if err != nil {
		res.Status, res.Err = StatusLockTimeout, err
		if !errors.Is(err, lock.ErrLockTimeout) {
			res.Status = StatusError
		}
		return res
	}
	defer release()

	method := http.MethodPut
	if partial {
		method = http.MethodPatch
		res.Changes, err = e.store.Patch(ref, body, at)
		res.Status = updatedOrNoop(res.Changes)
	} else {
		var added bool
		added, res.Changes, err = e.store.AddOrUpdate(ref, body, at)
		res.Status = updatedOrNoop(res.Changes)
		if added {
			res.Status = StatusAdded
		}
	}
	if err != nil {
		res.Changes = nil
		res.Status, res.Err = StatusError, err
		if errors.Is(err, auth.ErrDowngradeRejected) {
			res.Status = StatusDowngradeRejected
		}
		return res
	}
	if res.Status != StatusNoOperation {
		res.Deliveries = e.enqueue(ref, method, body, ref.Provider)
	}
	return res
}

// Owner returns the ref for an object posted by sender on behalf of the
// provider named in the URL. Only the sender itself may own what it sends.
func Owner(sender parties.Identity, countryCode, partyID string) (parties.Identity, error) {
	if countryCode != sender.CountryCode || partyID != sender.PartyID {
		return parties.Identity{}, fmt.Errorf("%w: %s/%s does not belong to %s", ErrInvalidObject, countryCode, partyID, sender)
	}
	return sender, nil
}
