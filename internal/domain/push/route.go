package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Router decides who receives a provider's objects.
type Router interface {
	Recipients(provider parties.Identity, module ocpi.ModuleID) []parties.Identity
}

// Pusher delivers one queued call.
type Pusher interface {
	Push(ctx context.Context, d Delivery) error
}

// ErrUndeliverable marks deliveries that cannot succeed on retry, such as a
// recipient that no longer exists. Flush drops them at once.
var ErrUndeliverable = errors.New("delivery cannot be completed")

// ErrRecipientOffline is returned while the recipient has no usable remote
// entry. The delivery is retried.
var ErrRecipientOffline = errors.New("recipient is offline")

// Directory is the part of the party registry routing reads.
type Directory interface {
	FindByIdentity(id parties.Identity) (*parties.Record, bool)
	ListByRole(role parties.Role, filter parties.ListFilter) []*parties.Record
}

// RegistryRouter sends a provider's objects to every enabled party of the
// opposite role that has a registered remote entry.
type RegistryRouter struct {
	directory Directory
}

func NewRegistryRouter(directory Directory) *RegistryRouter {
	return &RegistryRouter{directory: directory}
}

func (r *RegistryRouter) Recipients(provider parties.Identity, module ocpi.ModuleID) []parties.Identity {
	role := parties.RoleEMSP
	if provider.Role == parties.RoleEMSP {
		role = parties.RoleCPO
	}
	records := r.directory.ListByRole(role, parties.ListFilter{Statuses: []parties.PartyStatus{parties.StatusEnabled}})
	out := make([]parties.Identity, 0, len(records))
	for _, rec := range records {
		if rec.Identity == provider {
			continue
		}
		for _, remote := range rec.RemoteAccess {
			if remote.State == parties.StateRegistered {
				if _, ok := remote.EndpointURL(module, ocpi.InterfaceReceiver); ok {
					out = append(out, rec.Identity)
				}
				break
			}
		}
	}
	return out
}

// ObjectPusher is the transport call a PeerPusher makes.
type ObjectPusher interface {
	Push(ctx context.Context, method, objectURL string, body json.RawMessage) error
}

// PeerPusher delivers to the recipient's negotiated module endpoint with a
// client built for its current remote entry.
type PeerPusher struct {
	directory Directory
	dial      func(parties.RemoteAccessInfo) ObjectPusher
	now       func() time.Time
}

func NewPeerPusher(directory Directory, dial func(parties.RemoteAccessInfo) ObjectPusher) *PeerPusher {
	return &PeerPusher{directory: directory, dial: dial, now: time.Now}
}

func (p *PeerPusher) Push(ctx context.Context, d Delivery) error {
	rec, ok := p.directory.FindByIdentity(d.Target)
	if !ok || rec.Status == parties.StatusDeleted {
		return fmt.Errorf("%w: recipient %s is gone", ErrUndeliverable, d.Target)
	}
	if rec.Status != parties.StatusEnabled {
		return fmt.Errorf("%w: %s is %s", ErrRecipientOffline, d.Target, rec.Status)
	}
	remote, ok := rec.OnlineRemote(p.now())
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientOffline, d.Target)
	}
	endpoint, ok := remote.EndpointURL(d.Ref.Module, ocpi.InterfaceReceiver)
	if !ok {
		return fmt.Errorf("%w: %s has no %s endpoint", ErrUndeliverable, d.Target, d.Ref.Module)
	}
	target, err := objectURL(endpoint, d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	return p.dial(remote).Push(ctx, d.Method, target, d.Body)
}

// objectURL addresses the object on a receiver endpoint. POSTed records go to
// the endpoint itself; PUT and PATCH name the owner and object id.
func objectURL(endpoint string, d Delivery) (string, error) {
	if d.Method == http.MethodPost {
		return endpoint, nil
	}
	return url.JoinPath(endpoint, d.Ref.Provider.CountryCode, d.Ref.Provider.PartyID, d.Ref.ID)
}
