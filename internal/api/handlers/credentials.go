package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Togather-Foundation/roaming/internal/api/middleware"
	"github.com/Togather-Foundation/roaming/internal/api/render"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/registration"
	"github.com/Togather-Foundation/roaming/internal/lock"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// CredentialsService runs the inbound side of registration.
// *registration.Coordinator implements it.
type CredentialsService interface {
	Self() registration.Self
	AcceptCredentials(ctx context.Context, id parties.Identity, usedToken string, creds ocpi.Credentials, update bool) (ocpi.Credentials, error)
	RemoveCredentials(ctx context.Context, id parties.Identity) error
}

// CredentialsHandler serves our credentials endpoint. Every route sits
// behind PartyAuth with any role accepted.
type CredentialsHandler struct {
	Service CredentialsService
}

func NewCredentialsHandler(service CredentialsService) *CredentialsHandler {
	return &CredentialsHandler{Service: service}
}

// Get returns our credentials carrying the token the caller used.
func (h *CredentialsHandler) Get(w http.ResponseWriter, r *http.Request) {
	decision, ok := middleware.DecisionFromContext(r.Context())
	if !ok {
		render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "unauthenticated", nil)
		return
	}
	render.Data(w, r, h.Service.Self().Credentials(decision.Access.AccessToken))
}

// Post registers the caller with us.
func (h *CredentialsHandler) Post(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, false)
}

// Put updates an existing registration.
func (h *CredentialsHandler) Put(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, true)
}

func (h *CredentialsHandler) accept(w http.ResponseWriter, r *http.Request, update bool) {
	decision, ok := middleware.DecisionFromContext(r.Context())
	if !ok {
		render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "unauthenticated", nil)
		return
	}

	var creds ocpi.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		if tooLarge(err) {
			render.Error(w, r, http.StatusRequestEntityTooLarge, ocpi.StatusClientError, "request body too large", err)
			return
		}
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusInvalidParameters, "invalid credentials object", err)
		return
	}

	ours, err := h.Service.AcceptCredentials(r.Context(), decision.Identity, decision.Access.AccessToken, creds, update)
	if err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	render.Data(w, r, ours)
}

// Delete unregisters the caller.
func (h *CredentialsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	decision, ok := middleware.DecisionFromContext(r.Context())
	if !ok {
		render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "unauthenticated", nil)
		return
	}
	if err := h.Service.RemoveCredentials(r.Context(), decision.Identity); err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	render.Data(w, r, nil)
}

func writeCredentialsError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registration.ErrAlreadyRegistered):
		render.Error(w, r, http.StatusMethodNotAllowed, ocpi.StatusClientError, "already registered, use PUT", err)
	case errors.Is(err, registration.ErrNotRegistered):
		render.Error(w, r, http.StatusMethodNotAllowed, ocpi.StatusClientError, "not registered", err)
	case errors.Is(err, registration.ErrInvalidCredentials), errors.Is(err, registration.ErrIdentityMismatch):
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusInvalidParameters, err.Error(), err)
	case errors.Is(err, registration.ErrNoCommonVersion):
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusUnsupportedVersion, "no mutually supported version", err)
	case errors.Is(err, registration.ErrPartySuspended):
		render.Error(w, r, http.StatusForbidden, ocpi.StatusClientError, "party is not enabled", err)
	case errors.Is(err, parties.ErrTokenNotFound), errors.Is(err, parties.ErrPartyNotFound):
		render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "unknown token", err)
	case registration.IsRetryable(err):
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusUnableToUseAPI, "unable to use your versions endpoint", err)
	case errors.Is(err, lock.ErrLockTimeout):
		render.Error(w, r, http.StatusServiceUnavailable, ocpi.StatusServerError, "registration in progress, retry later", err)
	default:
		render.Error(w, r, http.StatusInternalServerError, ocpi.StatusServerError, "registration failed", err)
	}
}
