package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/api/render"
	"github.com/Togather-Foundation/roaming/internal/domain/authorization"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Authorizer resolves token authorizations. *authorization.Resolver
// implements it.
type Authorizer interface {
	AuthorizeStart(ctx context.Context, req authorization.Request) authorization.Result
	AuthorizeStop(ctx context.Context, req authorization.Request) authorization.Result
	SetEnabled(enabled bool)
	Enabled() bool
}

// TokensHandler serves real-time authorization to CPOs. The request is raced
// across the online EMSPs.
type TokensHandler struct {
	Authorizer Authorizer
}

func NewTokensHandler(authorizer Authorizer) *TokensHandler {
	return &TokensHandler{Authorizer: authorizer}
}

type authorizeBody struct {
	Location *ocpi.LocationReferences `json:"location_references,omitempty"`
}

// Authorize answers POST /ocpi/{version}/tokens/{uid}/authorize?type=RFID.
// The body with location references is optional.
func (h *TokensHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	req := authorization.Request{
		TokenUID:  strings.TrimSpace(pathParam(r, "uid")),
		TokenType: ocpi.TokenType(strings.ToUpper(r.URL.Query().Get("type"))),
	}
	if req.TokenType == "" {
		req.TokenType = ocpi.TokenRFID
	}

	var body authorizeBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(w, r, err)
		return
	}
	req.Location = body.Location

	res := h.Authorizer.AuthorizeStart(r.Context(), req)
	switch res.Outcome {
	case authorization.Authorized, authorization.Blocked, authorization.Expired, authorization.NoCredit:
		render.Data(w, r, authorizationInfo(res))
	case authorization.NotAuthorized:
		render.Error(w, r, http.StatusNotFound, ocpi.StatusUnknownToken, "unknown token", nil)
	case authorization.CommunicationTimeout:
		render.Error(w, r, http.StatusBadGateway, ocpi.StatusUnableToUseAPI, "no EMSP answered", nil)
	case authorization.AdminDown:
		render.Error(w, r, http.StatusServiceUnavailable, ocpi.StatusServerError, "authorization is disabled", nil)
	default:
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusInvalidParameters, res.Reason, nil)
	}
}

// authorizationInfo returns the adopted EMSP answer, or a bare verdict when
// none was carried.
func authorizationInfo(res authorization.Result) ocpi.AuthorizationInfo {
	if res.Info != nil {
		return *res.Info
	}
	allowed := ocpi.AllowedNotAllowed
	switch res.Outcome {
	case authorization.Authorized:
		allowed = ocpi.AllowedAllowed
	case authorization.Blocked:
		allowed = ocpi.AllowedBlocked
	case authorization.Expired:
		allowed = ocpi.AllowedExpired
	case authorization.NoCredit:
		allowed = ocpi.AllowedNoCredit
	}
	return ocpi.AuthorizationInfo{Allowed: allowed}
}
