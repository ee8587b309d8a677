package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/api/middleware"
	"github.com/Togather-Foundation/roaming/internal/api/render"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// Receiver applies objects pushed by peers. *push.Engine implements it.
type Receiver interface {
	Receive(ctx context.Context, ref push.Ref, body json.RawMessage, partial bool) push.Result
}

// ReceiverHandler serves the receiver interfaces of the resource modules.
// Routes sit behind PartyAuth restricted to CPOs.
type ReceiverHandler struct {
	Receiver Receiver
}

func NewReceiverHandler(receiver Receiver) *ReceiverHandler {
	return &ReceiverHandler{Receiver: receiver}
}

// receivable lists the modules accepted on the object routes.
var receivable = map[string]ocpi.ModuleID{
	string(ocpi.ModuleLocations): ocpi.ModuleLocations,
	string(ocpi.ModuleTariffs):   ocpi.ModuleTariffs,
	string(ocpi.ModuleSessions):  ocpi.ModuleSessions,
}

// Put answers PUT /ocpi/{version}/{module}/{country_code}/{party_id}/{id}.
func (h *ReceiverHandler) Put(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, false)
}

// Patch answers PATCH on the same route with a partial object.
func (h *ReceiverHandler) Patch(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, true)
}

func (h *ReceiverHandler) receive(w http.ResponseWriter, r *http.Request, partial bool) {
	module, ok := receivable[strings.ToLower(pathParam(r, "module"))]
	if !ok {
		render.Error(w, r, http.StatusNotFound, ocpi.StatusNoMatchingEndpoint, "unknown module", nil)
		return
	}
	h.apply(w, r, module, pathParam(r, "country_code"), pathParam(r, "party_id"), pathParam(r, "id"), partial, nil)
}

type cdrHeader struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	ID          string `json:"id"`
}

// PostCDR answers POST /ocpi/{version}/cdrs. The owner and id come from the
// record itself.
func (h *ReceiverHandler) PostCDR(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}
	var head cdrHeader
	if err := json.Unmarshal(body, &head); err != nil {
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusInvalidParameters, "invalid CDR", err)
		return
	}
	h.apply(w, r, ocpi.ModuleCDRs, head.CountryCode, head.PartyID, head.ID, false, body)
}

func (h *ReceiverHandler) apply(w http.ResponseWriter, r *http.Request, module ocpi.ModuleID, countryCode, partyID, id string, partial bool, body json.RawMessage) {
	decision, ok := middleware.DecisionFromContext(r.Context())
	if !ok {
		render.Error(w, r, http.StatusUnauthorized, ocpi.StatusClientError, "unauthenticated", nil)
		return
	}
	owner, err := push.Owner(decision.Identity, strings.ToUpper(countryCode), strings.ToUpper(partyID))
	if err != nil {
		render.Error(w, r, http.StatusForbidden, ocpi.StatusClientError, "object does not belong to the caller", err)
		return
	}

	if body == nil {
		if body, err = readBody(r); err != nil {
			writeBodyError(w, r, err)
			return
		}
	}

	ref := push.Ref{Provider: owner, Module: module, ID: id}
	res := h.Receiver.Receive(r.Context(), ref, body, partial)
	writePushResult(w, r, res)
}

func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	if tooLarge(err) {
		render.Error(w, r, http.StatusRequestEntityTooLarge, ocpi.StatusClientError, "request body too large", err)
		return
	}
	render.Error(w, r, http.StatusBadRequest, ocpi.StatusInvalidParameters, "invalid request body", err)
}

// writePushResult maps a receive outcome onto the protocol envelope.
func writePushResult(w http.ResponseWriter, r *http.Request, res push.Result) {
	switch res.Status {
	case push.StatusAdded, push.StatusUpdated, push.StatusNoOperation:
		render.Data(w, r, nil)
	case push.StatusDowngradeRejected:
		render.Error(w, r, http.StatusConflict, ocpi.StatusOutdatedObject, "object is older than the stored version", res.Err)
	case push.StatusLockTimeout:
		render.Error(w, r, http.StatusServiceUnavailable, ocpi.StatusServerError, "object is being updated, retry later", res.Err)
	default:
		render.Error(w, r, http.StatusBadRequest, ocpi.StatusInvalidParameters, "invalid object", res.Err)
	}
}
