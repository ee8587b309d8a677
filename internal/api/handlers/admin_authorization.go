package handlers

import (
	"net/http"
	"strconv"

	"github.com/Togather-Foundation/roaming/internal/audit"
	"github.com/Togather-Foundation/roaming/internal/domain/authorization"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

type voteView struct {
	Party     string           `json:"party"`
	Allowed   ocpi.AllowedType `json:"allowed"`
	Error     string           `json:"error,omitempty"`
	ElapsedMS int64            `json:"elapsed_ms"`
}

type authorizationView struct {
	Outcome    authorization.Outcome   `json:"outcome"`
	Party      *parties.Identity       `json:"party,omitempty"`
	Info       *ocpi.AuthorizationInfo `json:"info,omitempty"`
	RuntimeMS  int64                   `json:"runtime_ms"`
	Candidates int                     `json:"candidates"`
	Votes      []voteView              `json:"votes"`
	Reason     string                  `json:"reason,omitempty"`
}

func viewAuthorization(res authorization.Result) authorizationView {
	view := authorizationView{
		Outcome:    res.Outcome,
		Party:      res.Party,
		Info:       res.Info,
		RuntimeMS:  res.Runtime.Milliseconds(),
		Candidates: res.Candidates,
		Votes:      make([]voteView, 0, len(res.Votes)),
		Reason:     res.Reason,
	}
	for _, v := range res.Votes {
		vote := voteView{Party: v.Party.Key(), Allowed: v.Allowed, ElapsedMS: v.Elapsed.Milliseconds()}
		if v.Err != nil {
			vote.Error = v.Err.Error()
		}
		view.Votes = append(view.Votes, vote)
	}
	return view
}

// AuthorizeStart answers POST /api/v1/admin/authorizations/start. The outcome
// is always reported in the body with 200.
func (h *AdminHandler) AuthorizeStart(w http.ResponseWriter, r *http.Request) {
	var req authorization.Request
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, viewAuthorization(h.Authorizer.AuthorizeStart(r.Context(), req)), "application/json")
}

// AuthorizeStop answers POST /api/v1/admin/authorizations/stop.
func (h *AdminHandler) AuthorizeStop(w http.ResponseWriter, r *http.Request) {
	var req authorization.Request
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, viewAuthorization(h.Authorizer.AuthorizeStop(r.Context(), req)), "application/json")
}

type enabledBody struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// AuthorizationEnabled answers GET /api/v1/admin/authorizations/enabled.
func (h *AdminHandler) AuthorizationEnabled(w http.ResponseWriter, r *http.Request) {
	enabled := h.Authorizer.Enabled()
	writeJSON(w, http.StatusOK, enabledBody{Enabled: &enabled}, "application/json")
}

// SetAuthorizationEnabled answers PUT /api/v1/admin/authorizations/enabled.
func (h *AdminHandler) SetAuthorizationEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledBody
	if !h.decode(w, r, &req) {
		return
	}
	h.Authorizer.SetEnabled(*req.Enabled)
	h.AuditLogger.LogFromRequest(r, "authorization.toggle", "authorization", "", audit.StatusSuccess, map[string]string{"enabled": strconv.FormatBool(*req.Enabled)})
	writeJSON(w, http.StatusOK, req, "application/json")
}
