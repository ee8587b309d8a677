package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/api/pagination"
	"github.com/Togather-Foundation/roaming/internal/api/problem"
	"github.com/Togather-Foundation/roaming/internal/audit"
	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/Togather-Foundation/roaming/internal/domain/registration"
	"github.com/Togather-Foundation/roaming/internal/lock"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/go-playground/validator/v10"
)

// PartyStore is the registry view the admin API needs. *parties.Registry
// implements it.
type PartyStore interface {
	All() []*parties.Record
	FindByIdentity(id parties.Identity) (*parties.Record, bool)
	Upsert(ctx context.Context, record *parties.Record) (*parties.Record, error)
	SetStatus(ctx context.Context, id parties.Identity, status parties.PartyStatus) (*parties.Record, error)
}

// Registrar runs outbound registrations. *registration.Coordinator
// implements it.
type Registrar interface {
	AttachRemote(ctx context.Context, id parties.Identity, spec registration.RemoteSpec) (*parties.Record, error)
	Register(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error)
	Reregister(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error)
	Unregister(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error)
	RotateLocalToken(ctx context.Context, id parties.Identity, oldToken string) (string, *parties.Record, error)
}

// Publisher pushes local objects to peers. *push.Engine implements it.
type Publisher interface {
	Add(ctx context.Context, obj push.Object) push.Result
	Update(ctx context.Context, obj push.Object) push.Result
	AddOrUpdate(ctx context.Context, obj push.Object) push.Result
	UpdateStatus(ctx context.Context, obj push.Object) push.Result
	SubmitCDRs(ctx context.Context, cdrs []push.Object) push.BatchResult
	Flush(ctx context.Context) push.FlushReport
	Store() *push.Store
	Queue() *push.Queue
}

// AdminHandler serves /api/v1/admin. Every route sits behind JWTAuth.
type AdminHandler struct {
	Registry    PartyStore
	Registrar   Registrar
	Authorizer  Authorizer
	Publisher   Publisher
	AuditLogger *audit.Logger
	Env         string
	validate    *validator.Validate
	newToken    func() (string, error)
}

func NewAdminHandler(registry PartyStore, registrar Registrar, authorizer Authorizer, publisher Publisher, auditLogger *audit.Logger, env string) *AdminHandler {
	if auditLogger == nil {
		auditLogger = audit.NewLogger()
	}
	return &AdminHandler{
		Registry:    registry,
		Registrar:   registrar,
		Authorizer:  authorizer,
		Publisher:   publisher,
		AuditLogger: auditLogger,
		Env:         env,
		validate:    validator.New(),
		newToken:    auth.NewAccessToken,
	}
}

type partyListResponse struct {
	Items      []*parties.Record `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ListParties answers GET /api/v1/admin/parties?role=&status=&cursor=&limit=.
func (h *AdminHandler) ListParties(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var role parties.Role
	if raw := query.Get("role"); raw != "" {
		parsed, ok := parties.ParseRole(raw)
		if !ok {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid role", problem.ErrBadRequest, h.Env, problem.WithDetail("role must be CPO or EMSP"))
			return
		}
		role = parsed
	}
	status := parties.PartyStatus(strings.ToUpper(query.Get("status")))
	if status != "" && !status.Valid() {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid status", problem.ErrBadRequest, h.Env)
		return
	}
	limit, err := pageLimit(r)
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid limit", err, h.Env, problem.WithDetail(err.Error()))
		return
	}
	var after *parties.Identity
	if raw := query.Get("cursor"); raw != "" {
		key, err := pagination.DecodePartyCursor(raw)
		if err == nil {
			var id parties.Identity
			if id, err = parties.ParseKey(key); err == nil {
				after = &id
			}
		}
		if err != nil {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid cursor", err, h.Env)
			return
		}
	}

	resp := partyListResponse{Items: []*parties.Record{}}
	for _, rec := range h.Registry.All() {
		if role != "" && rec.Identity.Role != role {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		if after != nil && parties.CompareIdentity(rec.Identity, *after) <= 0 {
			continue
		}
		if len(resp.Items) == limit {
			last := resp.Items[len(resp.Items)-1]
			resp.NextCursor = pagination.EncodePartyCursor(last.Identity.Key())
			break
		}
		resp.Items = append(resp.Items, rec)
	}
	writeJSON(w, http.StatusOK, resp, "application/json")
}

type createPartyRequest struct {
	CountryCode     string                   `json:"countryCode" validate:"required,len=2"`
	PartyID         string                   `json:"partyId" validate:"required,len=3"`
	Role            string                   `json:"role" validate:"required"`
	BusinessDetails ocpi.BusinessDetails     `json:"businessDetails"`
	Token           string                   `json:"token,omitempty" validate:"omitempty,min=16,max=255"`
	AllowDowngrades bool                     `json:"allowDowngrades"`
	Remote          *registration.RemoteSpec `json:"remote,omitempty"`
}

type createPartyResponse struct {
	Party *parties.Record `json:"party"`
	// Token is the local access token the party uses to call us.
	Token string `json:"token"`
}

// CreateParty answers POST /api/v1/admin/parties. A local token is issued
// when the request does not carry one.
func (h *AdminHandler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var req createPartyRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, ok := parties.ParseRole(req.Role)
	if !ok {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid role", problem.ErrBadRequest, h.Env, problem.WithDetail("role must be CPO or EMSP"))
		return
	}
	id, err := parties.NewIdentity(strings.ToUpper(req.CountryCode), strings.ToUpper(req.PartyID), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, exists := h.Registry.FindByIdentity(id); exists {
		problem.Write(w, r, http.StatusConflict, problem.TypeConflict, "Party already exists", problem.ErrConflict, h.Env, problem.WithDetail(id.Key()))
		return
	}

	token := req.Token
	if token == "" {
		if token, err = h.newToken(); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	rec := &parties.Record{
		Identity:        id,
		BusinessDetails: req.BusinessDetails,
		Status:          parties.StatusEnabled,
		LocalAccess: []parties.LocalAccessInfo{{
			AccessToken:     token,
			Status:          parties.AccessAllowed,
			AllowDowngrades: req.AllowDowngrades,
		}},
	}
	stored, err := h.Registry.Upsert(r.Context(), rec)
	if err != nil {
		h.AuditLogger.LogFromRequest(r, "party.create", "party", id.Key(), audit.StatusFailure, map[string]string{"error": err.Error()})
		h.writeError(w, r, err)
		return
	}
	if req.Remote != nil {
		if stored, err = h.Registrar.AttachRemote(r.Context(), id, *req.Remote); err != nil {
			h.AuditLogger.LogFromRequest(r, "party.create", "party", id.Key(), audit.StatusFailure, map[string]string{"error": err.Error()})
			h.writeError(w, r, err)
			return
		}
	}
	h.AuditLogger.LogFromRequest(r, "party.create", "party", id.Key(), audit.StatusSuccess, nil)
	writeJSON(w, http.StatusCreated, createPartyResponse{Party: stored, Token: token}, "application/json")
}

// GetParty answers GET /api/v1/admin/parties/{party}.
func (h *AdminHandler) GetParty(w http.ResponseWriter, r *http.Request) {
	id, ok := h.party(w, r)
	if !ok {
		return
	}
	rec, found := h.Registry.FindByIdentity(id)
	if !found {
		problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Party not found", parties.ErrPartyNotFound, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, rec, "application/json")
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

// SetPartyStatus answers PUT /api/v1/admin/parties/{party}/status.
func (h *AdminHandler) SetPartyStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.party(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Registry.SetStatus(r.Context(), id, parties.PartyStatus(strings.ToUpper(req.Status)))
	h.respondRecord(w, r, "party.status", id, rec, err, map[string]string{"status": req.Status})
}

// AttachRemote answers POST /api/v1/admin/parties/{party}/remote.
func (h *AdminHandler) AttachRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.party(w, r)
	if !ok {
		return
	}
	var spec registration.RemoteSpec
	if !h.decode(w, r, &spec) {
		return
	}
	rec, err := h.Registrar.AttachRemote(r.Context(), id, spec)
	h.respondRecord(w, r, "party.remote.attach", id, rec, err, map[string]string{"versions_url": spec.VersionsURL})
}

type handshakeRequest struct {
	// VersionsURL selects the remote entry; empty means the first one.
	VersionsURL string `json:"versionsUrl,omitempty" validate:"omitempty,url"`
}

// Register answers POST /api/v1/admin/parties/{party}/register.
func (h *AdminHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.handshake(w, r, "party.register", h.Registrar.Register)
}

// Reregister answers POST /api/v1/admin/parties/{party}/reregister.
func (h *AdminHandler) Reregister(w http.ResponseWriter, r *http.Request) {
	h.handshake(w, r, "party.reregister", h.Registrar.Reregister)
}

// Unregister answers POST /api/v1/admin/parties/{party}/unregister.
func (h *AdminHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	h.handshake(w, r, "party.unregister", h.Registrar.Unregister)
}

type handshakeFunc func(ctx context.Context, id parties.Identity, versionsURL string) (*parties.Record, error)

func (h *AdminHandler) handshake(w http.ResponseWriter, r *http.Request, action string, run handshakeFunc) {
	id, ok := h.party(w, r)
	if !ok {
		return
	}
	var req handshakeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	rec, err := run(r.Context(), id, req.VersionsURL)
	h.respondRecord(w, r, action, id, rec, err, nil)
}

type rotateRequest struct {
	Token string `json:"token" validate:"required"`
}

type rotateResponse struct {
	Party *parties.Record `json:"party"`
	Token string          `json:"token"`
}

// RotateToken answers POST /api/v1/admin/parties/{party}/tokens/rotate.
func (h *AdminHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.party(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, rec, err := h.Registrar.RotateLocalToken(r.Context(), id, req.Token)
	if err != nil {
		h.AuditLogger.LogFromRequest(r, "party.token.rotate", "party", id.Key(), audit.StatusFailure, map[string]string{"error": err.Error()})
		h.writeError(w, r, err)
		return
	}
	h.AuditLogger.LogFromRequest(r, "party.token.rotate", "party", id.Key(), audit.StatusSuccess, nil)
	writeJSON(w, http.StatusOK, rotateResponse{Party: rec, Token: token}, "application/json")
}

func (h *AdminHandler) respondRecord(w http.ResponseWriter, r *http.Request, action string, id parties.Identity, rec *parties.Record, err error, details map[string]string) {
	if err != nil {
		if details == nil {
			details = map[string]string{}
		}
		details["error"] = err.Error()
		h.AuditLogger.LogFromRequest(r, action, "party", id.Key(), audit.StatusFailure, details)
		h.writeError(w, r, err)
		return
	}
	h.AuditLogger.LogFromRequest(r, action, "party", id.Key(), audit.StatusSuccess, details)
	writeJSON(w, http.StatusOK, rec, "application/json")
}

func (h *AdminHandler) party(w http.ResponseWriter, r *http.Request) (parties.Identity, bool) {
	id, err := partyFromPath(r)
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid party key", err, h.Env, problem.WithDetail("party must look like NL-ABC-CPO"))
		return parties.Identity{}, false
	}
	return id, true
}

// decode reads and validates a required JSON body.
func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		h.writeDecodeError(w, r, err)
		return false
	}
	return h.check(w, r, out)
}

// decodeOptional accepts an empty body.
func (h *AdminHandler) decodeOptional(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeDecodeError(w, r, err)
		return false
	}
	return h.check(w, r, out)
}

func (h *AdminHandler) check(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := h.validate.Struct(out); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Validation failed", err, h.Env, problem.WithErrors(validationErrors(err)))
		return false
	}
	return true
}

func (h *AdminHandler) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if tooLarge(err) {
		problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.TypeTooLarge, "Request body too large", err, h.Env)
		return
	}
	problem.Write(w, r, http.StatusBadRequest, problem.TypeBadRequest, "Invalid request body", err, h.Env)
}

func validationErrors(err error) map[string]interface{} {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

// adminErrorRules maps domain errors onto admin API responses. Unmatched
// errors are answered with 500.
var adminErrorRules = []problem.Rule{
	{
		Match:  problem.Is(parties.ErrPartyNotFound, parties.ErrRemoteNotFound, parties.ErrTokenNotFound),
		Status: http.StatusNotFound, Type: problem.TypeNotFound, Title: "Not found",
	},
	{
		Match:  problem.Is(parties.ErrDuplicateToken, registration.ErrAlreadyRegistered, registration.ErrNotRegistered),
		Status: http.StatusConflict, Type: problem.TypeConflict, Title: "Conflict",
	},
	{
		Match:  problem.Is(registration.ErrPartySuspended),
		Status: http.StatusConflict, Type: problem.TypeSuspended, Title: "Party is not enabled",
	},
	{
		Match: problem.Is(
			parties.ErrInvalidIdentity,
			parties.ErrInvalidRecord,
			parties.ErrNoAccessInfo,
			parties.ErrIdentityChanged,
			registration.ErrInvalidCredentials,
			registration.ErrNoCommonVersion,
			registration.ErrNoCredentialsEndpoint,
		),
		Status: http.StatusUnprocessableEntity, Type: problem.TypeValidation, Title: "Request rejected",
	},
	{
		Match:  registration.IsRetryable,
		Status: http.StatusBadGateway, Type: problem.TypeUpstream, Title: "Peer unreachable",
	},
	{
		Match:  problem.Is(lock.ErrLockTimeout),
		Status: http.StatusServiceUnavailable, Type: problem.TypeBusy, Title: "Party is busy",
	},
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var opts []problem.Option
	if key := r.PathValue("party"); key != "" {
		opts = append(opts, problem.WithParty(key))
	}
	problem.Mapper{Rules: adminErrorRules, Env: h.Env}.Write(w, r, err, opts...)
}
