package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Togather-Foundation/roaming/internal/api/pagination"
	"github.com/Togather-Foundation/roaming/internal/api/problem"
	"github.com/Togather-Foundation/roaming/internal/audit"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
)

// pushable lists the modules local systems publish through the admin API.
var pushable = map[string]ocpi.ModuleID{
	string(ocpi.ModuleLocations): ocpi.ModuleLocations,
	string(ocpi.ModuleTariffs):   ocpi.ModuleTariffs,
	string(ocpi.ModuleSessions):  ocpi.ModuleSessions,
}

type pushRequest struct {
	// Op is add, update, upsert or status.
	Op          string          `json:"op" validate:"required,oneof=add update upsert status"`
	Provider    string          `json:"provider" validate:"required"`
	ID          string          `json:"id" validate:"required,max=36"`
	LastUpdated *time.Time      `json:"last_updated,omitempty"`
	Object      json.RawMessage `json:"object" validate:"required"`
}

type pushResultView struct {
	Ref        push.Ref      `json:"ref"`
	Status     push.Status   `json:"status"`
	Warnings   []string      `json:"warnings,omitempty"`
	Changes    []push.Change `json:"changes,omitempty"`
	Deliveries int           `json:"deliveries"`
	Error      string        `json:"error,omitempty"`
}

func viewResult(res push.Result) pushResultView {
	view := pushResultView{
		Ref:        res.Ref,
		Status:     res.Status,
		Warnings:   res.Warnings,
		Changes:    res.Changes,
		Deliveries: res.Deliveries,
	}
	if res.Err != nil {
		view.Error = res.Err.Error()
	}
	return view
}

// pushStatusCode is the HTTP status for a single push result.
func pushStatusCode(status push.Status) int {
	switch status {
	case push.StatusAdded, push.StatusEnqueued:
		return http.StatusCreated
	case push.StatusLockTimeout:
		return http.StatusServiceUnavailable
	case push.StatusDowngradeRejected:
		return http.StatusConflict
	case push.StatusError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

// Push answers POST /api/v1/admin/push/{module}.
func (h *AdminHandler) Push(w http.ResponseWriter, r *http.Request) {
	module, ok := pushable[strings.ToLower(pathParam(r, "module"))]
	if !ok {
		problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Unknown module", problem.ErrNotFound, h.Env)
		return
	}
	var req pushRequest
	if !h.decode(w, r, &req) {
		return
	}
	obj, ok := h.object(w, r, module, req.Provider, req.ID, req.LastUpdated, req.Object)
	if !ok {
		return
	}

	var res push.Result
	switch req.Op {
	case "add":
		res = h.Publisher.Add(r.Context(), obj)
	case "update":
		res = h.Publisher.Update(r.Context(), obj)
	case "upsert":
		res = h.Publisher.AddOrUpdate(r.Context(), obj)
	default:
		res = h.Publisher.UpdateStatus(r.Context(), obj)
	}

	outcome := audit.StatusSuccess
	if !res.Status.Succeeded() {
		outcome = audit.StatusFailure
	}
	h.AuditLogger.LogFromRequest(r, "push."+req.Op, string(module), obj.Ref.String(), outcome, map[string]string{"status": string(res.Status)})
	writeJSON(w, pushStatusCode(res.Status), viewResult(res), "application/json")
}

type cdrRecord struct {
	Provider    string          `json:"provider" validate:"required"`
	ID          string          `json:"id" validate:"required,max=36"`
	LastUpdated *time.Time      `json:"last_updated,omitempty"`
	Object      json.RawMessage `json:"object" validate:"required"`
}

type cdrBatchRequest struct {
	Records []cdrRecord `json:"records" validate:"required,min=1,max=1000,dive"`
}

type cdrBatchResponse struct {
	Results  []pushResultView `json:"results"`
	Enqueued int              `json:"enqueued"`
	Filtered int              `json:"filtered"`
	Failed   int              `json:"failed"`
}

// SubmitCDRs answers POST /api/v1/admin/push/cdrs. Every record is reported
// individually; the batch itself always succeeds once it parses.
func (h *AdminHandler) SubmitCDRs(w http.ResponseWriter, r *http.Request) {
	var req cdrBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	objects := make([]push.Object, 0, len(req.Records))
	for _, rec := range req.Records {
		obj, ok := h.object(w, r, ocpi.ModuleCDRs, rec.Provider, rec.ID, rec.LastUpdated, rec.Object)
		if !ok {
			return
		}
		objects = append(objects, obj)
	}

	batch := h.Publisher.SubmitCDRs(r.Context(), objects)
	resp := cdrBatchResponse{
		Results:  make([]pushResultView, 0, batch.Len()),
		Enqueued: batch.Count(push.StatusEnqueued),
		Filtered: batch.Count(push.StatusFiltered),
		Failed:   batch.Count(push.StatusError),
	}
	for _, res := range batch.Results {
		resp.Results = append(resp.Results, viewResult(res))
	}
	h.AuditLogger.LogFromRequest(r, "push.cdrs", string(ocpi.ModuleCDRs), "", audit.StatusSuccess, nil)
	writeJSON(w, http.StatusOK, resp, "application/json")
}

// Flush answers POST /api/v1/admin/push/flush.
func (h *AdminHandler) Flush(w http.ResponseWriter, r *http.Request) {
	report := h.Publisher.Flush(r.Context())
	status := http.StatusOK
	if report.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"skipped":   report.Skipped,
		"delivered": report.Delivered,
		"requeued":  report.Requeued,
		"dropped":   report.Dropped,
	}, "application/json")
}

type changeListResponse struct {
	Items      []push.Change `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ListChanges answers GET /api/v1/admin/push/changes?cursor=&limit=, oldest
// first.
func (h *AdminHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid limit", err, h.Env, problem.WithDetail(err.Error()))
		return
	}
	after := ""
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if after, err = pagination.DecodeChangeCursor(raw); err != nil {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid cursor", err, h.Env)
			return
		}
	}

	changes := h.Publisher.Store().ChangesAfter(after, limit+1)
	resp := changeListResponse{Items: changes}
	if len(changes) > limit {
		resp.Items = changes[:limit]
		resp.NextCursor = pagination.EncodeChangeCursor(resp.Items[limit-1].ID)
	}
	if resp.Items == nil {
		resp.Items = []push.Change{}
	}
	writeJSON(w, http.StatusOK, resp, "application/json")
}

// ListQueue answers GET /api/v1/admin/push/queue.
func (h *AdminHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	pending := h.Publisher.Queue().Pending()
	if pending == nil {
		pending = []push.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pending, "total": len(pending)}, "application/json")
}

func (h *AdminHandler) object(w http.ResponseWriter, r *http.Request, module ocpi.ModuleID, provider, id string, at *time.Time, body json.RawMessage) (push.Object, bool) {
	owner, err := parties.ParseKey(strings.ToUpper(strings.TrimSpace(provider)))
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid provider", err, h.Env, problem.WithDetail("provider must look like NL-ABC-CPO"))
		return push.Object{}, false
	}
	obj := push.Object{
		Ref:   push.Ref{Provider: owner, Module: module, ID: id},
		Value: body,
	}
	if at != nil {
		obj.LastUpdated = *at
	}
	return obj, true
}
