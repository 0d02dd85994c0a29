package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/routing"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/modules/filing/services"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

type FilingsController struct {
	Lifecycle  *services.LifecycleService
	Archival   *services.ArchivalService
	Batch      *services.BatchCoordinator
	Authorizer authz.Decider
	Logger     *zap.Logger
}

type createFilingRequest struct {
	EntityRef  string         `json:"entity_ref"`
	FormType   string         `json:"form_type"`
	LegalForm  string         `json:"legal_form"`
	FiscalYear int            `json:"fiscal_year"`
	Payload    map[string]any `json:"payload"`
}

type updatePayloadRequest struct {
	Payload          map[string]any `json:"payload"`
	ExpectedRevision *int64         `json:"expected_revision"`
}

type transportDocumentRequest struct {
	ContentType      string `json:"content_type"`
	Body             []byte `json:"body"`
	ExpectedRevision *int64 `json:"expected_revision"`
}

type issuerResponseRequest struct {
	Accepted         *bool           `json:"accepted"`
	Body             json.RawMessage `json:"body"`
	TransferTicket   string          `json:"transfer_ticket"`
	ExpectedRevision *int64          `json:"expected_revision"`
}

type transitionRequest struct {
	Target           string `json:"target"`
	Reason           string `json:"reason"`
	ExpectedRevision *int64 `json:"expected_revision"`
}

type archiveRequest struct {
	Reason           string `json:"reason"`
	ExpectedRevision *int64 `json:"expected_revision"`
}

type batchRequest struct {
	IDs       []string `json:"ids"`
	Operation string   `json:"operation"`
	Params    struct {
		Target string `json:"target"`
		Reason string `json:"reason"`
	} `json:"params"`
	Scope string `json:"scope"`
}

type sweepRequest struct {
	Cutoff string `json:"cutoff"`
	Limit  int    `json:"limit"`
}

func (c FilingsController) Routes(r chi.Router) {
	r.Get("/api/v1/filings", c.HandleList)
	r.Post("/api/v1/filings", c.HandleCreate)
	r.Post("/api/v1/filings/batch", c.HandleBatch)
	r.Post("/api/v1/filings/sweep", c.HandleSweep)
	r.Get("/api/v1/filings/{filingID}", c.HandleGet)
	r.Patch("/api/v1/filings/{filingID}/payload", c.HandleUpdatePayload)
	r.Put("/api/v1/filings/{filingID}/transport-document", c.HandleAttachTransportDocument)
	r.Post("/api/v1/filings/{filingID}/issuer-response", c.HandleIssuerResponse)
	r.Post("/api/v1/filings/{filingID}/transitions", c.HandleTransition)
	r.Post("/api/v1/filings/{filingID}/revalidate", c.HandleRevalidate)
	r.Post("/api/v1/filings/{filingID}/archive", c.HandleArchive)
	r.Post("/api/v1/filings/{filingID}/force-archive", c.HandleForceArchive)
	r.Delete("/api/v1/filings/{filingID}/snapshot", c.HandlePurgeSnapshot)
	r.Post("/api/v1/filings/{filingID}/export", c.HandleExport)
	r.Get("/api/v1/filings/{filingID}/history", c.HandleHistory)
}

func (c FilingsController) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c FilingsController) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req createFilingRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	f, err := c.Lifecycle.Create(r.Context(), services.CreateRequest{
		EntityRef:  req.EntityRef,
		FormType:   req.FormType,
		LegalForm:  req.LegalForm,
		FiscalYear: req.FiscalYear,
		Payload:    req.Payload,
		Actor:      actor,
	})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	w.Header().Set("Location", "/api/v1/filings/"+f.ID)
	routing.WriteJSON(w, http.StatusCreated, f)
}

func (c FilingsController) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.ListFilter{EntityRef: strings.TrimSpace(q.Get("entity_ref"))}
	for _, raw := range q["status"] {
		for s := range strings.SplitSeq(raw, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				filter.Statuses = append(filter.Statuses, types.Status(s))
			}
		}
	}
	if raw := strings.TrimSpace(q.Get("created_before")); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			routing.WriteErrorDetails(w, r, http.StatusBadRequest, services.CodeInvalidArgument, "invalid created_before", map[string]any{"field": "created_before"})
			return
		}
		filter.CreatedBefore = &t
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			routing.WriteErrorDetails(w, r, http.StatusBadRequest, services.CodeInvalidArgument, "invalid limit", map[string]any{"field": "limit"})
			return
		}
		filter.Limit = n
	}
	filings, err := c.Lifecycle.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	if filings == nil {
		filings = make([]types.Filing, 0)
	}
	routing.WriteJSON(w, http.StatusOK, map[string]any{"filings": filings})
}

func (c FilingsController) HandleGet(w http.ResponseWriter, r *http.Request) {
	f, err := c.Lifecycle.Get(r.Context(), chi.URLParam(r, "filingID"))
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, f)
}

func (c FilingsController) HandleUpdatePayload(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req updatePayloadRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	f, err := c.Lifecycle.UpdatePayload(r.Context(), chi.URLParam(r, "filingID"), req.Payload, actor, req.ExpectedRevision)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, f)
}

func (c FilingsController) HandleAttachTransportDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req transportDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	f, err := c.Lifecycle.AttachTransportDocument(r.Context(), chi.URLParam(r, "filingID"), types.TransportDocument{
		ContentType: req.ContentType,
		Body:        req.Body,
	}, actor, req.ExpectedRevision)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, f)
}

func (c FilingsController) HandleIssuerResponse(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req issuerResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	if req.Accepted == nil {
		routing.WriteErrorDetails(w, r, http.StatusBadRequest, services.CodeInvalidArgument, "accepted is required", map[string]any{"field": "accepted"})
		return
	}
	res, err := c.Lifecycle.RecordIssuerResponse(r.Context(), services.IssuerResponseRequest{
		FilingID:         chi.URLParam(r, "filingID"),
		Accepted:         *req.Accepted,
		Body:             req.Body,
		TransferTicket:   strings.TrimSpace(req.TransferTicket),
		Actor:            actor,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, res)
}

// HandleTransition answers a failed validation with 422 and the full report;
// the filing stays DRAFT with the errors recorded.
func (c FilingsController) HandleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	target := types.Status(strings.ToUpper(strings.TrimSpace(req.Target)))
	if target == types.StatusArchived && !c.allowed(w, r, actor, authz.ActionArchive) {
		return
	}
	res, err := c.Lifecycle.Transition(r.Context(), services.TransitionRequest{
		FilingID:         chi.URLParam(r, "filingID"),
		Target:           target,
		Actor:            actor,
		Reason:           req.Reason,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	if res.Outcome == services.OutcomeValidationFailed {
		routing.WriteErrorDetails(w, r, http.StatusUnprocessableEntity, services.CodeValidationFailed, "validation failed", res)
		return
	}
	routing.WriteJSON(w, http.StatusOK, res)
}

func (c FilingsController) HandleRevalidate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	report, outcome, err := c.Lifecycle.Revalidate(r.Context(), chi.URLParam(r, "filingID"), actor)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "validation": report})
}

func (c FilingsController) HandleArchive(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	if !c.allowed(w, r, actor, authz.ActionArchive) {
		return
	}
	var req archiveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
			return
		}
	}
	res, err := c.Archival.Archive(r.Context(), services.ArchiveRequest{
		FilingID:         chi.URLParam(r, "filingID"),
		Actor:            actor,
		Reason:           req.Reason,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	outcome := services.OutcomeApplied
	if res.Unchanged {
		outcome = services.OutcomeUnchanged
	}
	routing.WriteJSON(w, http.StatusOK, services.TransitionResult{Outcome: outcome, Filing: res.Filing, Reference: res.Reference})
}

func (c FilingsController) HandleForceArchive(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req archiveRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	res, err := c.Lifecycle.ForceArchive(r.Context(), chi.URLParam(r, "filingID"), actor, req.Reason)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, res)
}

func (c FilingsController) HandlePurgeSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	if err := c.Archival.PurgeSnapshot(r.Context(), chi.URLParam(r, "filingID"), actor); err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c FilingsController) HandleExport(w http.ResponseWriter, r *http.Request) {
	res, err := c.Archival.Export(r.Context(), chi.URLParam(r, "filingID"))
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, res)
}

func (c FilingsController) HandleHistory(w http.ResponseWriter, r *http.Request) {
	filingID := chi.URLParam(r, "filingID")
	entries, err := c.Lifecycle.History(r.Context(), filingID)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	if entries == nil {
		entries = make([]types.AuditEntry, 0)
	}
	routing.WriteJSON(w, http.StatusOK, map[string]any{"filing_id": filingID, "entries": entries})
}

// HandleBatch reports per-item failures inside a 200 response; only a
// request that cannot run at all is an error.
func (c FilingsController) HandleBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	report, err := c.Batch.ApplyBatch(r.Context(), services.BatchRequest{
		IDs:       req.IDs,
		Operation: services.Operation(strings.ToLower(strings.TrimSpace(req.Operation))),
		Params: services.BatchParams{
			Target: types.Status(strings.ToUpper(strings.TrimSpace(req.Params.Target))),
			Reason: req.Params.Reason,
		},
		Actor: actor,
		Scope: req.Scope,
	})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, report)
}

func (c FilingsController) HandleSweep(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req sweepRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	cutoff, err := parseTimeParam(strings.TrimSpace(req.Cutoff))
	if err != nil {
		writeServiceError(w, r, c.logger(), httperr.NewFieldError("cutoff", "cutoff must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	report, err := c.Batch.SweepArchive(r.Context(), services.SweepRequest{Cutoff: cutoff, Actor: actor, Limit: req.Limit})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, report)
}

func (c FilingsController) allowed(w http.ResponseWriter, r *http.Request, actor authz.Actor, action string) bool {
	if c.Authorizer == nil {
		writeServiceError(w, r, c.logger(), services.ErrForbidden)
		return false
	}
	ok, err := c.Authorizer.CanPerform(r.Context(), actor, action, authz.DomainGlobal)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return false
	}
	if !ok {
		writeServiceError(w, r, c.logger(), services.ErrForbidden)
		return false
	}
	return true
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}
