package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/routing"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/modules/filing/services"
)

type ComplianceController struct {
	Compliance *services.ComplianceService
	Logger     *zap.Logger
}

// Amounts accept JSON numbers or decimal strings.
type rentCheckRequest struct {
	SubjectType   string            `json:"subject_type"`
	SubjectRef    string            `json:"subject_ref"`
	Current       decimal.Decimal   `json:"current"`
	Proposed      decimal.Decimal   `json:"proposed"`
	WindowHistory []decimal.Decimal `json:"window_history"`
	CapRatio      *decimal.Decimal  `json:"cap_ratio"`
	Jurisdiction  string            `json:"jurisdiction"`
}

func (c ComplianceController) Routes(r chi.Router) {
	r.Post("/api/v1/compliance/rent-checks", c.HandleRentCheck)
	r.Get("/api/v1/compliance/rent-checks", c.HandleRentCheckHistory)
}

func (c ComplianceController) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// HandleRentCheck always answers 201 for a computed result; a non-compliant
// increase is a flag, not a failure.
func (c ComplianceController) HandleRentCheck(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req rentCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, codeBadJSON, "bad json")
		return
	}
	res, err := c.Compliance.CheckRentIncrease(r.Context(), services.RentCheckRequest{
		SubjectType:   strings.ToLower(strings.TrimSpace(req.SubjectType)),
		SubjectRef:    req.SubjectRef,
		Current:       req.Current,
		Proposed:      req.Proposed,
		WindowHistory: req.WindowHistory,
		CapRatio:      req.CapRatio,
		Jurisdiction:  req.Jurisdiction,
		Actor:         actor,
	})
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	routing.WriteJSON(w, http.StatusCreated, map[string]any{
		"result":      res.Record,
		"max_allowed": res.Cap.MaxAllowed.StringFixed(2),
	})
}

func (c ComplianceController) HandleRentCheckHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subjectType := strings.ToLower(strings.TrimSpace(q.Get("subject_type")))
	subjectRef := strings.TrimSpace(q.Get("subject_ref"))
	results, err := c.Compliance.History(r.Context(), subjectType, subjectRef)
	if err != nil {
		writeServiceError(w, r, c.logger(), err)
		return
	}
	if results == nil {
		results = make([]types.ComplianceCheckResult, 0)
	}
	routing.WriteJSON(w, http.StatusOK, map[string]any{
		"subject_ref": subjectRef,
		"results":     results,
	})
}
