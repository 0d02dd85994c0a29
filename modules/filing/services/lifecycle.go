package services

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeValidationFailed Outcome = "validation_failed"
)

type TransitionRequest struct {
	FilingID         string
	Target           types.Status
	Actor            authz.Actor
	Reason           string
	ExpectedRevision *int64
}

type TransitionResult struct {
	Outcome    Outcome           `json:"outcome"`
	Filing     types.Filing      `json:"filing"`
	Validation *ValidationReport `json:"validation,omitempty"`
	Reference  string            `json:"archive_reference,omitempty"`
}

type CreateRequest struct {
	EntityRef  string
	FormType   string
	LegalForm  string
	FiscalYear int
	Payload    map[string]any
	Actor      authz.Actor
}

type IssuerResponseRequest struct {
	FilingID         string
	Accepted         bool
	Body             json.RawMessage
	TransferTicket   string
	Actor            authz.Actor
	ExpectedRevision *int64
}

// LifecycleService owns every status change of a filing.
type LifecycleService struct {
	opts     Options
	archival *ArchivalService
}

func NewLifecycleService(opts Options, archival *ArchivalService) *LifecycleService {
	return &LifecycleService{opts: opts.withDefaults(), archival: archival}
}

func (s *LifecycleService) Create(ctx context.Context, req CreateRequest) (types.Filing, error) {
	req.EntityRef = strings.TrimSpace(req.EntityRef)
	req.FormType = strings.TrimSpace(req.FormType)
	req.LegalForm = strings.TrimSpace(req.LegalForm)
	if req.EntityRef == "" {
		return types.Filing{}, httperr.NewFieldError("entity_ref", "entity_ref is required")
	}
	if req.FormType == "" {
		return types.Filing{}, httperr.NewFieldError("form_type", "form_type is required")
	}
	if req.FiscalYear < 1900 || req.FiscalYear > 9999 {
		return types.Filing{}, httperr.NewFieldError("fiscal_year", "fiscal_year is invalid")
	}
	if strings.TrimSpace(req.Actor.ID) == "" {
		return types.Filing{}, httperr.NewFieldError("actor", "actor is required")
	}

	id, err := newID()
	if err != nil {
		return types.Filing{}, err
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	now := s.opts.Now()
	f := types.Filing{
		ID:               id,
		EntityRef:        req.EntityRef,
		CreatedBy:        req.Actor.ID,
		FormType:         req.FormType,
		LegalForm:        req.LegalForm,
		FiscalYear:       req.FiscalYear,
		Payload:          payload,
		Status:           types.StatusDraft,
		ValidationErrors: []types.ValidationError{},
		Revision:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	entry := auditEntry(f, req.Actor, types.ActionCreated, nil, map[string]any{
		"entity_ref":  f.EntityRef,
		"form_type":   f.FormType,
		"fiscal_year": f.FiscalYear,
	}, now)
	if err := s.opts.Filings.CreateFiling(ctx, f, entry); err != nil {
		return types.Filing{}, translateStoreErr(err)
	}
	return f, nil
}

func (s *LifecycleService) Get(ctx context.Context, filingID string) (types.Filing, error) {
	f, err := s.opts.Filings.GetFiling(ctx, filingID)
	if err != nil {
		return types.Filing{}, translateStoreErr(err)
	}
	return f, nil
}

// History returns the filing's audit entries, oldest first.
func (s *LifecycleService) History(ctx context.Context, filingID string) ([]types.AuditEntry, error) {
	if _, err := s.Get(ctx, filingID); err != nil {
		return nil, err
	}
	return s.opts.Audit.ListAuditByEntity(ctx, types.EntityTypeFiling, filingID)
}

func (s *LifecycleService) List(ctx context.Context, filter types.ListFilter) ([]types.Filing, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, httperr.NewFieldError("status", fmt.Sprintf("unknown status %q", st))
		}
	}
	return s.opts.Filings.ListFilings(ctx, filter)
}

// UpdatePayload replaces the payload of a DRAFT filing and clears the
// validation errors computed for the old content.
func (s *LifecycleService) UpdatePayload(ctx context.Context, filingID string, payload map[string]any, actor authz.Actor, expectedRevision *int64) (types.Filing, error) {
	f, err := s.load(ctx, filingID, expectedRevision)
	if err != nil {
		return types.Filing{}, err
	}
	if f.Status != types.StatusDraft {
		return types.Filing{}, &StateError{Op: "update_payload", Status: f.Status}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	next := f.Clone()
	next.Payload = payload
	next.ValidationErrors = []types.ValidationError{}
	changed := changedKeys(f.Payload, payload)
	return s.persist(ctx, f, next, actor, types.ActionPayloadUpdated, map[string]any{"payload_keys": changed}, nil)
}

func (s *LifecycleService) AttachTransportDocument(ctx context.Context, filingID string, doc types.TransportDocument, actor authz.Actor, expectedRevision *int64) (types.Filing, error) {
	if len(doc.Body) == 0 {
		return types.Filing{}, httperr.NewFieldError("body", "transport document body is required")
	}
	if strings.TrimSpace(doc.ContentType) == "" {
		return types.Filing{}, httperr.NewFieldError("content_type", "content_type is required")
	}
	f, err := s.load(ctx, filingID, expectedRevision)
	if err != nil {
		return types.Filing{}, err
	}
	if f.Status != types.StatusDraft && f.Status != types.StatusValidated {
		return types.Filing{}, &StateError{Op: "attach_transport_document", Status: f.Status}
	}
	next := f.Clone()
	next.Transport = &types.TransportDocument{ContentType: doc.ContentType, Body: append([]byte(nil), doc.Body...)}
	return s.persist(ctx, f, next, actor, types.ActionTransportDocumentAttached, nil, map[string]any{
		"content_type": doc.ContentType,
		"size":         len(doc.Body),
	})
}

// RecordIssuerResponse stores the tax authority's answer and moves the
// filing to ACCEPTED or REJECTED in the same write.
func (s *LifecycleService) RecordIssuerResponse(ctx context.Context, req IssuerResponseRequest) (TransitionResult, error) {
	f, err := s.load(ctx, req.FilingID, req.ExpectedRevision)
	if err != nil {
		return TransitionResult{}, err
	}
	target := types.StatusRejected
	if req.Accepted {
		target = types.StatusAccepted
	}
	if f.Status != types.StatusSubmitted {
		s.opts.Metrics.Transition(string(f.Status), string(target), "invalid")
		return TransitionResult{}, &TransitionError{From: f.Status, To: target, Reason: reasonEdgeNotAllowed}
	}
	next := f.Clone()
	next.IssuerResponse = &types.IssuerResponse{
		Accepted:   req.Accepted,
		Body:       append(json.RawMessage(nil), req.Body...),
		ReceivedAt: s.opts.Now(),
	}
	if req.TransferTicket != "" {
		next.TransferTicket = req.TransferTicket
	}
	next.Status = target
	stored, err := s.persist(ctx, f, next, req.Actor, types.ActionStatusChanged, statusChange(f.Status, target), map[string]any{
		"issuer_accepted": req.Accepted,
		"transfer_ticket": next.TransferTicket,
		"source":          types.ActionIssuerResponseRecorded,
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.afterTransition(ctx, f.Status, stored, req.Actor, "")
	return TransitionResult{Outcome: OutcomeApplied, Filing: stored}, nil
}

func (s *LifecycleService) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if !req.Target.Valid() {
		return TransitionResult{}, httperr.NewFieldError("target", fmt.Sprintf("unknown status %q", req.Target))
	}
	f, err := s.load(ctx, req.FilingID, req.ExpectedRevision)
	if err != nil {
		return TransitionResult{}, err
	}

	if f.Status == types.StatusArchived {
		if req.Target == types.StatusArchived {
			return TransitionResult{Outcome: OutcomeUnchanged, Filing: f, Reference: f.ArchiveReference}, nil
		}
		s.opts.Metrics.Transition(string(f.Status), string(req.Target), "invalid")
		return TransitionResult{}, &TransitionError{From: f.Status, To: req.Target, Reason: reasonEdgeNotAllowed}
	}
	if !edgeAllowed(f.Status, req.Target) {
		s.opts.Metrics.Transition(string(f.Status), string(req.Target), "invalid")
		return TransitionResult{}, &TransitionError{From: f.Status, To: req.Target, Reason: reasonEdgeNotAllowed}
	}

	if req.Target == types.StatusArchived {
		rev := f.Revision
		res, err := s.archival.Archive(ctx, ArchiveRequest{
			FilingID:         f.ID,
			Actor:            req.Actor,
			Reason:           req.Reason,
			ExpectedRevision: &rev,
		})
		if err != nil {
			return TransitionResult{}, err
		}
		outcome := OutcomeApplied
		if res.Unchanged {
			outcome = OutcomeUnchanged
		}
		return TransitionResult{Outcome: outcome, Filing: res.Filing, Reference: res.Reference}, nil
	}

	if f.Status == types.StatusDraft && req.Target == types.StatusValidated {
		return s.validateAndPromote(ctx, f, req)
	}

	if terr := checkEdgePreconditions(f, req.Target); terr != nil {
		s.opts.Metrics.Transition(string(f.Status), string(req.Target), "precondition_failed")
		return TransitionResult{}, terr
	}
	next := f.Clone()
	next.Status = req.Target
	stored, err := s.persist(ctx, f, next, req.Actor, types.ActionStatusChanged, statusChange(f.Status, req.Target), reasonMetadata(req.Reason))
	if err != nil {
		return TransitionResult{}, err
	}
	s.afterTransition(ctx, f.Status, stored, req.Actor, req.Reason)
	return TransitionResult{Outcome: OutcomeApplied, Filing: stored}, nil
}

// validateAndPromote runs the validator for DRAFT -> VALIDATED. A failing
// attempt stores the error list but is not audited.
func (s *LifecycleService) validateAndPromote(ctx context.Context, f types.Filing, req TransitionRequest) (TransitionResult, error) {
	report := s.opts.Validator.Validate(f)
	next := f.Clone()
	next.ValidationErrors = report.Errors

	if !report.Passed {
		stored := f
		if !reflect.DeepEqual(normalizeErrors(f.ValidationErrors), report.Errors) {
			var err error
			stored, err = s.persist(ctx, f, next, req.Actor, "", nil, nil)
			if err != nil {
				return TransitionResult{}, err
			}
		}
		s.opts.Metrics.Transition(string(f.Status), string(req.Target), string(OutcomeValidationFailed))
		notify(ctx, s.opts, ports.Notification{
			Topic:    TopicValidationFailed,
			EntityID: f.ID,
			ActorID:  req.Actor.ID,
			Message:  fmt.Sprintf("validation failed with %d error(s)", len(report.Errors)),
			Metadata: map[string]any{"rule_set_version": report.RuleSetVersion},
		})
		return TransitionResult{Outcome: OutcomeValidationFailed, Filing: stored, Validation: &report}, nil
	}

	next.Status = types.StatusValidated
	metadata := reasonMetadata(req.Reason)
	metadata["rule_set_version"] = report.RuleSetVersion
	metadata["warnings"] = len(report.Errors)
	stored, err := s.persist(ctx, f, next, req.Actor, types.ActionStatusChanged, statusChange(f.Status, types.StatusValidated), metadata)
	if err != nil {
		return TransitionResult{}, err
	}
	s.afterTransition(ctx, f.Status, stored, req.Actor, req.Reason)
	return TransitionResult{Outcome: OutcomeApplied, Filing: stored, Validation: &report}, nil
}

// Revalidate recomputes the error list without changing status. An unchanged
// result is not persisted or audited.
func (s *LifecycleService) Revalidate(ctx context.Context, filingID string, actor authz.Actor) (ValidationReport, Outcome, error) {
	f, err := s.load(ctx, filingID, nil)
	if err != nil {
		return ValidationReport{}, "", err
	}
	if f.Status == types.StatusArchived {
		return ValidationReport{}, "", &StateError{Op: "validate", Status: f.Status}
	}
	report := s.opts.Validator.Validate(f)
	if reflect.DeepEqual(normalizeErrors(f.ValidationErrors), report.Errors) {
		return report, OutcomeUnchanged, nil
	}
	next := f.Clone()
	next.ValidationErrors = report.Errors
	if _, err := s.persist(ctx, f, next, actor, types.ActionValidated, nil, map[string]any{
		"passed":           report.Passed,
		"errors":           len(report.Errors),
		"rule_set_version": report.RuleSetVersion,
	}); err != nil {
		return ValidationReport{}, "", err
	}
	return report, OutcomeApplied, nil
}

// ForceArchive archives a filing in any non-archived status. It requires the
// force_archive permission on the filing's entity.
func (s *LifecycleService) ForceArchive(ctx context.Context, filingID string, actor authz.Actor, reason string) (TransitionResult, error) {
	if strings.TrimSpace(reason) == "" {
		return TransitionResult{}, httperr.NewFieldError("reason", "reason is required for a forced archive")
	}
	f, err := s.load(ctx, filingID, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := authorize(ctx, s.opts, actor, authz.ActionForceArchive, f.EntityRef); err != nil {
		s.opts.Logger.Warn("force archive denied",
			zap.String("filing_id", filingID),
			zap.String("actor_id", actor.ID),
			zap.Error(err),
		)
		return TransitionResult{}, err
	}
	rev := f.Revision
	res, err := s.archival.Archive(ctx, ArchiveRequest{
		FilingID:         f.ID,
		Actor:            actor,
		Reason:           reason,
		Forced:           true,
		ExpectedRevision: &rev,
	})
	if err != nil {
		return TransitionResult{}, err
	}
	outcome := OutcomeApplied
	if res.Unchanged {
		outcome = OutcomeUnchanged
	}
	return TransitionResult{Outcome: outcome, Filing: res.Filing, Reference: res.Reference}, nil
}

func (s *LifecycleService) load(ctx context.Context, filingID string, expectedRevision *int64) (types.Filing, error) {
	if strings.TrimSpace(filingID) == "" {
		return types.Filing{}, httperr.NewFieldError("filing_id", "filing_id is required")
	}
	f, err := s.opts.Filings.GetFiling(ctx, filingID)
	if err != nil {
		return types.Filing{}, translateStoreErr(err)
	}
	if expectedRevision != nil && *expectedRevision != f.Revision {
		return types.Filing{}, ErrConflict
	}
	return f, nil
}

// persist writes next over prev with a revision check. An empty action
// writes no audit entry.
func (s *LifecycleService) persist(ctx context.Context, prev types.Filing, next types.Filing, actor authz.Actor, action string, changes map[string]any, metadata map[string]any) (types.Filing, error) {
	now := s.opts.Now()
	next.Revision = prev.Revision + 1
	next.UpdatedAt = now
	var entries []types.AuditEntry
	if action != "" {
		entries = append(entries, auditEntry(next, actor, action, changes, metadata, now))
	}
	stored, err := s.opts.Filings.UpdateFiling(ctx, next, prev.Revision, entries...)
	if err != nil {
		return types.Filing{}, translateStoreErr(err)
	}
	return stored, nil
}

func (s *LifecycleService) afterTransition(ctx context.Context, from types.Status, f types.Filing, actor authz.Actor, reason string) {
	s.opts.Metrics.Transition(string(from), string(f.Status), string(OutcomeApplied))
	s.opts.Logger.Info("filing transitioned",
		zap.String("filing_id", f.ID),
		zap.String("from", string(from)),
		zap.String("to", string(f.Status)),
		zap.String("actor_id", actor.ID),
		zap.Int64("revision", f.Revision),
	)
	metadata := map[string]any{"from": string(from), "to": string(f.Status)}
	if reason != "" {
		metadata["reason"] = reason
	}
	notify(ctx, s.opts, ports.Notification{
		Topic:    TopicStatusChanged,
		EntityID: f.ID,
		ActorID:  actor.ID,
		Message:  fmt.Sprintf("filing moved from %s to %s", from, f.Status),
		Metadata: metadata,
	})
}

func reasonMetadata(reason string) map[string]any {
	m := map[string]any{}
	if strings.TrimSpace(reason) != "" {
		m["reason"] = reason
	}
	return m
}

func normalizeErrors(errs []types.ValidationError) []types.ValidationError {
	if errs == nil {
		return []types.ValidationError{}
	}
	return errs
}

func changedKeys(before map[string]any, after map[string]any) []string {
	keys := make([]string, 0)
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
