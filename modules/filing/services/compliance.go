package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/compliance"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

const DefaultJurisdiction = "DEFAULT"

// Jurisdiction holds the rent cap constants of one legal area.
type Jurisdiction struct {
	Code        string  `yaml:"code" mapstructure:"code"`
	CapRatio    float64 `yaml:"cap_ratio" mapstructure:"cap_ratio"`
	WindowYears int     `yaml:"window_years" mapstructure:"window_years"`
}

var defaultJurisdictions = []Jurisdiction{{Code: DefaultJurisdiction, CapRatio: 0.15, WindowYears: 3}}

type RentCheckRequest struct {
	SubjectType   string
	SubjectRef    string
	Current       decimal.Decimal
	Proposed      decimal.Decimal
	WindowHistory []decimal.Decimal
	CapRatio      *decimal.Decimal
	Jurisdiction  string
	Actor         authz.Actor
}

type RentCheckResult struct {
	Record types.ComplianceCheckResult `json:"record"`
	Cap    compliance.CapResult        `json:"-"`
}

// ComplianceService runs advisory checks: compute, flag, persist, notify.
// A non-compliant result never blocks the caller.
type ComplianceService struct {
	opts          Options
	jurisdictions map[string]Jurisdiction
}

func NewComplianceService(opts Options, jurisdictions []Jurisdiction) (*ComplianceService, error) {
	if len(jurisdictions) == 0 {
		jurisdictions = defaultJurisdictions
	}
	table := make(map[string]Jurisdiction, len(jurisdictions))
	for _, j := range jurisdictions {
		code := strings.ToUpper(strings.TrimSpace(j.Code))
		if code == "" {
			return nil, fmt.Errorf("jurisdiction code required")
		}
		if j.CapRatio < 0 {
			return nil, fmt.Errorf("jurisdiction %s: cap_ratio must be non-negative", code)
		}
		j.Code = code
		table[code] = j
	}
	if _, ok := table[DefaultJurisdiction]; !ok {
		table[DefaultJurisdiction] = defaultJurisdictions[0]
	}
	return &ComplianceService{opts: opts.withDefaults(), jurisdictions: table}, nil
}

func (s *ComplianceService) Jurisdiction(code string) (Jurisdiction, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = DefaultJurisdiction
	}
	j, ok := s.jurisdictions[code]
	return j, ok
}

func (s *ComplianceService) CheckRentIncrease(ctx context.Context, req RentCheckRequest) (RentCheckResult, error) {
	req.SubjectRef = strings.TrimSpace(req.SubjectRef)
	if req.SubjectRef == "" {
		return RentCheckResult{}, httperr.NewFieldError("subject_ref", "subject_ref is required")
	}
	switch req.SubjectType {
	case "":
		req.SubjectType = types.SubjectTypeContract
	case types.SubjectTypeContract, types.SubjectTypeFiling:
	default:
		return RentCheckResult{}, httperr.NewFieldError("subject_type", fmt.Sprintf("unknown subject type %q", req.SubjectType))
	}

	j, ok := s.Jurisdiction(req.Jurisdiction)
	if !ok {
		return RentCheckResult{}, httperr.NewFieldError("jurisdiction", fmt.Sprintf("unknown jurisdiction %q", req.Jurisdiction))
	}
	capRatio := decimal.NewFromFloat(j.CapRatio)
	if req.CapRatio != nil {
		capRatio = *req.CapRatio
	}

	res, err := compliance.Check(compliance.CapInput{
		Current:       req.Current,
		Proposed:      req.Proposed,
		WindowHistory: req.WindowHistory,
		CapRatio:      capRatio,
	})
	if err != nil {
		return RentCheckResult{}, httperr.NewFieldError("amounts", err.Error())
	}

	id, err := newID()
	if err != nil {
		return RentCheckResult{}, err
	}
	window := make([]string, 0, len(req.WindowHistory))
	for _, w := range req.WindowHistory {
		window = append(window, w.String())
	}
	now := s.opts.Now()
	record := types.ComplianceCheckResult{
		ID:             id,
		SubjectType:    req.SubjectType,
		SubjectRef:     req.SubjectRef,
		Kind:           types.CheckKindRentCap,
		Jurisdiction:   j.Code,
		ComputedValue:  res.Delta.Add(res.WindowTotal).StringFixed(2),
		ThresholdValue: res.CapLimit.StringFixed(2),
		IsCompliant:    res.IsCompliant,
		Detail:         res.Detail(),
		Inputs: types.ComplianceInput{
			Current:       req.Current.String(),
			Proposed:      req.Proposed.String(),
			WindowHistory: window,
			CapRatio:      capRatio.String(),
		},
		CreatedBy: req.Actor.ID,
		CreatedAt: now,
	}
	if err := s.opts.Compliance.InsertComplianceResult(ctx, record); err != nil {
		return RentCheckResult{}, fmt.Errorf("persist compliance result: %w", err)
	}
	if err := s.opts.Audit.AppendAudit(ctx, types.AuditEntry{
		ID:         id,
		EntityType: types.EntityTypeComplianceCheck,
		EntityID:   id,
		ActorID:    req.Actor.ID,
		Action:     types.ActionComplianceChecked,
		Metadata: map[string]any{
			"subject_type": req.SubjectType,
			"subject_ref":  req.SubjectRef,
			"kind":         types.CheckKindRentCap,
			"is_compliant": res.IsCompliant,
		},
		CreatedAt: now,
	}); err != nil {
		return RentCheckResult{}, fmt.Errorf("append compliance audit: %w", err)
	}
	s.opts.Metrics.ComplianceCheck(types.CheckKindRentCap, res.IsCompliant)

	if !res.IsCompliant {
		s.opts.Logger.Info("rent increase flagged",
			zap.String("subject_ref", req.SubjectRef),
			zap.String("max_allowed", res.MaxAllowed.StringFixed(2)),
		)
		notify(ctx, s.opts, ports.Notification{
			Topic:    TopicComplianceFlagged,
			EntityID: req.SubjectRef,
			ActorID:  req.Actor.ID,
			Message:  strings.Join(record.Detail, "; "),
			Metadata: map[string]any{
				"check_id":    id,
				"kind":        types.CheckKindRentCap,
				"max_allowed": res.MaxAllowed.StringFixed(2),
			},
		})
	}
	return RentCheckResult{Record: record, Cap: res}, nil
}

func (s *ComplianceService) History(ctx context.Context, subjectType string, subjectRef string) ([]types.ComplianceCheckResult, error) {
	if strings.TrimSpace(subjectRef) == "" {
		return nil, httperr.NewFieldError("subject_ref", "subject_ref is required")
	}
	if subjectType == "" {
		subjectType = types.SubjectTypeContract
	}
	return s.opts.Compliance.ListComplianceResults(ctx, subjectType, subjectRef)
}
