package authz

import (
	"context"
	"errors"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

const DefaultRegoQuery = "data.filing.authz.allow"

// RegoAuthorizer evaluates the same decision against a Rego policy module.
type RegoAuthorizer struct {
	query rego.PreparedEvalQuery
	mode  Mode
}

func NewRegoAuthorizerFromFile(ctx context.Context, policyPath string, mode Mode) (*RegoAuthorizer, error) {
	src, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, err
	}
	return NewRegoAuthorizer(ctx, policyPath, string(src), mode)
}

func NewRegoAuthorizer(ctx context.Context, moduleName string, moduleSrc string, mode Mode) (*RegoAuthorizer, error) {
	query, err := rego.New(
		rego.Query(DefaultRegoQuery),
		rego.Module(moduleName, moduleSrc),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &RegoAuthorizer{query: query, mode: mode}, nil
}

func (a *RegoAuthorizer) CanPerform(ctx context.Context, actor Actor, action string, scope string) (bool, error) {
	if a.mode == ModeDisabled {
		return true, nil
	}
	input := map[string]any{
		"actor": map[string]any{
			"id":   actor.ID,
			"role": SubjectFromRoleSlug(actor.Role),
		},
		"action": action,
		"object": ObjectFiling,
		"scope":  DomainFromScope(scope),
	}
	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	switch a.mode {
	case ModeShadow:
		return true, nil
	case ModeEnforce:
		return rs.Allowed(), nil
	default:
		return false, errors.New("authz: unknown mode")
	}
}
