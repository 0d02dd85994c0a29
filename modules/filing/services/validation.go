package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/compliance"
)

const DefaultRuleSet = "default"

const (
	RuleRequired    = "required"
	RuleNonNegative = "non_negative"
	RuleDateOrder   = "date_order"
	RuleExpr        = "expr"
	RuleRentCap     = "rent_cap"
)

const (
	codeRequired       = "REQUIRED"
	codeNegative       = "NEGATIVE_VALUE"
	codeNotANumber     = "NOT_A_NUMBER"
	codeInvalidDate    = "INVALID_DATE"
	codeDateOrder      = "DATE_ORDER"
	codeRuleFailed     = "RULE_FAILED"
	codeRuleNotEval    = "RULE_NOT_EVALUABLE"
	codeCapExceeded    = "RENT_CAP_EXCEEDED"
	codeInvalidAmount  = "INVALID_AMOUNT"
	codeRuleSetMissing = "RULE_SET_MISSING"
)

const payloadDateLayout = "2006-01-02"

type Rule struct {
	ID       string         `yaml:"id"`
	Kind     string         `yaml:"kind"`
	Field    string         `yaml:"field"`
	Start    string         `yaml:"start"`
	End      string         `yaml:"end"`
	Expr     string         `yaml:"expr"`
	Code     string         `yaml:"code"`
	Message  string         `yaml:"message"`
	Severity types.Severity `yaml:"severity"`

	// Rent cap rules read amounts from the payload. The ratio itself is
	// configuration only.
	CurrentField  string  `yaml:"current_field"`
	ProposedField string  `yaml:"proposed_field"`
	WindowField   string  `yaml:"window_field"`
	CapRatio      float64 `yaml:"cap_ratio"`
}

type RuleSet struct {
	FormType string `yaml:"form_type"`
	Version  string `yaml:"version"`
	Rules    []Rule `yaml:"rules"`
}

type ruleFile struct {
	Version  int       `yaml:"version"`
	RuleSets []RuleSet `yaml:"rule_sets"`
}

type ValidationReport struct {
	FormType       string                  `json:"form_type"`
	RuleSetVersion string                  `json:"rule_set_version"`
	Passed         bool                    `json:"passed"`
	Errors         []types.ValidationError `json:"errors"`
}

var newRuleCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
}

// Validator evaluates declarative rule sets. It is immutable after
// construction and safe for concurrent use.
type Validator struct {
	sets     map[string]RuleSet
	programs map[string]cel.Program
}

func LoadRuleSets(path string) (*Validator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRuleSets(b)
}

func ParseRuleSets(b []byte) (*Validator, error) {
	var f ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse rule sets: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported rule file version: %d", f.Version)
	}
	return NewValidator(f.RuleSets)
}

func NewValidator(sets []RuleSet) (*Validator, error) {
	v := &Validator{
		sets:     make(map[string]RuleSet, len(sets)),
		programs: make(map[string]cel.Program),
	}
	env, err := newRuleCELEnv()
	if err != nil {
		return nil, err
	}
	for _, set := range sets {
		key := formTypeKey(set.FormType)
		if key == "" {
			return nil, errors.New("rule set form_type required")
		}
		if strings.TrimSpace(set.Version) == "" {
			return nil, fmt.Errorf("rule set %s: version required", set.FormType)
		}
		if _, dup := v.sets[key]; dup {
			return nil, fmt.Errorf("rule set %s: duplicate form_type", set.FormType)
		}
		for i := range set.Rules {
			r := &set.Rules[i]
			if r.Severity == "" {
				r.Severity = types.SeverityBlocking
			}
			if r.Severity != types.SeverityBlocking && r.Severity != types.SeverityWarning {
				return nil, fmt.Errorf("rule set %s rule %s: invalid severity %q", set.FormType, r.ID, r.Severity)
			}
			if err := checkRuleShape(*r); err != nil {
				return nil, fmt.Errorf("rule set %s rule %s: %w", set.FormType, r.ID, err)
			}
			if r.Kind == RuleExpr {
				if _, ok := v.programs[r.Expr]; ok {
					continue
				}
				program, err := compileRuleExpr(env, r.Expr)
				if err != nil {
					return nil, fmt.Errorf("rule set %s rule %s: %w", set.FormType, r.ID, err)
				}
				v.programs[r.Expr] = program
			}
		}
		v.sets[key] = set
	}
	return v, nil
}

func checkRuleShape(r Rule) error {
	switch r.Kind {
	case RuleRequired, RuleNonNegative:
		if strings.TrimSpace(r.Field) == "" {
			return errors.New("field required")
		}
	case RuleDateOrder:
		if strings.TrimSpace(r.Start) == "" || strings.TrimSpace(r.End) == "" {
			return errors.New("start and end required")
		}
	case RuleExpr:
		if strings.TrimSpace(r.Expr) == "" {
			return errors.New("expr required")
		}
	case RuleRentCap:
		if r.CurrentField == "" || r.ProposedField == "" {
			return errors.New("current_field and proposed_field required")
		}
		if r.CapRatio <= 0 {
			return errors.New("cap_ratio must be positive")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

func compileRuleExpr(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(strings.TrimSpace(expr))
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, errors.New("expression output type mismatch")
	}
	return env.Program(ast)
}

func formTypeKey(formType string) string {
	return strings.ToUpper(strings.TrimSpace(formType))
}

// RuleSetFor returns the rule set applied to formType, falling back to the
// default set.
func (v *Validator) RuleSetFor(formType string) (RuleSet, bool) {
	if set, ok := v.sets[formTypeKey(formType)]; ok {
		return set, true
	}
	set, ok := v.sets[formTypeKey(DefaultRuleSet)]
	return set, ok
}

// Validate is pure: the same filing content and rule set always yields the
// same report.
func (v *Validator) Validate(f types.Filing) ValidationReport {
	set, ok := v.RuleSetFor(f.FormType)
	if !ok {
		return ValidationReport{
			FormType: f.FormType,
			Passed:   false,
			Errors: []types.ValidationError{{
				Field:    "form_type",
				Code:     codeRuleSetMissing,
				Message:  fmt.Sprintf("no rule set for form type %q", f.FormType),
				Severity: types.SeverityBlocking,
			}},
		}
	}

	errs := make([]types.ValidationError, 0)
	for _, r := range set.Rules {
		errs = append(errs, v.applyRule(r, f.Payload)...)
	}
	passed := true
	for _, e := range errs {
		if e.Severity == types.SeverityBlocking {
			passed = false
			break
		}
	}
	return ValidationReport{
		FormType:       set.FormType,
		RuleSetVersion: set.Version,
		Passed:         passed,
		Errors:         errs,
	}
}

func (v *Validator) applyRule(r Rule, payload map[string]any) []types.ValidationError {
	fail := func(field string, code string, msg string) []types.ValidationError {
		if r.Code != "" {
			code = r.Code
		}
		if r.Message != "" {
			msg = r.Message
		}
		return []types.ValidationError{{Field: field, Code: code, Message: msg, Severity: r.Severity}}
	}

	switch r.Kind {
	case RuleRequired:
		if isBlank(payload[r.Field]) {
			return fail(r.Field, codeRequired, r.Field+" is required")
		}
	case RuleNonNegative:
		raw, present := payload[r.Field]
		if !present || raw == nil {
			return nil
		}
		n, ok := toDecimal(raw)
		if !ok {
			return fail(r.Field, codeNotANumber, r.Field+" must be a number")
		}
		if n.IsNegative() {
			return fail(r.Field, codeNegative, r.Field+" must not be negative")
		}
	case RuleDateOrder:
		start, startOK := payload[r.Start]
		end, endOK := payload[r.End]
		if !startOK || !endOK || isBlank(start) || isBlank(end) {
			return nil
		}
		s, err := parsePayloadDate(start)
		if err != nil {
			return fail(r.Start, codeInvalidDate, r.Start+" must be a date (YYYY-MM-DD)")
		}
		e, err := parsePayloadDate(end)
		if err != nil {
			return fail(r.End, codeInvalidDate, r.End+" must be a date (YYYY-MM-DD)")
		}
		if !s.Before(e) {
			return fail(r.End, codeDateOrder, r.Start+" must precede "+r.End)
		}
	case RuleExpr:
		ok, err := v.evalExpr(r.Expr, payload)
		if err != nil {
			return fail(r.Field, codeRuleNotEval, fmt.Sprintf("rule %s could not be evaluated", r.ID))
		}
		if !ok {
			return fail(r.Field, codeRuleFailed, fmt.Sprintf("rule %s failed", r.ID))
		}
	case RuleRentCap:
		return v.applyRentCap(r, payload, fail)
	}
	return nil
}

func (v *Validator) applyRentCap(r Rule, payload map[string]any, fail func(string, string, string) []types.ValidationError) []types.ValidationError {
	rawCurrent, okC := payload[r.CurrentField]
	rawProposed, okP := payload[r.ProposedField]
	if !okC || !okP || isBlank(rawCurrent) || isBlank(rawProposed) {
		return nil
	}
	current, ok := toDecimal(rawCurrent)
	if !ok {
		return fail(r.CurrentField, codeInvalidAmount, r.CurrentField+" must be a number")
	}
	proposed, ok := toDecimal(rawProposed)
	if !ok {
		return fail(r.ProposedField, codeInvalidAmount, r.ProposedField+" must be a number")
	}
	var window []decimal.Decimal
	if r.WindowField != "" {
		if raw, present := payload[r.WindowField]; present && raw != nil {
			items, isList := raw.([]any)
			if !isList {
				return fail(r.WindowField, codeInvalidAmount, r.WindowField+" must be a list of amounts")
			}
			for _, item := range items {
				d, ok := toDecimal(item)
				if !ok {
					return fail(r.WindowField, codeInvalidAmount, r.WindowField+" must be a list of amounts")
				}
				window = append(window, d)
			}
		}
	}

	res, err := compliance.Check(compliance.CapInput{
		Current:       current,
		Proposed:      proposed,
		WindowHistory: window,
		CapRatio:      decimal.NewFromFloat(r.CapRatio),
	})
	if err != nil {
		return fail(r.CurrentField, codeInvalidAmount, err.Error())
	}
	if !res.IsCompliant {
		return fail(r.ProposedField, codeCapExceeded, strings.Join(res.Detail(), "; "))
	}
	return nil
}

func (v *Validator) evalExpr(expr string, payload map[string]any) (bool, error) {
	program, ok := v.programs[expr]
	if !ok {
		return false, errors.New("expression not compiled")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := program.Eval(map[string]any{"payload": payload})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression did not yield a bool")
	}
	return b, nil
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func parsePayloadDate(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, errors.New("date must be a string")
	}
	return time.Parse(payloadDateLayout, strings.TrimSpace(s))
}
