package types

import "time"

const (
	SubjectTypeFiling   = "filing"
	SubjectTypeContract = "contract"
)

const CheckKindRentCap = "rent_cap"

// ComplianceCheckResult is immutable once stored; a new check appends a new row.
type ComplianceCheckResult struct {
	ID             string          `json:"id"`
	SubjectType    string          `json:"subject_type"`
	SubjectRef     string          `json:"subject_ref"`
	Kind           string          `json:"kind"`
	Jurisdiction   string          `json:"jurisdiction,omitempty"`
	ComputedValue  string          `json:"computed_value"`
	ThresholdValue string          `json:"threshold_value"`
	IsCompliant    bool            `json:"is_compliant"`
	Detail         []string        `json:"detail"`
	Inputs         ComplianceInput `json:"inputs"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ComplianceInput struct {
	Current       string   `json:"current"`
	Proposed      string   `json:"proposed"`
	WindowHistory []string `json:"window_history"`
	CapRatio      string   `json:"cap_ratio"`
}
