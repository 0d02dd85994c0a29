package types

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusValidated Status = "VALIDATED"
	StatusSubmitted Status = "SUBMITTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusArchived  Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusValidated, StatusSubmitted, StatusAccepted, StatusRejected, StatusArchived:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

type ValidationError struct {
	Field    string   `json:"field"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

type TransportDocument struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type IssuerResponse struct {
	Accepted   bool            `json:"accepted"`
	Body       json.RawMessage `json:"body,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Filing is a regulated tax submission. Revision increases by one on every
// persisted mutation and is the optimistic concurrency token.
type Filing struct {
	ID               string             `json:"id"`
	EntityRef        string             `json:"entity_ref"`
	CreatedBy        string             `json:"created_by"`
	FormType         string             `json:"form_type"`
	LegalForm        string             `json:"legal_form"`
	FiscalYear       int                `json:"fiscal_year"`
	Payload          map[string]any     `json:"payload"`
	Transport        *TransportDocument `json:"transport_document,omitempty"`
	IssuerResponse   *IssuerResponse    `json:"issuer_response,omitempty"`
	TransferTicket   string             `json:"transfer_ticket,omitempty"`
	Status           Status             `json:"status"`
	ValidationErrors []ValidationError  `json:"validation_errors"`
	ArchivedAt       *time.Time         `json:"archived_at,omitempty"`
	ArchiveReference string             `json:"archive_reference,omitempty"`
	// SnapshotPurgedAt is set once the archived snapshot has been deleted
	// after retention. ArchiveReference is cleared at the same time.
	SnapshotPurgedAt *time.Time         `json:"snapshot_purged_at,omitempty"`
	Revision         int64              `json:"revision"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a copy whose slices, maps and pointers are not shared.
func (f Filing) Clone() Filing {
	out := f
	out.Payload = clonePayload(f.Payload)
	if f.Transport != nil {
		t := *f.Transport
		t.Body = append([]byte(nil), f.Transport.Body...)
		out.Transport = &t
	}
	if f.IssuerResponse != nil {
		r := *f.IssuerResponse
		r.Body = append(json.RawMessage(nil), f.IssuerResponse.Body...)
		out.IssuerResponse = &r
	}
	if f.ValidationErrors != nil {
		out.ValidationErrors = append([]ValidationError(nil), f.ValidationErrors...)
	}
	if f.ArchivedAt != nil {
		at := *f.ArchivedAt
		out.ArchivedAt = &at
	}
	if f.SnapshotPurgedAt != nil {
		at := *f.SnapshotPurgedAt
		out.SnapshotPurgedAt = &at
	}
	return out
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

type ListFilter struct {
	Statuses      []Status
	EntityRef     string
	CreatedBefore *time.Time
	Limit         int
}
