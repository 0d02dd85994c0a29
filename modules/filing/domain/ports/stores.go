package ports

import (
	"context"
	"errors"
	"time"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
)

var (
	ErrFilingNotFound = errors.New("filing_not_found")
	// ErrRevisionConflict is returned when the stored revision no longer
	// matches the one the caller read.
	ErrRevisionConflict = errors.New("filing_revision_conflict")
)

// FilingStore writes the filing row and the audit entries describing the
// change in one unit; either both land or neither does.
type FilingStore interface {
	CreateFiling(ctx context.Context, f types.Filing, audit ...types.AuditEntry) error
	GetFiling(ctx context.Context, filingID string) (types.Filing, error)
	// UpdateFiling persists f when the stored revision equals expectedRevision
	// and stores f.Revision = expectedRevision+1.
	UpdateFiling(ctx context.Context, f types.Filing, expectedRevision int64, audit ...types.AuditEntry) (types.Filing, error)
	ListFilings(ctx context.Context, filter types.ListFilter) ([]types.Filing, error)
}

type AuditStore interface {
	// AppendAudit ignores an entry whose id already exists.
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
	ListAuditByEntity(ctx context.Context, entityType string, entityID string) ([]types.AuditEntry, error)
}

type ComplianceStore interface {
	InsertComplianceResult(ctx context.Context, r types.ComplianceCheckResult) error
	ListComplianceResults(ctx context.Context, subjectType string, subjectRef string) ([]types.ComplianceCheckResult, error)
}

// BlobStore is durable, strongly consistent object storage. Put must not
// return before the object is retrievable.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string, retainUntil time.Time) (string, error)
	Delete(ctx context.Context, reference string) error
}

type Notification struct {
	Topic     string         `json:"topic"`
	EntityID  string         `json:"entity_id"`
	ActorID   string         `json:"actor_id"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier is fire-and-forget; callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
