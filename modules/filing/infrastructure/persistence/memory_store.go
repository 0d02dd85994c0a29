package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
)

// MemoryStore keeps filings, audit entries and compliance results in process.
// It backs tests and the server when no database is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	filings    map[string]types.Filing
	order      []string
	audit      []types.AuditEntry
	auditIDs   map[string]struct{}
	compliance []types.ComplianceCheckResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		filings:  make(map[string]types.Filing),
		auditIDs: make(map[string]struct{}),
	}
}

var (
	_ ports.FilingStore     = (*MemoryStore)(nil)
	_ ports.AuditStore      = (*MemoryStore)(nil)
	_ ports.ComplianceStore = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateFiling(_ context.Context, f types.Filing, audit ...types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.filings[f.ID]; exists {
		return ports.ErrRevisionConflict
	}
	s.filings[f.ID] = f.Clone()
	s.order = append(s.order, f.ID)
	s.appendLocked(audit)
	return nil
}

func (s *MemoryStore) GetFiling(_ context.Context, filingID string) (types.Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filings[filingID]
	if !ok {
		return types.Filing{}, ports.ErrFilingNotFound
	}
	return f.Clone(), nil
}

func (s *MemoryStore) UpdateFiling(_ context.Context, f types.Filing, expectedRevision int64, audit ...types.AuditEntry) (types.Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.filings[f.ID]
	if !ok {
		return types.Filing{}, ports.ErrFilingNotFound
	}
	if current.Revision != expectedRevision {
		return types.Filing{}, ports.ErrRevisionConflict
	}
	next := f.Clone()
	next.Revision = expectedRevision + 1
	s.filings[f.ID] = next
	s.appendLocked(audit)
	return next.Clone(), nil
}

func (s *MemoryStore) ListFilings(_ context.Context, filter types.ListFilter) ([]types.Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Filing, 0)
	for _, id := range s.order {
		f := s.filings[id]
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, f.Status) {
			continue
		}
		if filter.EntityRef != "" && f.EntityRef != filter.EntityRef {
			continue
		}
		if filter.CreatedBefore != nil && !f.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		out = append(out, f.Clone())
	}
	slices.SortStableFunc(out, func(a, b types.Filing) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked([]types.AuditEntry{entry})
	return nil
}

func (s *MemoryStore) appendLocked(entries []types.AuditEntry) {
	for _, e := range entries {
		if _, dup := s.auditIDs[e.ID]; dup {
			continue
		}
		s.auditIDs[e.ID] = struct{}{}
		s.audit = append(s.audit, e)
	}
}

func (s *MemoryStore) ListAuditByEntity(_ context.Context, entityType string, entityID string) ([]types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AuditEntry, 0)
	for _, e := range s.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditCount returns the number of stored audit entries across all entities.
func (s *MemoryStore) AuditCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audit)
}

func (s *MemoryStore) InsertComplianceResult(_ context.Context, r types.ComplianceCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Detail = append([]string(nil), r.Detail...)
	s.compliance = append(s.compliance, r)
	return nil
}

func (s *MemoryStore) ListComplianceResults(_ context.Context, subjectType string, subjectRef string) ([]types.ComplianceCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ComplianceCheckResult, 0)
	for _, r := range s.compliance {
		if r.SubjectType == subjectType && r.SubjectRef == subjectRef {
			out = append(out, r)
		}
	}
	return out, nil
}
