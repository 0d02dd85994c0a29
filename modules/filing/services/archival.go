package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

const snapshotContentType = "application/json"

// RetentionPolicy is the statutory minimum an archived snapshot is kept.
type RetentionPolicy struct {
	Years int
}

var DefaultRetention = RetentionPolicy{Years: 10}

func (p RetentionPolicy) RetainUntil(archivedAt time.Time) time.Time {
	return archivedAt.AddDate(p.Years, 0, 0)
}

type ArchiveRequest struct {
	FilingID         string
	Actor            authz.Actor
	Reason           string
	Forced           bool
	ExpectedRevision *int64
}

type ArchiveResult struct {
	Filing      types.Filing
	Reference   string
	Fingerprint string
	Unchanged   bool
}

type ExportResult struct {
	FilingID    string `json:"filing_id"`
	Reference   string `json:"reference"`
	Fingerprint string `json:"fingerprint"`
}

type ArchivalService struct {
	opts Options
}

func NewArchivalService(opts Options) *ArchivalService {
	return &ArchivalService{opts: opts.withDefaults()}
}

// Archive writes the snapshot to blob storage and only then marks the filing
// ARCHIVED. A failed write leaves the filing untouched.
func (s *ArchivalService) Archive(ctx context.Context, req ArchiveRequest) (ArchiveResult, error) {
	f, err := s.opts.Filings.GetFiling(ctx, req.FilingID)
	if err != nil {
		return ArchiveResult{}, translateStoreErr(err)
	}
	if req.ExpectedRevision != nil && *req.ExpectedRevision != f.Revision {
		return ArchiveResult{}, ErrConflict
	}
	if f.Status == types.StatusArchived {
		return ArchiveResult{Filing: f, Reference: f.ArchiveReference, Unchanged: true}, nil
	}
	if !req.Forced && f.Status != types.StatusAccepted {
		return ArchiveResult{}, &TransitionError{From: f.Status, To: types.StatusArchived, Reason: reasonArchiveViaArchival}
	}

	data, fingerprint, err := encodeSnapshot(snapshotOf(f))
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("encode snapshot: %w", err)
	}
	now := s.opts.Now()
	ref, err := s.opts.Blobs.Put(ctx, archiveKey(f.ID, fingerprint), data, snapshotContentType, s.opts.Retention.RetainUntil(now))
	if err != nil {
		s.opts.Metrics.Archive("snapshot_failed", req.Forced)
		s.opts.Logger.Error("archive snapshot write failed",
			zap.String("filing_id", f.ID),
			zap.Error(err),
		)
		return ArchiveResult{}, fmt.Errorf("%w: %w", ErrSnapshotWrite, err)
	}

	previous := f.Status
	expected := f.Revision
	next := f.Clone()
	next.Status = types.StatusArchived
	next.ArchivedAt = &now
	next.ArchiveReference = ref
	next.UpdatedAt = now
	next.Revision = expected + 1

	metadata := map[string]any{
		"reference":       ref,
		"fingerprint":     fingerprint,
		"forced":          req.Forced,
		"previous_status": string(previous),
	}
	if req.Reason != "" {
		metadata["reason"] = req.Reason
	}
	entry := auditEntry(next, req.Actor, types.ActionArchived, statusChange(previous, types.StatusArchived), metadata, now)

	stored, err := s.opts.Filings.UpdateFiling(ctx, next, expected, entry)
	if err != nil {
		s.opts.Metrics.Archive("persist_failed", req.Forced)
		return ArchiveResult{}, translateStoreErr(err)
	}
	s.opts.Metrics.Archive("archived", req.Forced)
	s.opts.Metrics.Transition(string(previous), string(types.StatusArchived), string(OutcomeApplied))

	notify(ctx, s.opts, ports.Notification{
		Topic:    TopicArchived,
		EntityID: stored.ID,
		ActorID:  req.Actor.ID,
		Message:  "filing archived",
		Metadata: map[string]any{"reference": ref, "forced": req.Forced},
	})
	return ArchiveResult{Filing: stored, Reference: ref, Fingerprint: fingerprint}, nil
}

func (s *ArchivalService) IsWithinRetention(archivedAt time.Time) bool {
	return s.opts.Now().Before(s.opts.Retention.RetainUntil(archivedAt))
}

// PurgeSnapshot deletes the archived snapshot once retention has elapsed and
// records the purge on the filing. The filing row itself is kept; a filing
// whose snapshot is already gone is left alone.
func (s *ArchivalService) PurgeSnapshot(ctx context.Context, filingID string, actor authz.Actor) error {
	f, err := s.opts.Filings.GetFiling(ctx, filingID)
	if err != nil {
		return translateStoreErr(err)
	}
	if err := authorize(ctx, s.opts, actor, authz.ActionPurge, f.EntityRef); err != nil {
		return err
	}
	if f.Status != types.StatusArchived || f.ArchivedAt == nil {
		return &StateError{Op: "purge_snapshot", Status: f.Status}
	}
	if s.IsWithinRetention(*f.ArchivedAt) {
		return ErrRetentionActive
	}
	if f.SnapshotPurgedAt != nil || f.ArchiveReference == "" {
		return nil
	}
	// Blob deletes are idempotent, so a purge that loses the race below can
	// be retried safely.
	if err := s.opts.Blobs.Delete(ctx, f.ArchiveReference); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	now := s.opts.Now()
	expected := f.Revision
	next := f.Clone()
	next.ArchiveReference = ""
	next.SnapshotPurgedAt = &now
	next.UpdatedAt = now
	next.Revision = expected + 1

	entry := auditEntry(next, actor, types.ActionSnapshotPurged,
		map[string]any{"archive_reference": map[string]any{"from": f.ArchiveReference, "to": ""}},
		map[string]any{
			"reference":    f.ArchiveReference,
			"retain_until": s.opts.Retention.RetainUntil(*f.ArchivedAt).Format(time.RFC3339),
		}, now)
	if _, err := s.opts.Filings.UpdateFiling(ctx, next, expected, entry); err != nil {
		return translateStoreErr(err)
	}
	s.opts.Logger.Info("archived snapshot purged",
		zap.String("filing_id", f.ID),
		zap.String("reference", f.ArchiveReference),
	)
	return nil
}

// Export writes a snapshot of the filing's current content without changing
// the filing.
func (s *ArchivalService) Export(ctx context.Context, filingID string) (ExportResult, error) {
	f, err := s.opts.Filings.GetFiling(ctx, filingID)
	if err != nil {
		return ExportResult{}, translateStoreErr(err)
	}
	data, fingerprint, err := encodeSnapshot(snapshotOf(f))
	if err != nil {
		return ExportResult{}, fmt.Errorf("encode snapshot: %w", err)
	}
	ref, err := s.opts.Blobs.Put(ctx, exportKey(f.ID, fingerprint), data, snapshotContentType, time.Time{})
	if err != nil {
		return ExportResult{}, fmt.Errorf("%w: %w", ErrSnapshotWrite, err)
	}
	return ExportResult{FilingID: f.ID, Reference: ref, Fingerprint: fingerprint}, nil
}
