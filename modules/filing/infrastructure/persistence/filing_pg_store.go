package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PGStore persists filings, audit entries and compliance results in
// PostgreSQL. Audit entries written with a filing share its transaction.
type PGStore struct {
	pool pgBeginner
}

func NewPGStore(pool pgBeginner) *PGStore {
	return &PGStore{pool: pool}
}

var (
	_ ports.FilingStore     = (*PGStore)(nil)
	_ ports.AuditStore      = (*PGStore)(nil)
	_ ports.ComplianceStore = (*PGStore)(nil)
)

const filingColumns = `
  id::text,
  entity_ref,
  created_by,
  form_type,
  legal_form,
  fiscal_year,
  payload,
  transport_content_type,
  transport_body,
  issuer_response,
  transfer_ticket,
  status,
  validation_errors,
  archived_at,
  archive_reference,
  snapshot_purged_at,
  revision,
  created_at,
  updated_at`

type filingRow struct {
	payload          []byte
	contentType      *string
	transportBody    []byte
	issuerResponse   []byte
	validationErrors []byte
	status           string
}

func scanFiling(row rowScanner) (types.Filing, error) {
	var f types.Filing
	var r filingRow
	if err := row.Scan(
		&f.ID,
		&f.EntityRef,
		&f.CreatedBy,
		&f.FormType,
		&f.LegalForm,
		&f.FiscalYear,
		&r.payload,
		&r.contentType,
		&r.transportBody,
		&r.issuerResponse,
		&f.TransferTicket,
		&r.status,
		&r.validationErrors,
		&f.ArchivedAt,
		&f.ArchiveReference,
		&f.SnapshotPurgedAt,
		&f.Revision,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return types.Filing{}, err
	}
	f.Status = types.Status(r.status)
	f.Payload = map[string]any{}
	if len(r.payload) > 0 {
		if err := json.Unmarshal(r.payload, &f.Payload); err != nil {
			return types.Filing{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if r.contentType != nil {
		f.Transport = &types.TransportDocument{ContentType: *r.contentType, Body: r.transportBody}
	}
	if len(r.issuerResponse) > 0 {
		var resp types.IssuerResponse
		if err := json.Unmarshal(r.issuerResponse, &resp); err != nil {
			return types.Filing{}, fmt.Errorf("decode issuer response: %w", err)
		}
		f.IssuerResponse = &resp
	}
	f.ValidationErrors = []types.ValidationError{}
	if len(r.validationErrors) > 0 {
		if err := json.Unmarshal(r.validationErrors, &f.ValidationErrors); err != nil {
			return types.Filing{}, fmt.Errorf("decode validation errors: %w", err)
		}
	}
	return f, nil
}

type filingArgs struct {
	payload          []byte
	contentType      *string
	transportBody    []byte
	issuerResponse   []byte
	validationErrors []byte
}

func encodeFiling(f types.Filing) (filingArgs, error) {
	var a filingArgs
	payload := f.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	var err error
	if a.payload, err = json.Marshal(payload); err != nil {
		return a, fmt.Errorf("encode payload: %w", err)
	}
	if f.Transport != nil {
		ct := f.Transport.ContentType
		a.contentType = &ct
		a.transportBody = f.Transport.Body
	}
	if f.IssuerResponse != nil {
		if a.issuerResponse, err = json.Marshal(f.IssuerResponse); err != nil {
			return a, fmt.Errorf("encode issuer response: %w", err)
		}
	}
	errs := f.ValidationErrors
	if errs == nil {
		errs = []types.ValidationError{}
	}
	if a.validationErrors, err = json.Marshal(errs); err != nil {
		return a, fmt.Errorf("encode validation errors: %w", err)
	}
	return a, nil
}

func (s *PGStore) CreateFiling(ctx context.Context, f types.Filing, audit ...types.AuditEntry) error {
	args, err := encodeFiling(f)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO filings (
	  id, entity_ref, created_by, form_type, legal_form, fiscal_year, payload,
	  transport_content_type, transport_body, issuer_response, transfer_ticket,
	  status, validation_errors, archived_at, archive_reference, snapshot_purged_at, revision, created_at, updated_at
	) VALUES (
	  $1::uuid, $2, $3, $4, $5, $6, $7::jsonb,
	  $8, $9, $10::jsonb, $11,
	  $12, $13::jsonb, $14, $15, $16, $17, $18, $19
	)
	`, f.ID, f.EntityRef, f.CreatedBy, f.FormType, f.LegalForm, f.FiscalYear, args.payload,
		args.contentType, args.transportBody, nullableJSON(args.issuerResponse), f.TransferTicket,
		string(f.Status), args.validationErrors, f.ArchivedAt, f.ArchiveReference, f.SnapshotPurgedAt, f.Revision, f.CreatedAt, f.UpdatedAt,
	); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetFiling(ctx context.Context, filingID string) (types.Filing, error) {
	if _, err := uuid.Parse(filingID); err != nil {
		return types.Filing{}, ports.ErrFilingNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Filing{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	f, err := scanFiling(tx.QueryRow(ctx, `SELECT`+filingColumns+` FROM filings WHERE id = $1::uuid`, filingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Filing{}, ports.ErrFilingNotFound
		}
		return types.Filing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Filing{}, err
	}
	return f, nil
}

func (s *PGStore) UpdateFiling(ctx context.Context, f types.Filing, expectedRevision int64, audit ...types.AuditEntry) (types.Filing, error) {
	if _, err := uuid.Parse(f.ID); err != nil {
		return types.Filing{}, ports.ErrFilingNotFound
	}
	args, err := encodeFiling(f)
	if err != nil {
		return types.Filing{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Filing{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	stored, err := scanFiling(tx.QueryRow(ctx, `
	UPDATE filings SET
	  payload = $3::jsonb,
	  transport_content_type = $4,
	  transport_body = $5,
	  issuer_response = $6::jsonb,
	  transfer_ticket = $7,
	  status = $8,
	  validation_errors = $9::jsonb,
	  archived_at = $10,
	  archive_reference = $11,
	  snapshot_purged_at = $12,
	  updated_at = $13,
	  revision = revision + 1
	WHERE id = $1::uuid AND revision = $2
	RETURNING`+filingColumns,
		f.ID, expectedRevision, args.payload, args.contentType, args.transportBody,
		nullableJSON(args.issuerResponse), f.TransferTicket, string(f.Status), args.validationErrors,
		f.ArchivedAt, f.ArchiveReference, f.SnapshotPurgedAt, f.UpdatedAt,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return types.Filing{}, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM filings WHERE id = $1::uuid)`, f.ID).Scan(&exists); err != nil {
			return types.Filing{}, err
		}
		if !exists {
			return types.Filing{}, ports.ErrFilingNotFound
		}
		return types.Filing{}, ports.ErrRevisionConflict
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return types.Filing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Filing{}, err
	}
	return stored, nil
}

func (s *PGStore) ListFilings(ctx context.Context, filter types.ListFilter) ([]types.Filing, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d::text[])", len(args)))
	}
	if filter.EntityRef != "" {
		args = append(args, filter.EntityRef)
		where = append(where, fmt.Sprintf("entity_ref = $%d", len(args)))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	q := `SELECT` + filingColumns + ` FROM filings`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Filing, 0)
	for rows.Next() {
		f, err := scanFiling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := insertAudit(ctx, tx, []types.AuditEntry{entry}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertAudit(ctx context.Context, tx pgx.Tx, entries []types.AuditEntry) error {
	for _, e := range entries {
		changes, err := marshalOptional(e.Changes)
		if err != nil {
			return fmt.Errorf("encode audit changes: %w", err)
		}
		metadata, err := marshalOptional(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, `
	INSERT INTO audit_entries (id, entity_type, entity_id, actor_id, action, changes, metadata, created_at)
	VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
	ON CONFLICT (id) DO NOTHING
	`, e.ID, e.EntityType, e.EntityID, e.ActorID, e.Action, changes, metadata, e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) ListAuditByEntity(ctx context.Context, entityType string, entityID string) ([]types.AuditEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT id::text, entity_type, entity_id, actor_id, action, changes, metadata, created_at
	FROM audit_entries
	WHERE entity_type = $1 AND entity_id = $2
	ORDER BY seq ASC
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.AuditEntry, 0)
	for rows.Next() {
		var e types.AuditEntry
		var changes, metadata []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.ActorID, &e.Action, &changes, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) InsertComplianceResult(ctx context.Context, r types.ComplianceCheckResult) error {
	detail := r.Detail
	if detail == nil {
		detail = []string{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	inputsJSON, err := json.Marshal(r.Inputs)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO compliance_check_results (
	  id, subject_type, subject_ref, kind, jurisdiction, computed_value, threshold_value,
	  is_compliant, detail, inputs, created_by, created_at
	) VALUES ($1::uuid, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::jsonb, $10::jsonb, $11, $12)
	`, r.ID, r.SubjectType, r.SubjectRef, r.Kind, r.Jurisdiction, r.ComputedValue, r.ThresholdValue,
		r.IsCompliant, detailJSON, inputsJSON, r.CreatedBy, r.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ListComplianceResults(ctx context.Context, subjectType string, subjectRef string) ([]types.ComplianceCheckResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT id::text, subject_type, subject_ref, kind, jurisdiction,
	  computed_value::text, threshold_value::text, is_compliant, detail, inputs, created_by, created_at
	FROM compliance_check_results
	WHERE subject_type = $1 AND subject_ref = $2
	ORDER BY seq ASC
	`, subjectType, subjectRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.ComplianceCheckResult, 0)
	for rows.Next() {
		var r types.ComplianceCheckResult
		var detail, inputs []byte
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.SubjectType, &r.SubjectRef, &r.Kind, &r.Jurisdiction,
			&r.ComputedValue, &r.ThresholdValue, &r.IsCompliant, &detail, &inputs, &r.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = createdAt
		if err := json.Unmarshal(detail, &r.Detail); err != nil {
			return nil, fmt.Errorf("decode detail: %w", err)
		}
		if err := json.Unmarshal(inputs, &r.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func marshalOptional(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
