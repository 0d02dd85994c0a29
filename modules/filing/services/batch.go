package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

type Operation string

const (
	OpTransition Operation = "transition"
	OpArchive    Operation = "archive"
	OpValidate   Operation = "validate"
	OpExport     Operation = "export"
)

func (o Operation) Valid() bool {
	switch o {
	case OpTransition, OpArchive, OpValidate, OpExport:
		return true
	default:
		return false
	}
}

const (
	defaultBatchConcurrency = 8
	defaultConflictRetries  = 3
	maxBatchSize            = 1000
)

type BatchParams struct {
	Target types.Status `json:"target,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type BatchRequest struct {
	IDs       []string
	Operation Operation
	Params    BatchParams
	Actor     authz.Actor
	Scope     string
}

type BatchFailure struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// BatchReport lists ids in request order. Unchanged ids are also counted as
// succeeded.
type BatchReport struct {
	Operation  Operation         `json:"operation"`
	Succeeded  []string          `json:"succeeded"`
	Unchanged  []string          `json:"unchanged"`
	Failed     []BatchFailure    `json:"failed"`
	References map[string]string `json:"references"`
}

type BatchConfig struct {
	Concurrency     int
	ConflictRetries uint64
	RetryBase       time.Duration
}

type itemResult struct {
	unchanged bool
	reference string
	err       error
}

type BatchCoordinator struct {
	opts      Options
	cfg       BatchConfig
	lifecycle *LifecycleService
	archival  *ArchivalService
}

func NewBatchCoordinator(opts Options, cfg BatchConfig, lifecycle *LifecycleService, archival *ArchivalService) *BatchCoordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultBatchConcurrency
	}
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 10 * time.Millisecond
	}
	return &BatchCoordinator{opts: opts.withDefaults(), cfg: cfg, lifecycle: lifecycle, archival: archival}
}

// ApplyBatch runs one operation over many filings. Item failures are
// reported, never returned; the error result is reserved for a request that
// cannot run at all.
func (c *BatchCoordinator) ApplyBatch(ctx context.Context, req BatchRequest) (BatchReport, error) {
	if !req.Operation.Valid() {
		return BatchReport{}, httperr.NewFieldError("operation", fmt.Sprintf("unknown operation %q", req.Operation))
	}
	if req.Operation == OpTransition && !req.Params.Target.Valid() {
		return BatchReport{}, httperr.NewFieldError("params.target", "target status is required")
	}
	ids := dedupeIDs(req.IDs)
	if len(ids) > maxBatchSize {
		return BatchReport{}, httperr.NewFieldError("ids", fmt.Sprintf("at most %d ids per batch", maxBatchSize))
	}
	if err := authorize(ctx, c.opts, req.Actor, authz.ActionBulk, req.Scope); err != nil {
		return BatchReport{}, err
	}

	results := make([]itemResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = c.applyWithRetry(gctx, req, id)
			return nil
		})
	}
	_ = g.Wait()

	report := BatchReport{
		Operation:  req.Operation,
		Succeeded:  []string{},
		Unchanged:  []string{},
		Failed:     []BatchFailure{},
		References: map[string]string{},
	}
	for i, id := range ids {
		r := results[i]
		if r.err != nil {
			report.Failed = append(report.Failed, BatchFailure{ID: id, Code: ErrorCode(r.err), Error: r.err.Error()})
			c.opts.Metrics.BatchItem(string(req.Operation), "failed")
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
		if r.unchanged {
			report.Unchanged = append(report.Unchanged, id)
			c.opts.Metrics.BatchItem(string(req.Operation), "unchanged")
		} else {
			c.opts.Metrics.BatchItem(string(req.Operation), "succeeded")
		}
		if r.reference != "" {
			report.References[id] = r.reference
		}
	}
	c.opts.Logger.Info("batch applied",
		zap.String("operation", string(req.Operation)),
		zap.String("actor_id", req.Actor.ID),
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("unchanged", len(report.Unchanged)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// applyWithRetry retries revision conflicts with a fresh read each attempt.
func (c *BatchCoordinator) applyWithRetry(ctx context.Context, req BatchRequest, id string) itemResult {
	var res itemResult
	backoff := retry.WithMaxRetries(c.cfg.ConflictRetries, retry.NewExponential(c.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res = c.applyOne(ctx, req, id)
		if errors.Is(res.err, ErrConflict) {
			return retry.RetryableError(res.err)
		}
		return nil
	})
	if err != nil && res.err == nil {
		res.err = err
	}
	return res
}

func (c *BatchCoordinator) applyOne(ctx context.Context, req BatchRequest, id string) (res itemResult) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.Logger.Error("batch item panicked",
				zap.String("filing_id", id),
				zap.Any("panic", r),
			)
			res = itemResult{err: fmt.Errorf("%s: panic: %v", CodeInternal, r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return itemResult{err: err}
	}

	switch req.Operation {
	case OpTransition:
		f, err := c.lifecycle.Get(ctx, id)
		if err != nil {
			return itemResult{err: err}
		}
		if f.Status == req.Params.Target {
			return itemResult{unchanged: true, reference: f.ArchiveReference}
		}
		rev := f.Revision
		out, err := c.lifecycle.Transition(ctx, TransitionRequest{
			FilingID:         id,
			Target:           req.Params.Target,
			Actor:            req.Actor,
			Reason:           req.Params.Reason,
			ExpectedRevision: &rev,
		})
		if err != nil {
			return itemResult{err: err}
		}
		if out.Outcome == OutcomeValidationFailed {
			return itemResult{err: validationFailure(out.Validation)}
		}
		return itemResult{unchanged: out.Outcome == OutcomeUnchanged, reference: out.Reference}
	case OpArchive:
		out, err := c.archival.Archive(ctx, ArchiveRequest{FilingID: id, Actor: req.Actor, Reason: req.Params.Reason})
		if err != nil {
			return itemResult{err: err}
		}
		return itemResult{unchanged: out.Unchanged, reference: out.Reference}
	case OpValidate:
		_, outcome, err := c.lifecycle.Revalidate(ctx, id, req.Actor)
		if err != nil {
			return itemResult{err: err}
		}
		return itemResult{unchanged: outcome == OutcomeUnchanged}
	case OpExport:
		out, err := c.archival.Export(ctx, id)
		if err != nil {
			return itemResult{err: err}
		}
		return itemResult{reference: out.Reference}
	}
	return itemResult{err: fmt.Errorf("unsupported operation %q", req.Operation)}
}

type SweepRequest struct {
	Cutoff time.Time
	Actor  authz.Actor
	Limit  int
}

// SweepArchive archives ACCEPTED filings created before the cutoff. Items
// that fail stay ACCEPTED and are picked up by the next sweep.
func (c *BatchCoordinator) SweepArchive(ctx context.Context, req SweepRequest) (BatchReport, error) {
	if req.Cutoff.IsZero() {
		return BatchReport{}, httperr.NewFieldError("cutoff", "cutoff is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxBatchSize {
		limit = maxBatchSize
	}
	cutoff := req.Cutoff
	candidates, err := c.opts.Filings.ListFilings(ctx, types.ListFilter{
		Statuses:      []types.Status{types.StatusAccepted},
		CreatedBefore: &cutoff,
		Limit:         limit,
	})
	if err != nil {
		return BatchReport{}, fmt.Errorf("list sweep candidates: %w", err)
	}
	ids := make([]string, 0, len(candidates))
	for _, f := range candidates {
		ids = append(ids, f.ID)
	}
	return c.ApplyBatch(ctx, BatchRequest{
		IDs:       ids,
		Operation: OpArchive,
		Params:    BatchParams{Reason: "retention sweep"},
		Actor:     req.Actor,
		Scope:     authz.DomainGlobal,
	})
}

func validationFailure(report *ValidationReport) error {
	if report == nil {
		return &ValidationFailedError{}
	}
	codes := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		if e.Severity == types.SeverityBlocking {
			codes = append(codes, e.Field+":"+e.Code)
		}
	}
	return &ValidationFailedError{Codes: codes}
}

// ValidationFailedError carries a failed validation into a batch report.
type ValidationFailedError struct {
	Codes []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("%s: %s", CodeValidationFailed, strings.Join(e.Codes, ", "))
}

func (e *ValidationFailedError) Is(target error) bool { return target == ErrValidationFailed }

func dedupeIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
