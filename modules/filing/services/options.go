package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/metrics"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/ids"
)

const (
	TopicStatusChanged     = "filing.status_changed"
	TopicArchived          = "filing.archived"
	TopicValidationFailed  = "filing.validation_failed"
	TopicComplianceFlagged = "compliance.flagged"
)

var newID = ids.New

// Options carries the collaborators shared by the filing services.
type Options struct {
	Filings    ports.FilingStore
	Audit      ports.AuditStore
	Compliance ports.ComplianceStore
	Blobs      ports.BlobStore
	Notifier   ports.Notifier
	Authorizer authz.Decider
	Validator  *Validator
	Retention  RetentionPolicy
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Validator == nil {
		o.Validator = &Validator{sets: map[string]RuleSet{}, programs: map[string]cel.Program{}}
	}
	if o.Retention.Years <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// auditEntry derives its id from the filing id, action and resulting revision
// so a replayed write collapses onto the stored entry.
func auditEntry(f types.Filing, actor authz.Actor, action string, changes map[string]any, metadata map[string]any, at time.Time) types.AuditEntry {
	return types.AuditEntry{
		ID:         ids.Deterministic(ids.AuditNamespace, f.ID, action, strconv.FormatInt(f.Revision, 10)),
		EntityType: types.EntityTypeFiling,
		EntityID:   f.ID,
		ActorID:    actor.ID,
		Action:     action,
		Changes:    changes,
		Metadata:   metadata,
		CreatedAt:  at,
	}
}

func statusChange(from types.Status, to types.Status) map[string]any {
	return map[string]any{"status": map[string]any{"from": string(from), "to": string(to)}}
}

// notify runs after the state is committed. Delivery failures never undo it.
func notify(ctx context.Context, o Options, n ports.Notification) {
	if o.Notifier == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = o.Now()
	}
	if err := o.Notifier.Notify(ctx, n); err != nil {
		o.Metrics.NotifyFailure()
		o.Logger.Warn("notification failed",
			zap.String("topic", n.Topic),
			zap.String("entity_id", n.EntityID),
			zap.Error(err),
		)
	}
}

func authorize(ctx context.Context, o Options, actor authz.Actor, action string, scope string) error {
	if o.Authorizer == nil {
		return ErrForbidden
	}
	allowed, err := o.Authorizer.CanPerform(ctx, actor, action, scope)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ports.ErrFilingNotFound):
		return ErrNotFound
	case errors.Is(err, ports.ErrRevisionConflict):
		return ErrConflict
	default:
		return err
	}
}
