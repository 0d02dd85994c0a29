package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/persistence"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

func TestApplyBatch_ArchiveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ids := []string{env.createAccepted(t).ID, env.createAccepted(t).ID, env.createAccepted(t).ID}

	first, err := env.batch.ApplyBatch(ctx, BatchRequest{IDs: ids, Operation: OpArchive, Actor: accountant})
	require.NoError(t, err)
	assert.Equal(t, ids, first.Succeeded)
	assert.Empty(t, first.Unchanged)
	assert.Empty(t, first.Failed)
	assert.Len(t, first.References, 3)
	auditAfterFirst := env.store.AuditCount()

	second, err := env.batch.ApplyBatch(ctx, BatchRequest{IDs: ids, Operation: OpArchive, Actor: accountant})
	require.NoError(t, err)
	assert.Equal(t, ids, second.Succeeded)
	assert.Equal(t, ids, second.Unchanged)
	assert.Equal(t, first.References, second.References)
	assert.Equal(t, auditAfterFirst, env.store.AuditCount())
	env.requireArchiveInvariant(t)
}

func TestApplyBatch_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accepted := env.createAccepted(t)
	draft := env.createDraft(t, validVATPayload())

	report, err := env.batch.ApplyBatch(ctx, BatchRequest{
		IDs:       []string{accepted.ID, "missing", draft.ID, accepted.ID},
		Operation: OpArchive,
		Actor:     accountant,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{accepted.ID}, report.Succeeded)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, BatchFailure{ID: "missing", Code: CodeNotFound, Error: CodeNotFound}, report.Failed[0])
	assert.Equal(t, draft.ID, report.Failed[1].ID)
	assert.Equal(t, CodeInvalidTransition, report.Failed[1].Code)

	archivedEntries := 0
	for _, a := range env.auditActions(t, accepted.ID) {
		if a == types.ActionArchived {
			archivedEntries++
		}
	}
	assert.Equal(t, 1, archivedEntries)
	assert.NotContains(t, env.auditActions(t, draft.ID), types.ActionArchived)
}

func TestSweepArchive_PartialStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var ids []string
	for range 10 {
		ids = append(ids, env.createAccepted(t).ID)
	}
	env.createDraft(t, validVATPayload())
	env.blobs.FailFor(ids[3], ids[7])
	cutoff := env.clock.Now().Add(time.Hour)

	report, err := env.batch.SweepArchive(ctx, SweepRequest{Cutoff: cutoff, Actor: accountant})
	require.NoError(t, err)
	assert.Len(t, report.Succeeded, 8)
	require.Len(t, report.Failed, 2)
	for _, f := range report.Failed {
		assert.Equal(t, CodeSnapshotWriteFailed, f.Code)
		got, err := env.lifecycle.Get(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusAccepted, got.Status)
		assert.Nil(t, got.ArchivedAt)
	}
	env.requireArchiveInvariant(t)

	env.blobs.FailFor()
	rerun, err := env.batch.SweepArchive(ctx, SweepRequest{Cutoff: cutoff, Actor: accountant})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[3], ids[7]}, rerun.Succeeded)
	assert.Empty(t, rerun.Failed)
}

func TestSweepArchive_RespectsCutoffAndLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := env.createAccepted(t)
	env.clock.Advance(48 * time.Hour)
	env.createAccepted(t)

	report, err := env.batch.SweepArchive(ctx, SweepRequest{Cutoff: old.CreatedAt.Add(time.Hour), Actor: accountant, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, report.Succeeded)

	_, err = env.batch.SweepArchive(ctx, SweepRequest{Actor: accountant})
	require.True(t, httperr.IsBadRequest(err))
}

func TestApplyBatch_RequiresBulkPermission(t *testing.T) {
	env := newTestEnv(t)
	anon := authz.Actor{ID: "x", Role: authz.RoleAnonymous}
	_, err := env.batch.ApplyBatch(context.Background(), BatchRequest{IDs: []string{"a"}, Operation: OpArchive, Actor: anon})
	require.ErrorIs(t, err, ErrForbidden)

	var scopes []string
	env = newTestEnv(t, func(o *Options) {
		o.Authorizer = deciderStub{fn: func(_ context.Context, _ authz.Actor, action string, scope string) (bool, error) {
			scopes = append(scopes, action+"@"+scope)
			return true, nil
		}}
	})
	_, err = env.batch.ApplyBatch(context.Background(), BatchRequest{Operation: OpExport, Actor: accountant, Scope: "building-7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bulk@building-7"}, scopes)
}

func TestApplyBatch_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.batch.ApplyBatch(ctx, BatchRequest{Operation: "delete", Actor: accountant})
	require.True(t, httperr.IsBadRequest(err))
	_, err = env.batch.ApplyBatch(ctx, BatchRequest{Operation: OpTransition, Actor: accountant})
	require.True(t, httperr.IsBadRequest(err))
}

func TestApplyBatch_RecoversPanics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	good := env.createAccepted(t)
	bad := env.createAccepted(t)
	env.blobs.panicIDs = map[string]bool{bad.ID: true}

	report, err := env.batch.ApplyBatch(ctx, BatchRequest{IDs: []string{good.ID, bad.ID}, Operation: OpArchive, Actor: accountant})
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, bad.ID, report.Failed[0].ID)
	assert.Equal(t, CodeInternal, report.Failed[0].Code)
	assert.Contains(t, report.Failed[0].Error, "panic")

	got, err := env.lifecycle.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, got.Status)
}

func TestApplyBatch_RetriesRevisionConflicts(t *testing.T) {
	inner := persistence.NewMemoryStore()
	cs := &conflictingStore{MemoryStore: inner, pending: map[string]bool{}}
	env := newTestEnv(t, func(o *Options) {
		o.Filings = cs
		o.Audit = inner
		o.Compliance = inner
	})
	env.store = inner
	f := env.createAccepted(t)
	cs.pending[f.ID] = true

	report, err := env.batch.ApplyBatch(context.Background(), BatchRequest{IDs: []string{f.ID}, Operation: OpArchive, Actor: accountant})
	require.NoError(t, err)
	assert.Equal(t, []string{f.ID}, report.Succeeded)
	assert.Equal(t, 1, cs.hits)
	assert.Equal(t, 1, env.blobs.Len())
}

func TestApplyBatch_Transition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ok := env.createDraft(t, validVATPayload())
	payload := validVATPayload()
	delete(payload, "tax_number")
	invalid := env.createDraft(t, payload)
	already := env.createDraft(t, validVATPayload())
	_, err := env.lifecycle.Transition(ctx, TransitionRequest{FilingID: already.ID, Target: types.StatusValidated, Actor: accountant})
	require.NoError(t, err)
	auditBefore := env.store.AuditCount()

	report, err := env.batch.ApplyBatch(ctx, BatchRequest{
		IDs:       []string{ok.ID, invalid.ID, already.ID},
		Operation: OpTransition,
		Params:    BatchParams{Target: types.StatusValidated, Reason: "monthly run"},
		Actor:     accountant,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ok.ID, already.ID}, report.Succeeded)
	assert.Equal(t, []string{already.ID}, report.Unchanged)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, CodeValidationFailed, report.Failed[0].Code)
	assert.Contains(t, report.Failed[0].Error, "tax_number:REQUIRED")
	assert.Equal(t, auditBefore+1, env.store.AuditCount())
}

func TestApplyBatch_ValidateAndExport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := validVATPayload()
	payload["revenue"] = -1.0
	f := env.createDraft(t, payload)

	report, err := env.batch.ApplyBatch(ctx, BatchRequest{IDs: []string{f.ID}, Operation: OpValidate, Actor: accountant})
	require.NoError(t, err)
	assert.Equal(t, []string{f.ID}, report.Succeeded)
	assert.Empty(t, report.Unchanged)

	report, err = env.batch.ApplyBatch(ctx, BatchRequest{IDs: []string{f.ID}, Operation: OpValidate, Actor: accountant})
	require.NoError(t, err)
	assert.Equal(t, []string{f.ID}, report.Unchanged)

	auditBefore := env.store.AuditCount()
	report, err = env.batch.ApplyBatch(ctx, BatchRequest{IDs: []string{f.ID}, Operation: OpExport, Actor: accountant})
	require.NoError(t, err)
	assert.Contains(t, report.References[f.ID], "exports/"+f.ID)
	assert.Equal(t, auditBefore, env.store.AuditCount())
}

func TestDedupeIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupeIDs([]string{"a", " ", "b", "a", " b "}))
}
