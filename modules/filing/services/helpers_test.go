package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/blobstore"
	"github.com/jacksonlee411/property-ledger/modules/filing/infrastructure/persistence"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

const testRules = `
version: 1
rule_sets:
  - form_type: default
    version: "2026.1"
    rules:
      - id: period_start_required
        kind: required
        field: period_start
  - form_type: VAT_RETURN
    version: "2026.2"
    rules:
      - id: tax_number_required
        kind: required
        field: tax_number
      - id: revenue_non_negative
        kind: non_negative
        field: revenue
      - id: period_order
        kind: date_order
        start: period_start
        end: period_end
      - id: input_tax_plausible
        kind: expr
        field: input_tax
        expr: "!has(payload.input_tax) || payload.input_tax <= payload.revenue"
        severity: warning
  - form_type: RENT_ADJUSTMENT
    version: "2026.1"
    rules:
      - id: rent_cap
        kind: rent_cap
        current_field: current_rent
        proposed_field: proposed_rent
        window_field: window_increases
        cap_ratio: 0.15
`

var (
	accountant = authz.Actor{ID: "u-accountant", Role: authz.RoleAccountant}
	officer    = authz.Actor{ID: "u-officer", Role: authz.RoleComplianceOfficer}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) AddYears(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(n, 0, 0)
}

type deciderStub struct {
	fn func(ctx context.Context, actor authz.Actor, action string, scope string) (bool, error)
}

func (d deciderStub) CanPerform(ctx context.Context, actor authz.Actor, action string, scope string) (bool, error) {
	return d.fn(ctx, actor, action, scope)
}

// roleDecider allows force_archive and purge only to compliance officers.
func roleDecider() deciderStub {
	return deciderStub{fn: func(_ context.Context, actor authz.Actor, action string, _ string) (bool, error) {
		switch action {
		case authz.ActionForceArchive, authz.ActionPurge:
			return actor.Role == authz.RoleComplianceOfficer, nil
		default:
			return actor.Role != authz.RoleAnonymous, nil
		}
	}}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []ports.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg ports.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) Topics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Topic)
	}
	return out
}

// faultyBlobStore fails or panics for selected filing ids.
type faultyBlobStore struct {
	*blobstore.MemoryStore
	mu       sync.Mutex
	failIDs  map[string]bool
	panicIDs map[string]bool
	puts     int
}

func (s *faultyBlobStore) Put(ctx context.Context, key string, data []byte, contentType string, retainUntil time.Time) (string, error) {
	parts := strings.Split(key, "/")
	s.mu.Lock()
	s.puts++
	fail := len(parts) > 1 && s.failIDs[parts[1]]
	boom := len(parts) > 1 && s.panicIDs[parts[1]]
	s.mu.Unlock()
	if boom {
		panic("blob store exploded")
	}
	if fail {
		return "", errors.New("object storage unreachable")
	}
	return s.MemoryStore.Put(ctx, key, data, contentType, retainUntil)
}

func (s *faultyBlobStore) FailFor(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIDs = map[string]bool{}
	for _, id := range ids {
		s.failIDs[id] = true
	}
}

// conflictingStore reports a revision conflict on the first update of each
// listed filing.
type conflictingStore struct {
	*persistence.MemoryStore
	mu      sync.Mutex
	pending map[string]bool
	hits    int
}

func (s *conflictingStore) UpdateFiling(ctx context.Context, f types.Filing, expected int64, audit ...types.AuditEntry) (types.Filing, error) {
	s.mu.Lock()
	if s.pending[f.ID] {
		delete(s.pending, f.ID)
		s.hits++
		s.mu.Unlock()
		return types.Filing{}, ports.ErrRevisionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.UpdateFiling(ctx, f, expected, audit...)
}

type testEnv struct {
	clock      *testClock
	store      *persistence.MemoryStore
	blobs      *faultyBlobStore
	notifier   *recordingNotifier
	opts       Options
	lifecycle  *LifecycleService
	archival   *ArchivalService
	batch      *BatchCoordinator
	compliance *ComplianceService
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := persistence.NewMemoryStore()
	blobs := &faultyBlobStore{MemoryStore: blobstore.NewMemoryStore(clock.Now)}
	notifier := &recordingNotifier{}
	validator, err := ParseRuleSets([]byte(testRules))
	require.NoError(t, err)

	opts := Options{
		Filings:    store,
		Audit:      store,
		Compliance: store,
		Blobs:      blobs,
		Notifier:   notifier,
		Authorizer: roleDecider(),
		Validator:  validator,
		Now:        clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	archival := NewArchivalService(opts)
	lifecycle := NewLifecycleService(opts, archival)
	compliance, err := NewComplianceService(opts, nil)
	require.NoError(t, err)
	return &testEnv{
		clock:      clock,
		store:      store,
		blobs:      blobs,
		notifier:   notifier,
		opts:       opts,
		lifecycle:  lifecycle,
		archival:   archival,
		batch:      NewBatchCoordinator(opts, BatchConfig{Concurrency: 4, RetryBase: time.Millisecond}, lifecycle, archival),
		compliance: compliance,
	}
}

func validVATPayload() map[string]any {
	return map[string]any{
		"tax_number":   "12/345/67890",
		"revenue":      1000.0,
		"input_tax":    190.0,
		"period_start": "2025-01-01",
		"period_end":   "2025-12-31",
	}
}

func (e *testEnv) createDraft(t *testing.T, payload map[string]any) types.Filing {
	t.Helper()
	f, err := e.lifecycle.Create(context.Background(), CreateRequest{
		EntityRef:  "building-7",
		FormType:   "VAT_RETURN",
		LegalForm:  "GmbH",
		FiscalYear: 2025,
		Payload:    payload,
		Actor:      accountant,
	})
	require.NoError(t, err)
	return f
}

// createAccepted walks a filing through the regular edges up to ACCEPTED.
func (e *testEnv) createAccepted(t *testing.T) types.Filing {
	t.Helper()
	ctx := context.Background()
	f := e.createDraft(t, validVATPayload())

	res, err := e.lifecycle.Transition(ctx, TransitionRequest{FilingID: f.ID, Target: types.StatusValidated, Actor: accountant})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	_, err = e.lifecycle.AttachTransportDocument(ctx, f.ID, types.TransportDocument{ContentType: "application/xml", Body: []byte("<UStVA/>")}, accountant, nil)
	require.NoError(t, err)

	_, err = e.lifecycle.Transition(ctx, TransitionRequest{FilingID: f.ID, Target: types.StatusSubmitted, Actor: accountant})
	require.NoError(t, err)

	out, err := e.lifecycle.RecordIssuerResponse(ctx, IssuerResponseRequest{
		FilingID:       f.ID,
		Accepted:       true,
		Body:           []byte(`{"status":"ok"}`),
		TransferTicket: "TT-" + f.ID[:8],
		Actor:          accountant,
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, out.Filing.Status)
	return out.Filing
}

func (e *testEnv) auditActions(t *testing.T, filingID string) []string {
	t.Helper()
	entries, err := e.store.ListAuditByEntity(context.Background(), types.EntityTypeFiling, filingID)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.Action)
	}
	return out
}

func (e *testEnv) requireArchiveInvariant(t *testing.T) {
	t.Helper()
	all, err := e.store.ListFilings(context.Background(), types.ListFilter{})
	require.NoError(t, err)
	for _, f := range all {
		require.Equal(t, f.Status == types.StatusArchived, f.ArchivedAt != nil, "filing %s status=%s", f.ID, f.Status)
	}
}
