package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.dom == "*" || r.dom == p.dom) && r.obj == p.obj && r.act == p.act
`

const testPolicy = `p, role:accountant, *, filing, transition
p, role:property-manager, building-7, filing, bulk
p, role:compliance-officer, *, filing, force_archive
g, role:compliance-officer, role:accountant
`

func writeCasbinFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.conf")
	policy := filepath.Join(dir, "policy.csv")
	require.NoError(t, os.WriteFile(model, []byte(testModel), 0o644))
	require.NoError(t, os.WriteFile(policy, []byte(testPolicy), 0o644))
	return model, policy
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("", false)
	require.NoError(t, err)
	assert.Equal(t, ModeEnforce, m)

	m, err = ParseMode(" Shadow ", false)
	require.NoError(t, err)
	assert.Equal(t, ModeShadow, m)

	_, err = ParseMode("disabled", false)
	require.Error(t, err)

	m, err = ParseMode("disabled", true)
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, m)

	_, err = ParseMode("nope", true)
	require.Error(t, err)
}

func TestAuthorizer_CanPerform(t *testing.T) {
	model, policy := writeCasbinFiles(t)
	a, err := NewAuthorizer(model, policy, ModeEnforce)
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		name   string
		actor  Actor
		action string
		scope  string
		want   bool
	}{
		{"accountant transitions anywhere", Actor{ID: "u1", Role: "accountant"}, ActionTransition, "building-1", true},
		{"accountant cannot force archive", Actor{ID: "u1", Role: "accountant"}, ActionForceArchive, "building-1", false},
		{"manager bulk in own domain", Actor{ID: "u2", Role: "property-manager"}, ActionBulk, "Building-7", true},
		{"manager bulk elsewhere", Actor{ID: "u2", Role: "property-manager"}, ActionBulk, "building-8", false},
		{"officer inherits transition", Actor{ID: "u3", Role: "compliance-officer"}, ActionTransition, "", true},
		{"anonymous denied", Actor{}, ActionTransition, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.CanPerform(ctx, tc.actor, tc.action, tc.scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAuthorizer_ShadowAndDisabledNeverDeny(t *testing.T) {
	model, policy := writeCasbinFiles(t)
	for _, mode := range []Mode{ModeShadow, ModeDisabled} {
		a, err := NewAuthorizer(model, policy, mode)
		require.NoError(t, err)
		ok, err := a.CanPerform(context.Background(), Actor{Role: "anonymous"}, ActionForceArchive, "")
		require.NoError(t, err)
		assert.True(t, ok, "mode=%s", mode)

		allowed, enforced, err := a.Authorize("role:anonymous", DomainGlobal, ObjectFiling, ActionForceArchive)
		require.NoError(t, err)
		assert.False(t, enforced)
		if mode == ModeShadow {
			assert.False(t, allowed)
		}
	}
}

func TestAuthorizer_UnknownMode(t *testing.T) {
	model, policy := writeCasbinFiles(t)
	a, err := NewAuthorizer(model, policy, Mode("weird"))
	require.NoError(t, err)
	_, err = a.CanPerform(context.Background(), Actor{Role: "accountant"}, ActionTransition, "")
	require.Error(t, err)
}

func TestNewAuthorizer_MissingModel(t *testing.T) {
	_, err := NewAuthorizer(filepath.Join(t.TempDir(), "missing.conf"), "policy.csv", ModeEnforce)
	require.Error(t, err)
}

func TestSubjectAndDomain(t *testing.T) {
	assert.Equal(t, "role:anonymous", SubjectFromRoleSlug(" "))
	assert.Equal(t, "role:accountant", SubjectFromRoleSlug(" Accountant "))
	assert.Equal(t, DomainGlobal, DomainFromScope(""))
	assert.Equal(t, "building-7", DomainFromScope(" Building-7 "))
}
