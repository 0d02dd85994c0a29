package routing

import (
	"context"
	"net/http"
	"strings"

	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, a authz.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, a)
}

func CurrentActor(ctx context.Context) (authz.Actor, bool) {
	v := ctx.Value(actorContextKey{})
	if v == nil {
		return authz.Actor{}, false
	}
	a, ok := v.(authz.Actor)
	return a, ok
}

// ActorFromHeaders trusts the identity asserted by the authenticating proxy in
// front of this service. An empty role maps to anonymous.
func ActorFromHeaders(r *http.Request) (authz.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		return authz.Actor{}, false
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole)))
	if role == "" {
		role = authz.RoleAnonymous
	}
	return authz.Actor{ID: id, Role: role}, true
}
