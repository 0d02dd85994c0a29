package routing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

type RouteClass string

const (
	RouteClassPublicAPI RouteClass = "public_api"
	RouteClassOps       RouteClass = "ops"
)

// Requirement is what the classifier knows about one method+pattern pair.
type Requirement struct {
	Class      RouteClass
	Permission string
}

type Classifier struct {
	entrypoint string
	routes     map[string]Requirement
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	list, err := a.Routes(entrypoint)
	if err != nil {
		return nil, err
	}

	routes := make(map[string]Requirement, len(list))
	for _, r := range list {
		if r.Path == "" || r.RouteClass == "" || len(r.Methods) == 0 {
			return nil, errors.New("allowlist: invalid route")
		}
		rc := RouteClass(r.RouteClass)
		switch rc {
		case RouteClassPublicAPI:
			if !strings.HasPrefix(r.Path, "/api/v1/") {
				return nil, fmt.Errorf("allowlist: api route %s is not versioned", r.Path)
			}
			if !validPermission(r.Permission) {
				return nil, fmt.Errorf("allowlist: route %s has invalid permission %q", r.Path, r.Permission)
			}
		case RouteClassOps:
			if r.Permission != "" {
				return nil, fmt.Errorf("allowlist: ops route %s cannot carry a permission", r.Path)
			}
		default:
			return nil, fmt.Errorf("allowlist: route %s has unknown class %q", r.Path, r.RouteClass)
		}
		for _, m := range r.Methods {
			key := routeKey(m, r.Path)
			if _, dup := routes[key]; dup {
				return nil, fmt.Errorf("allowlist: duplicate route %s", key)
			}
			routes[key] = Requirement{Class: rc, Permission: r.Permission}
		}
	}
	return &Classifier{entrypoint: entrypoint, routes: routes}, nil
}

// Classify looks up a chi route pattern, e.g. /api/v1/filings/{filingID}.
func (c *Classifier) Classify(method string, pattern string) (Requirement, bool) {
	req, ok := c.routes[routeKey(method, pattern)]
	return req, ok
}

// Len counts method+pattern pairs.
func (c *Classifier) Len() int { return len(c.routes) }

func routeKey(method string, pattern string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + pattern
}

func validPermission(p string) bool {
	switch p {
	case authz.ActionRead, authz.ActionWrite, authz.ActionTransition, authz.ActionArchive:
		return true
	default:
		return false
	}
}
