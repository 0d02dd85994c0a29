package routing

import (
	"net/http"
	"testing"
)

func serverAllowlist(routes ...Route) Allowlist {
	return Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: routes}}}
}

func TestClassifier_Lookup(t *testing.T) {
	t.Parallel()

	c, err := NewClassifier(serverAllowlist(
		Route{Path: "/healthz", Methods: []string{"GET"}, RouteClass: "ops"},
		Route{Path: "/api/v1/filings/{filingID}", Methods: []string{"get"}, RouteClass: "public_api", Permission: "read"},
		Route{Path: "/api/v1/filings/{filingID}/archive", Methods: []string{"POST"}, RouteClass: "public_api", Permission: "archive"},
	), "server")
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Fatalf("len=%d", c.Len())
	}

	req, ok := c.Classify(http.MethodGet, "/api/v1/filings/{filingID}")
	if !ok || req.Class != RouteClassPublicAPI || req.Permission != "read" {
		t.Fatalf("req=%+v ok=%v", req, ok)
	}
	if req, ok := c.Classify(http.MethodGet, "/healthz"); !ok || req.Class != RouteClassOps {
		t.Fatalf("req=%+v ok=%v", req, ok)
	}
	if _, ok := c.Classify(http.MethodDelete, "/api/v1/filings/{filingID}"); ok {
		t.Fatal("unexpected match for unlisted method")
	}
	if _, ok := c.Classify(http.MethodGet, "/api/v1/filings/123"); ok {
		t.Fatal("classifier matches patterns, not concrete paths")
	}
}

func TestNewClassifier_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]Allowlist{
		"missing entrypoint": {Version: 1, Entrypoints: map[string]Entrypoint{}},
		"empty routes":       serverAllowlist(),
		"invalid route":      serverAllowlist(Route{}),
		"no methods":         serverAllowlist(Route{Path: "/healthz", RouteClass: "ops"}),
		"unversioned api": serverAllowlist(
			Route{Path: "/api/filings", Methods: []string{"GET"}, RouteClass: "public_api", Permission: "read"},
		),
		"unknown permission": serverAllowlist(
			Route{Path: "/api/v1/filings", Methods: []string{"GET"}, RouteClass: "public_api", Permission: "delete"},
		),
		"api without permission": serverAllowlist(
			Route{Path: "/api/v1/filings", Methods: []string{"GET"}, RouteClass: "public_api"},
		),
		"ops with permission": serverAllowlist(
			Route{Path: "/metrics", Methods: []string{"GET"}, RouteClass: "ops", Permission: "read"},
		),
		"unknown class": serverAllowlist(
			Route{Path: "/ws", Methods: []string{"GET"}, RouteClass: "websocket"},
		),
		"duplicate": serverAllowlist(
			Route{Path: "/healthz", Methods: []string{"GET"}, RouteClass: "ops"},
			Route{Path: "/healthz", Methods: []string{"GET"}, RouteClass: "ops"},
		),
	}
	for name, a := range cases {
		if _, err := NewClassifier(a, "server"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
