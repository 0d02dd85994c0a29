package routing

import (
	"strings"
	"testing"
)

func TestParseAllowlistYAML_Errors(t *testing.T) {
	t.Parallel()

	_, err := ParseAllowlistYAML([]byte{0xff})
	if err == nil {
		t.Fatal("expected yaml error")
	}

	_, err = ParseAllowlistYAML([]byte("version: 2\nentrypoints: {}"))
	if err == nil {
		t.Fatal("expected version error")
	}

	_, err = ParseAllowlistYAML([]byte("version: 1"))
	if err == nil {
		t.Fatal("expected entrypoints error")
	}
}

func TestLoadAllowlist_Missing(t *testing.T) {
	t.Parallel()

	if _, err := LoadAllowlist("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseAllowlistYAML_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := ParseAllowlistYAML([]byte(`
version: 1
entrypoints:
  server:
    routes:
      - path: /api/v1/filings
        methods: [GET]
        route_class: public_api
        permision: read
`))
	if err == nil || !strings.Contains(err.Error(), "permision") {
		t.Fatalf("err=%v", err)
	}
}

func TestParseAllowlistYAML_NormalizesMethods(t *testing.T) {
	t.Parallel()

	a, err := ParseAllowlistYAML([]byte(`
version: 1
entrypoints:
  server:
    routes:
      - path: /api/v1/filings/{filingID}/snapshot
        methods: [" delete "]
        route_class: public_api
        permission: archive
`))
	if err != nil {
		t.Fatal(err)
	}
	routes, err := a.Routes("server")
	if err != nil {
		t.Fatal(err)
	}
	if got := routes[0].Methods; len(got) != 1 || got[0] != "DELETE" {
		t.Fatalf("methods=%v", got)
	}
}

func TestParseAllowlistYAML_RouteShape(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"relative path": "version: 1\nentrypoints:\n  server:\n    routes:\n      - path: api/v1/filings\n        methods: [GET]\n",
		"bad method":    "version: 1\nentrypoints:\n  server:\n    routes:\n      - path: /healthz\n        methods: [TRACE]\n",
		"empty name":    "version: 1\nentrypoints:\n  \"\":\n    routes: []\n",
	}
	for name, doc := range cases {
		if _, err := ParseAllowlistYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAllowlistRoutes_MissingEntrypoint(t *testing.T) {
	t.Parallel()

	a := Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {}}}
	if _, err := a.Routes("worker"); err == nil || !strings.Contains(err.Error(), "worker") {
		t.Fatalf("err=%v", err)
	}
	if _, err := a.Routes("server"); err == nil {
		t.Fatal("expected empty routes error")
	}
}

func TestLoadAllowlist_ShippedFile(t *testing.T) {
	t.Parallel()

	a, err := LoadAllowlist("../../config/routing/allowlist.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewClassifier(a, "server"); err != nil {
		t.Fatal(err)
	}
}
