package routing

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Allowlist is the complete table of routes an entrypoint may serve and the
// permission each one needs. Routes absent from it are never dispatched.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

// Entrypoint groups the routes of one binary, e.g. "server".
type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

// Route is one chi pattern. Permission is required on public_api routes and
// forbidden on ops routes; NewClassifier enforces both.
type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
	Permission string   `yaml:"permission"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// ParseAllowlistYAML decodes strictly: a misspelt key such as "permision"
// would otherwise leave a route without its permission.
func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&a); err != nil {
		return Allowlist{}, fmt.Errorf("allowlist: %w", err)
	}
	if a.Version != 1 {
		return Allowlist{}, errors.New("allowlist: unsupported version")
	}
	if a.Entrypoints == nil {
		return Allowlist{}, errors.New("allowlist: missing entrypoints")
	}
	for name, ep := range a.Entrypoints {
		if strings.TrimSpace(name) == "" {
			return Allowlist{}, errors.New("allowlist: entrypoint name empty")
		}
		for i := range ep.Routes {
			r := &ep.Routes[i]
			if !strings.HasPrefix(r.Path, "/") {
				return Allowlist{}, fmt.Errorf("allowlist: %s route %q must start with /", name, r.Path)
			}
			for j, m := range r.Methods {
				m = strings.ToUpper(strings.TrimSpace(m))
				if !allowedMethods[m] {
					return Allowlist{}, fmt.Errorf("allowlist: %s route %s has unsupported method %q", name, r.Path, r.Methods[j])
				}
				r.Methods[j] = m
			}
		}
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}

// Routes returns the routes of one entrypoint.
func (a Allowlist) Routes(entrypoint string) ([]Route, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, fmt.Errorf("allowlist: missing entrypoint %q", entrypoint)
	}
	if len(ep.Routes) == 0 {
		return nil, fmt.Errorf("allowlist: entrypoint %q routes empty", entrypoint)
	}
	return ep.Routes, nil
}
