package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jacksonlee411/property-ledger/internal/routing"
	"github.com/jacksonlee411/property-ledger/modules/filing/presentation/controllers"
)

const healthTimeout = 2 * time.Second

// NewHandler mounts the filing API on a chi router and guards every routed
// pattern with its allowlisted permission.
func NewHandler(app *App) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	r := newRouter(app)
	return routing.WithRouteAuthz(classifier, r, app.Authorizer, app.Logger, r), nil
}

func newRouter(app *App) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(routing.Recoverer(app.Logger))
	r.Use(routing.Instrument(app.Metrics))
	r.NotFound(routing.NotFound)
	r.MethodNotAllowed(routing.MethodNotAllowed)

	r.Get("/healthz", app.handleHealth)
	r.Method(http.MethodGet, "/metrics", app.Metrics.Handler())

	controllers.FilingsController{
		Lifecycle:  app.Lifecycle,
		Archival:   app.Archival,
		Batch:      app.Batch,
		Authorizer: app.Authorizer,
		Logger:     app.Logger,
	}.Routes(r)
	controllers.ComplianceController{
		Compliance: app.Compliance,
		Logger:     app.Logger,
	}.Routes(r)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := a.Ping(ctx); err != nil {
		routing.WriteError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "store unavailable")
		return
	}
	routing.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}
