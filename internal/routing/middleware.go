package routing

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/metrics"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
)

const (
	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeActorRequired    = "ACTOR_REQUIRED"
	codeForbidden        = "FORBIDDEN"
	codeAuthzError       = "AUTHZ_ERROR"
	codeRouteUnlisted    = "ROUTE_NOT_ALLOWLISTED"
	codeInternal         = "INTERNAL_ERROR"
)

func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, codeNotFound, "not found")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

func Recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					WriteError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WithRouteAuthz resolves the chi pattern of the request before dispatch and
// enforces the allowlisted permission for it. Unknown paths fall through to
// the router's not-found handling; a routed pattern missing from the
// allowlist is refused.
func WithRouteAuthz(classifier *Classifier, routes chi.Routes, decider authz.Decider, logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.NewRouteContext()
		if !routes.Match(rctx, r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		pattern := rctx.RoutePattern()
		req, ok := classifier.Classify(r.Method, pattern)
		if !ok {
			logger.Error("route not allowlisted", zap.String("method", r.Method), zap.String("pattern", pattern))
			WriteError(w, r, http.StatusInternalServerError, codeRouteUnlisted, "route not allowlisted")
			return
		}
		if req.Class == RouteClassOps {
			next.ServeHTTP(w, r)
			return
		}

		actor, ok := ActorFromHeaders(r)
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, codeActorRequired, "actor required")
			return
		}
		if decider == nil {
			WriteError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
			return
		}
		allowed, err := decider.CanPerform(r.Context(), actor, req.Permission, authz.DomainGlobal)
		if err != nil {
			logger.Error("authz decision failed", zap.Error(err), zap.String("pattern", pattern))
			WriteError(w, r, http.StatusInternalServerError, codeAuthzError, "authz error")
			return
		}
		if !allowed {
			WriteError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Instrument counts responses per route pattern.
func Instrument(collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			collector.HTTPRequest(route, r.Method, status)
		})
	}
}
