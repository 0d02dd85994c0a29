package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/internal/routing"
	"github.com/jacksonlee411/property-ledger/modules/filing/services"
	"github.com/jacksonlee411/property-ledger/pkg/authz"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

const (
	codeBadJSON       = "BAD_JSON"
	codeActorRequired = "ACTOR_REQUIRED"
	maxBodyBytes      = 8 << 20
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrRetentionActive):
		return http.StatusLocked
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case httperr.IsBadRequest(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(err error) any {
	if te, ok := errors.AsType[*services.TransitionError](err); ok {
		return map[string]any{"from": te.From, "to": te.To, "reason": te.Reason}
	}
	if se, ok := errors.AsType[*services.StateError](err); ok {
		return map[string]any{"op": se.Op, "status": se.Status}
	}
	if field := httperr.FieldOf(err); field != "" {
		return map[string]any{"field": field}
	}
	return nil
}

// writeServiceError hides the text of unexpected errors; everything else is
// a domain rejection the caller can act on.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := statusForError(err)
	code := services.ErrorCode(err)
	if status == http.StatusInternalServerError {
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.String("trace_id", routing.TraceIDFromRequest(r)),
		)
		routing.WriteError(w, r, status, code, "internal error")
		return
	}
	routing.WriteErrorDetails(w, r, status, code, err.Error(), errorDetails(err))
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, dst)
}

func actorOrReject(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := routing.CurrentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, http.StatusUnauthorized, codeActorRequired, "actor required")
		return authz.Actor{}, false
	}
	return actor, true
}
