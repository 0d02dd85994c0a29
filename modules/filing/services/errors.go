package services

import (
	"errors"
	"fmt"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
	"github.com/jacksonlee411/property-ledger/pkg/httperr"
)

const (
	CodeNotFound            = "FILING_NOT_FOUND"
	CodeConflict            = "FILING_REVISION_CONFLICT"
	CodeInvalidTransition   = "FILING_INVALID_TRANSITION"
	CodeInvalidState        = "FILING_INVALID_STATE"
	CodeValidationFailed    = "FILING_VALIDATION_FAILED"
	CodeForbidden           = "FORBIDDEN"
	CodeRetentionActive     = "RETENTION_PERIOD_ACTIVE"
	CodeSnapshotWriteFailed = "ARCHIVE_SNAPSHOT_WRITE_FAILED"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeInternal            = "INTERNAL_ERROR"

	reasonTransportMissing   = "TRANSPORT_DOCUMENT_MISSING"
	reasonIssuerNotAccepted  = "ISSUER_RESPONSE_NOT_ACCEPTED"
	reasonIssuerNotRejected  = "ISSUER_RESPONSE_NOT_REJECTED"
	reasonArchiveViaArchival = "ARCHIVE_REQUIRES_ACCEPTED"
	reasonEdgeNotAllowed     = "EDGE_NOT_ALLOWED"
)

var (
	ErrNotFound          = errors.New(CodeNotFound)
	ErrConflict          = errors.New(CodeConflict)
	ErrInvalidTransition = errors.New(CodeInvalidTransition)
	ErrInvalidState      = errors.New(CodeInvalidState)
	ErrForbidden         = errors.New(CodeForbidden)
	ErrRetentionActive   = errors.New(CodeRetentionActive)
	ErrSnapshotWrite     = errors.New(CodeSnapshotWriteFailed)
	ErrValidationFailed  = errors.New(CodeValidationFailed)
)

// TransitionError reports an illegal or unmet edge of the filing state machine.
type TransitionError struct {
	From   types.Status
	To     types.Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", CodeInvalidTransition, e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StateError reports an operation other than a transition that the filing's
// current status does not permit.
type StateError struct {
	Op     string
	Status types.Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s not permitted in status %s", CodeInvalidState, e.Op, e.Status)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// ErrorCode maps an error onto the stable code surfaced to callers and batch reports.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrRetentionActive):
		return CodeRetentionActive
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrSnapshotWrite):
		return CodeSnapshotWriteFailed
	case httperr.IsBadRequest(err):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
