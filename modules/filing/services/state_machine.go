package services

import "github.com/jacksonlee411/property-ledger/modules/filing/domain/types"

type edge struct {
	from types.Status
	to   types.Status
}

// transitionEdges lists every edge reachable through Transition. ARCHIVED is
// entered only through the archival path.
var transitionEdges = map[edge]bool{
	{types.StatusDraft, types.StatusValidated}:     true,
	{types.StatusDraft, types.StatusRejected}:      true,
	{types.StatusValidated, types.StatusSubmitted}: true,
	{types.StatusValidated, types.StatusRejected}:  true,
	{types.StatusSubmitted, types.StatusAccepted}:  true,
	{types.StatusSubmitted, types.StatusRejected}:  true,
	{types.StatusAccepted, types.StatusArchived}:   true,
}

func edgeAllowed(from types.Status, to types.Status) bool {
	return transitionEdges[edge{from: from, to: to}]
}

// checkEdgePreconditions enforces the data requirements attached to an edge,
// except DRAFT -> VALIDATED which runs the validator.
func checkEdgePreconditions(f types.Filing, to types.Status) *TransitionError {
	fail := func(reason string) *TransitionError {
		return &TransitionError{From: f.Status, To: to, Reason: reason}
	}
	switch {
	case f.Status == types.StatusValidated && to == types.StatusSubmitted:
		if f.Transport == nil || len(f.Transport.Body) == 0 {
			return fail(reasonTransportMissing)
		}
	case f.Status == types.StatusSubmitted && to == types.StatusAccepted:
		if f.IssuerResponse == nil || !f.IssuerResponse.Accepted {
			return fail(reasonIssuerNotAccepted)
		}
	case f.Status == types.StatusSubmitted && to == types.StatusRejected:
		if f.IssuerResponse == nil || f.IssuerResponse.Accepted {
			return fail(reasonIssuerNotRejected)
		}
	}
	return nil
}
