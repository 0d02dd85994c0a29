package types

import "time"

const (
	EntityTypeFiling          = "filing"
	EntityTypeComplianceCheck = "compliance_check"
)

const (
	ActionCreated                   = "created"
	ActionPayloadUpdated            = "payload_updated"
	ActionTransportDocumentAttached = "transport_document_attached"
	ActionIssuerResponseRecorded    = "issuer_response_recorded"
	ActionStatusChanged             = "status_changed"
	ActionValidated                 = "validated"
	ActionArchived                  = "archived"
	ActionSnapshotPurged            = "snapshot_purged"
	ActionComplianceChecked         = "compliance_checked"
)

type AuditEntry struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Changes    map[string]any `json:"changes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
