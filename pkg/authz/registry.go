package authz

const (
	RoleAnonymous         = "anonymous"
	RolePropertyManager   = "property-manager"
	RoleAccountant        = "accountant"
	RoleComplianceOfficer = "compliance-officer"
)

const (
	ActionRead         = "read"
	ActionWrite        = "write"
	ActionTransition   = "transition"
	ActionArchive      = "archive"
	ActionForceArchive = "force_archive"
	ActionBulk         = "bulk"
	ActionPurge        = "purge"
)

const DomainGlobal = "global"

const (
	ObjectFiling     = "filing"
	ObjectCompliance = "compliance"
)
