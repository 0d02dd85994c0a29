package ids

import (
	"strings"

	"github.com/google/uuid"
)

var (
	// AuditNamespace seeds deterministic audit entry ids so a retried append
	// of the same state change collapses onto one row.
	AuditNamespace = uuid.Must(uuid.Parse("0f5f7a3e-3c57-4f8e-9d0c-5b7e2a1d6c41"))
	// ExportNamespace seeds export job ids derived from filing id + fingerprint.
	ExportNamespace = uuid.Must(uuid.Parse("a3c1e2d4-81b6-4c0e-b7f2-9e4d5a6b7c80"))
)

// New returns a time-ordered UUIDv7 string.
func New() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Deterministic returns a name-based (SHA-1) UUID over the joined parts.
func Deterministic(namespace uuid.UUID, parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, ":"))).String()
}
