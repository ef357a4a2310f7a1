package ctxutil

import "github.com/google/uuid"

// AuditMeta carries the metadata needed to build a mutation audit entry.
// It lives in ctxutil so both server and mcp packages can populate it
// without circular imports.
type AuditMeta struct {
	RequestID   string
	OrgID       uuid.UUID
	ActorUserID *uuid.UUID
	ActorRole   string
	HTTPMethod  string
	Endpoint    string
	IPAddress   string
	UserAgent   string
}
