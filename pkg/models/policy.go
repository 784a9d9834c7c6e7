package models

import "time"

// Capability constants for policy path rules. Paths have the form
// workspaces/<workspace>/environments/<environment>.
const (
	CapRead    = "read"
	CapSubmit  = "submit"
	CapApprove = "approve"
	CapMerge   = "merge"
	CapSudo    = "sudo"
)

// PathRule defines what capabilities are allowed on a path.
type PathRule struct {
	Capabilities []string `json:"capabilities"`
}

// HasCapability returns true if the path rule grants the given capability.
func (p PathRule) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap || c == CapSudo {
			return true
		}
	}
	return false
}

// Policy is a named set of path-based access rules.
type Policy struct {
	Name      string              `json:"name"`
	Rules     map[string]PathRule `json:"path"` // path glob → capabilities
	CreatedAt time.Time           `json:"created_at,omitempty"`
	UpdatedAt time.Time           `json:"updated_at,omitempty"`
}

// AuditEntry records a single request or workflow event.
type AuditEntry struct {
	ID             int64          `json:"id"`
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	TokenHash      string         `json:"token_hash,omitempty"`
	Operation      string         `json:"operation"`
	Path           string         `json:"path"`
	Status         string         `json:"status"`
	ResponseCode   int            `json:"response_code,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms,omitempty"`
	ClientIP       string         `json:"client_ip,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
