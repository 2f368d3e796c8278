package models

import "time"

// API lifecycle statuses as stored in the metadata store.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusError    = "error"
)

// API is one user-generated service: its code, dependencies, access
// secret and owner. The record is owned by the external metadata
// store; the gateway only reads it and updates the status column.
type API struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Name         string    `json:"name"`
	CodeSnapshot string    `json:"code_snapshot"`
	Requirements string    `json:"requirements"`
	Status       string    `json:"status"`
	APIKey       string    `json:"api_key"`
	UsageCount   int64     `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AccountPlan carries the owning account's tier and optional custom
// rate limit, which takes precedence over the tier default.
type AccountPlan struct {
	AccountID       string `json:"account_id"`
	Plan            string `json:"plan"`
	CustomRateLimit *int   `json:"custom_rate_limit,omitempty"`
}

// UsageLog is one append-only record of a forwarded request.
type UsageLog struct {
	APIID            string `json:"api_id"`
	AccountID        string `json:"account_id"`
	StatusCode       int    `json:"status_code"`
	ResponseTimeMs   int    `json:"response_time_ms"`
	RequestSizeBytes int64  `json:"request_size_bytes"`
}

// DeploymentInfo is the admin-facing view of one running deployment.
type DeploymentInfo struct {
	Port   int    `json:"port"`
	Status string `json:"status"`
	Image  string `json:"image"`
	Error  string `json:"error,omitempty"`
}
