package protocol

import "time"

// Install endpoints answer 200 with a JSON array of log lines, whether the
// action succeeded or failed. These headers say which ledger row the lines
// belong to and how it ended.
const (
	HeaderRequestID     = "X-Provisioning-Request-Id"
	HeaderRequestStatus = "X-Provisioning-Request-Status"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeUnknownAction = "unknown_action"
	CodeUnknownTarget = "unknown_target"
	CodeConflict      = "conflict"
	CodeInvalidQuery  = "invalid_query"
	CodeNotFound      = "not_found"
	CodeInternal      = "internal"
	CodeShuttingDown  = "shutting_down"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error           string `json:"error"`
	Code            string `json:"code"`
	ActiveRequestID int64  `json:"active_request_id,omitempty"`
}

// RequestView is a ledger row as served by the read API.
type RequestView struct {
	ID         int64      `json:"id"`
	TargetID   string     `json:"target_id"`
	TargetKind string     `json:"target_kind"`
	Action     string     `json:"action"`
	Family     string     `json:"family"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
}

// ActionView describes one catalog action.
type ActionView struct {
	Name          string   `json:"name"`
	Endpoint      string   `json:"endpoint"`
	Family        string   `json:"family"`
	Idempotency   string   `json:"idempotency"`
	Description   string   `json:"description"`
	ConflictsWith []string `json:"conflicts_with"`
}

// HealthResponse is served by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
