package models

import "time"

// Job represents one chat-completion request travelling through the queue.
type Job struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	ModelID       string         `json:"model_id,omitempty"`
	Status        string         `json:"status"` // "queued", "running", "completed", "failed", "cancelled"
	Priority      int            `json:"priority"`
	PriorityScore float64        `json:"priority_score"`
	BackendURL    string         `json:"backend_url,omitempty"`
	Request       map[string]any `json:"request,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ArchivedJob is a Job moved out of the active table after its retention window.
type ArchivedJob struct {
	Job
	ArchivedAt time.Time `json:"archived_at"`
}

// Job status constants
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Priority bounds for submitted jobs.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// IsTerminal reports whether the status admits no further transitions
// (other than an admin retry).
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ClampPriority bounds a submitted priority to the allowed range,
// substituting the default when unset.
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// JobFilter narrows list queries.
type JobFilter struct {
	Status  string
	ModelID string
}

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Model       string           `json:"model"`
	Messages    []map[string]any `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Priority    int              `json:"priority,omitempty"`
	MaxAttempts int              `json:"max_attempts,omitempty"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	ModelID   string    `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
}

// JobEvent is published to the owner's event stream on every status change.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}
