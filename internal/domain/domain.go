package domain

import "encoding/json"

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobDead       JobState = "dead"
)

// Terminal reports whether a state permits no further transitions.
// failed is re-enqueueable and therefore not terminal.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobDead
}

type Provider struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credential string `json:"-"`
	Priority   int    `json:"priority"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Model struct {
	ID             string `json:"id"`
	ProviderID     string `json:"provider_id"`
	ModelName      string `json:"model_name"`
	PerMinuteLimit int    `json:"per_minute_limit"`
	PerDayLimit    int    `json:"per_day_limit"`
	Enabled        bool   `json:"enabled"`
}

// Candidate is a dispatchable (provider, model) pair as surfaced by
// ListActiveModels: the model joined with the owning provider's name,
// credential and priority.
type Candidate struct {
	Model
	ProviderName     string `json:"provider_name"`
	Credential       string `json:"-"`
	ProviderPriority int    `json:"provider_priority"`
}

type Job struct {
	ID          string          `json:"id"`
	FileID      string          `json:"file_id"`
	DedupeKey   string          `json:"dedupe_key"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	State       JobState        `json:"state" enum:"queued,processing,succeeded,failed,dead"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       *string         `json:"error,omitempty"`
	Result      *string         `json:"result,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
	LockedAt    *string         `json:"locked_at,omitempty" format:"date-time"`
	WorkerID    *string         `json:"worker_id,omitempty"`
}

type JobAttempt struct {
	ID         int64   `json:"id"`
	JobID      string  `json:"job_id"`
	AttemptNo  int     `json:"attempt_no"`
	ProviderID *string `json:"provider_id,omitempty"`
	ModelID    *string `json:"model_id,omitempty"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	Success    bool    `json:"success"`
	Error      *string `json:"error,omitempty"`
}

type ProviderBackoff struct {
	ProviderID string `json:"provider_id"`
	Until      string `json:"until" format:"date-time"`
	Reason     string `json:"reason"`
}

type EnqueueStatus string

const (
	EnqueueEnqueued         EnqueueStatus = "enqueued"
	EnqueueAlreadyQueued    EnqueueStatus = "already_queued"
	EnqueueAlreadyCompleted EnqueueStatus = "already_completed"
)

type EnqueueResult struct {
	JobID  string        `json:"job_id"`
	Status EnqueueStatus `json:"status" enum:"enqueued,already_queued,already_completed"`
	Result *string       `json:"result,omitempty"`
}
