package server

import (
	"encoding/json"

	"briefline/internal/domain"
)

type SubmitJobRequest struct {
	FileID      string          `json:"file_id" example:"file-123"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type SubmitJobResponse struct {
	JobID   string  `json:"job_id"`
	Status  string  `json:"status" enum:"enqueued,already_queued,already_completed"`
	Summary *string `json:"summary,omitempty"`
}

type JobResponse struct {
	ID          string  `json:"id"`
	FileID      string  `json:"file_id"`
	ContentHash string  `json:"content_hash"`
	Priority    int     `json:"priority"`
	State       string  `json:"state"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Error       *string `json:"error,omitempty"`
	Result      *string `json:"result,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	LockedAt    *string `json:"locked_at,omitempty"`
	WorkerID    *string `json:"worker_id,omitempty"`
}

type JobDetailResponse struct {
	JobResponse
	Attempts []AttemptResponse `json:"attempt_history"`
}

type AttemptResponse struct {
	AttemptNo  int     `json:"attempt_no"`
	ProviderID *string `json:"provider_id,omitempty"`
	ModelID    *string `json:"model_id,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
	Success    bool    `json:"success"`
	Error      *string `json:"error,omitempty"`
}

type paginatedJobs struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type ProviderResponse struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Priority int     `json:"priority"`
	Enabled  bool    `json:"enabled"`
	Gated    bool    `json:"gated"`
	Until    *string `json:"gated_until,omitempty"`
	Reason   *string `json:"gate_reason,omitempty"`
}

type StatsResponse struct {
	Jobs  map[string]int `json:"jobs"`
	Gated int            `json:"gated_providers"`
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		FileID:      j.FileID,
		ContentHash: j.ContentHash,
		Priority:    j.Priority,
		State:       string(j.State),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		LockedAt:    j.LockedAt,
		WorkerID:    j.WorkerID,
	}
}

func mapJobs(items []domain.Job) []JobResponse {
	res := make([]JobResponse, 0, len(items))
	for _, j := range items {
		res = append(res, jobResponse(j))
	}
	return res
}

func attemptResponse(a domain.JobAttempt) AttemptResponse {
	return AttemptResponse{
		AttemptNo:  a.AttemptNo,
		ProviderID: a.ProviderID,
		ModelID:    a.ModelID,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
		Success:    a.Success,
		Error:      a.Error,
	}
}
