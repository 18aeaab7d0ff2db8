package domain

import (
	"time"

	"resume-docgen/internal/model"

	"github.com/google/uuid"
)

// KindResumeRender is the only job kind this service produces.
const KindResumeRender = "resume.render"

const (
	MinPriority = 0
	MaxPriority = 100
)

type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transition (other than deletion) is possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// RenderPayload is captured at enqueue time and never changes afterwards.
type RenderPayload struct {
	Resume       model.Resume `json:"resumeSnapshot"`
	TemplateName string       `json:"templateName"`
	RequesterID  string       `json:"requesterId"`
	ResumeID     string       `json:"resumeId"`
}

type RenderJob struct {
	ID          uuid.UUID     `json:"id"`
	Kind        string        `json:"kind"`
	Payload     RenderPayload `json:"payload"`
	State       JobState      `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Priority    int           `json:"priority"`
	WorkerID    string        `json:"worker_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	RunAt       time.Time     `json:"run_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Result      string        `json:"result,omitempty"`
	ErrorReason string        `json:"error_reason,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Lease returns the ownership token for the current claim of j.
func (j *RenderJob) Lease() Lease {
	return Lease{JobID: j.ID, WorkerID: j.WorkerID, Attempt: j.Attempts, MaxAttempts: j.MaxAttempts}
}

// Lease identifies one claim of a job. Stores only accept a transition out of
// the active state when every field still matches the stored row, so a worker
// whose job was reclaimed cannot overwrite the newer state.
type Lease struct {
	JobID       uuid.UUID
	WorkerID    string
	Attempt     int
	MaxAttempts int
}

// StatusView is what pollers see.
type StatusView struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Progress *int   `json:"progress,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

const StatusNotFound = "not_found"

// View projects a job onto the status contract. Retry reasons stay hidden
// until the job has failed for good.
func (j *RenderJob) View() StatusView {
	v := StatusView{Status: string(j.State), Attempts: j.Attempts}
	progress := func(p int) *int { return &p }
	switch j.State {
	case StateQueued:
		v.Progress = progress(0)
	case StateActive:
		v.Progress = progress(50)
	case StateCompleted:
		v.Progress = progress(100)
		v.Result = j.Result
	case StateFailed:
		v.Error = j.ErrorReason
	}
	return v
}
