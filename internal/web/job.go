package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a background scan
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error"
)

// Scan stages reported while a job runs.
const (
	StageConnecting = "connecting"
	StageScanning   = "scanning"
	StageSaving     = "saving"
)

// Job is one background scan started from the API.
type Job struct {
	ID            string
	SessionID     string
	Status        JobStatus
	Stage         string
	Emails        int
	Opportunities int
	ScanID        string
	StartedAt     time.Time
	CompletedAt   time.Time
	Error         string

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

func (j *Job) SetStage(stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = stage
}

// Complete marks the job as completed
func (j *Job) Complete(emails, opportunities int, scanID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = time.Now()
	j.Stage = ""
	j.Emails = emails
	j.Opportunities = opportunities
	j.ScanID = scanID
	j.cancelFunc()
}

// Fail stops the job with an error. A cancelled job stays cancelled.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusError
	j.CompletedAt = time.Now()
	j.Error = err.Error()
	j.Stage = ""
	j.cancelFunc()
}

// Cancel cancels the job
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == JobStatusRunning {
		j.Status = JobStatusCancelled
		j.CompletedAt = time.Now()
		j.Stage = ""
		j.cancelFunc()
	}
}

func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusRunning
}

// Context returns the job's context
func (j *Job) Context() context.Context {
	return j.ctx
}

// ToJSON returns the job data for JSON serialization
func (j *Job) ToJSON() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	data := map[string]interface{}{
		"id":            j.ID,
		"status":        j.Status,
		"stage":         j.Stage,
		"emails":        j.Emails,
		"opportunities": j.Opportunities,
		"started_at":    j.StartedAt,
	}
	if !j.CompletedAt.IsZero() {
		data["completed_at"] = j.CompletedAt
	}
	if j.ScanID != "" {
		data["scan_id"] = j.ScanID
	}
	if j.Error != "" {
		data["error"] = j.Error
	}
	return data
}

// JobManager manages background jobs
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*Job),
	}
}

// Create starts tracking a new running job for a session.
func (jm *JobManager) Create(sessionID string) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	job := &Job{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Status:     JobStatusRunning,
		Stage:      StageConnecting,
		StartedAt:  time.Now(),
		ctx:        ctx,
		cancelFunc: cancel,
	}

	jm.jobs[job.ID] = job
	return job
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return jm.jobs[id]
}

// GetActive returns the session's running job, or nil if none
func (jm *JobManager) GetActive(sessionID string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		if job.SessionID == sessionID && job.IsRunning() {
			return job
		}
	}
	return nil
}

// Cleanup removes finished jobs older than the specified duration
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		job.mu.Lock()
		done := job.Status != JobStatusRunning && job.CompletedAt.Before(cutoff)
		job.mu.Unlock()
		if done {
			delete(jm.jobs, id)
		}
	}
}

// CancelAll cancels every running job.
func (jm *JobManager) CancelAll() {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		job.Cancel()
	}
}
