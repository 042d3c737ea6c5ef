package task

import (
	"time"
)

// Status represents the current state of a task or one of its image jobs
type Status string

// Possible status values
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Image is one uploaded payload submitted for translation.
type Image struct {
	Data     []byte
	MIMEType string
}

// ImageJob is the translation unit for a single image within a task.
type ImageJob struct {
	Index          int        `json:"index"`
	Status         Status     `json:"status"`
	MIMEType       string     `json:"mime_type,omitempty"`
	TranslatedText string     `json:"translated_text,omitempty"`
	Error          string     `json:"error,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	// ProcessingTime is in seconds
	ProcessingTime float64 `json:"processing_time,omitempty"`
	Attempts       int     `json:"attempts,omitempty"`
}

// Task is a client submission covering one or more images and a single
// target language. Jobs are always ordered by index.
type Task struct {
	ID                string     `json:"task_id"`
	TargetLanguage    string     `json:"target_language"`
	Status            Status     `json:"status"`
	Jobs              []ImageJob `json:"jobs"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
	RetentionDeadline time.Time  `json:"retention_deadline"`
	// ProcessingTime is the wall time from creation to the last job, in seconds
	ProcessingTime  float64 `json:"processing_time,omitempty"`
	CompletedImages int     `json:"completed_images"`
	FailedImages    int     `json:"failed_images"`
	TotalImages     int     `json:"total_images"`
}

// Terminal reports whether every job has finished.
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// Remaining returns the number of jobs that have not finished yet.
func (t *Task) Remaining() int {
	return t.TotalImages - t.CompletedImages
}

// Claim is a job handed to a worker under a lease.
type Claim struct {
	TaskID   string
	Index    int
	Payload  []byte
	MIMEType string
	Language string
	Attempts int
}

// Outcome is the result of executing one image job. A non-empty Error marks
// the job failed.
type Outcome struct {
	Text           string
	Error          string
	ProcessingTime time.Duration
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// JobCompleted is the payload of a job.completed event.
type JobCompleted struct {
	Index     int    `json:"index"`
	Status    Status `json:"status"`
	Completed int    `json:"completed_images"`
	Total     int    `json:"total_images"`
}

// QueueStats describes the work queue at a point in time.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"processing"`
	Total    int64 `json:"total"`
}

// ReapResult counts what a reaper sweep did.
type ReapResult struct {
	Requeued int
	Deleted  int
}
