package poll

import (
	"time"

	"github.com/phrazzld/glyph-api/internal/task"
)

// Snapshot is the client view of a task returned by the result endpoint.
type Snapshot struct {
	TaskID         string          `json:"task_id"`
	Status         task.Status     `json:"status"`
	Success        *bool           `json:"success"`
	Results        []task.ImageJob `json:"partial_results"`
	TargetLanguage string          `json:"target_language"`

	CompletedImages    int     `json:"completed_images"`
	FailedImages       int     `json:"failed_images"`
	TotalImages        int     `json:"total_images"`
	ProgressPercentage float64 `json:"progress_percentage"`

	// TranslatedText mirrors the only result of single image tasks
	TranslatedText string `json:"translated_text,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessingTime *float64   `json:"processing_time,omitempty"`
	Error          string     `json:"error,omitempty"`

	// EstimatedWaitTime is in seconds and null once the task is terminal
	EstimatedWaitTime *float64 `json:"estimated_wait_time"`

	// Since is the fingerprint to send back on the next poll
	Since Fingerprint `json:"since"`
}

func newSnapshot(t *task.Task) *Snapshot {
	s := &Snapshot{
		TaskID:          t.ID,
		Status:          t.Status,
		Results:         t.Jobs,
		TargetLanguage:  t.TargetLanguage,
		CompletedImages: t.CompletedImages,
		FailedImages:    t.FailedImages,
		TotalImages:     t.TotalImages,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		Error:           t.Error,
		Since:           FingerprintOf(t),
	}
	if s.Results == nil {
		s.Results = []task.ImageJob{}
	}
	if t.TotalImages > 0 {
		s.ProgressPercentage = float64(t.CompletedImages) / float64(t.TotalImages) * 100
	}
	if t.TotalImages == 1 && len(t.Jobs) == 1 {
		s.TranslatedText = t.Jobs[0].TranslatedText
	}
	if t.Terminal() {
		success := t.Status == task.StatusCompleted
		s.Success = &success
		elapsed := t.ProcessingTime
		s.ProcessingTime = &elapsed
	}
	return s
}
