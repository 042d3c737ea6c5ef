package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/phrazzld/glyph-api/internal/events"
	"github.com/phrazzld/glyph-api/internal/store"
	"github.com/phrazzld/glyph-api/internal/task"
)

// Open connects to url with the pgx driver and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Archive stores finished task snapshots.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ events.EventHandler = (*Archive)(nil)

// NewArchive creates an Archive over db.
func NewArchive(db *sql.DB, logger *slog.Logger) *Archive {
	return &Archive{
		db:     db,
		logger: logger.With("component", "task_archive"),
	}
}

const upsertTaskQuery = `
	INSERT INTO task_archive (
		task_id, target_language, status, total_images, completed_images,
		failed_images, error, processing_time, created_at, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (task_id) DO UPDATE SET
		status = EXCLUDED.status,
		completed_images = EXCLUDED.completed_images,
		failed_images = EXCLUDED.failed_images,
		error = EXCLUDED.error,
		processing_time = EXCLUDED.processing_time,
		completed_at = EXCLUDED.completed_at,
		archived_at = NOW()
`

const deleteResultsQuery = `DELETE FROM task_archive_results WHERE task_id = $1`

const insertResultQuery = `
	INSERT INTO task_archive_results (
		task_id, image_index, status, mime_type, translated_text, error,
		processing_time, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Save writes the snapshot of a finished task and its results. Saving the
// same task again replaces the earlier copy.
func (a *Archive) Save(ctx context.Context, t *task.Task) error {
	if t == nil || !t.Terminal() {
		return fmt.Errorf("%w: only finished tasks are archived", store.ErrInvalidEntity)
	}

	err := store.RunInTransaction(ctx, a.db, func(ctx context.Context, tx *sql.Tx) error {
		return saveTask(ctx, tx, t)
	})
	if err != nil {
		return store.NewStoreError("task", "archive", MapError(err))
	}

	a.logger.DebugContext(ctx, "task archived", "task_id", t.ID, "status", t.Status)
	return nil
}

func saveTask(ctx context.Context, db store.DBTX, t *task.Task) error {
	if _, err := db.ExecContext(ctx, upsertTaskQuery,
		t.ID,
		t.TargetLanguage,
		string(t.Status),
		t.TotalImages,
		t.CompletedImages,
		t.FailedImages,
		t.Error,
		t.ProcessingTime,
		t.CreatedAt,
		nullTime(t.CompletedAt),
	); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, deleteResultsQuery, t.ID); err != nil {
		return err
	}

	for _, job := range t.Jobs {
		if _, err := db.ExecContext(ctx, insertResultQuery,
			t.ID,
			job.Index,
			string(job.Status),
			job.MIMEType,
			job.TranslatedText,
			job.Error,
			job.ProcessingTime,
			nullTime(job.CompletedAt),
		); err != nil {
			return err
		}
	}
	return nil
}

const selectTaskQuery = `
	SELECT task_id, target_language, status, total_images, completed_images,
		failed_images, error, processing_time, created_at, completed_at
	FROM task_archive
	WHERE task_id = $1
`

const selectResultsQuery = `
	SELECT image_index, status, mime_type, translated_text, error,
		processing_time, completed_at
	FROM task_archive_results
	WHERE task_id = $1
	ORDER BY image_index
`

// Get loads an archived task with its results in index order.
func (a *Archive) Get(ctx context.Context, id string) (*task.Task, error) {
	var (
		t           task.Task
		status      string
		completedAt sql.NullTime
	)
	err := a.db.QueryRowContext(ctx, selectTaskQuery, id).Scan(
		&t.ID,
		&t.TargetLanguage,
		&status,
		&t.TotalImages,
		&t.CompletedImages,
		&t.FailedImages,
		&t.Error,
		&t.ProcessingTime,
		&t.CreatedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrArchivedTaskNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("task", "load archived", MapError(err))
	}
	t.Status = task.Status(status)
	t.CompletedAt = timePtr(completedAt)

	rows, err := a.db.QueryContext(ctx, selectResultsQuery, id)
	if err != nil {
		return nil, store.NewStoreError("task", "load archived results", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	t.Jobs = make([]task.ImageJob, 0, t.TotalImages)
	for rows.Next() {
		var (
			job       task.ImageJob
			jobStatus string
			finished  sql.NullTime
		)
		if err := rows.Scan(
			&job.Index,
			&jobStatus,
			&job.MIMEType,
			&job.TranslatedText,
			&job.Error,
			&job.ProcessingTime,
			&finished,
		); err != nil {
			return nil, store.NewStoreError("task", "scan archived result", err)
		}
		job.Status = task.Status(jobStatus)
		job.CompletedAt = timePtr(finished)
		t.Jobs = append(t.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task", "read archived results", err)
	}
	return &t, nil
}

// HandleEvent archives the snapshot carried by task.finished events and
// ignores every other event.
func (a *Archive) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	if event.Type != events.TypeTaskFinished {
		return nil
	}

	var t task.Task
	if err := event.UnmarshalPayload(&t); err != nil {
		return fmt.Errorf("decode finished task %s: %w", event.TaskID, err)
	}
	if err := a.Save(ctx, &t); err != nil {
		a.logger.ErrorContext(ctx, "failed to archive task", "task_id", event.TaskID, "error", err)
		return err
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
