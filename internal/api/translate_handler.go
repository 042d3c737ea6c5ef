package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/glyph-api/internal/api/shared"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/poll"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/translation"
)

// AllowedMIMETypes are the image formats accepted for translation.
var AllowedMIMETypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
}

// multipart overhead allowed on top of the total file budget
const formOverhead = 1 << 20

// TaskService is the part of the task store used by the translate handler.
type TaskService interface {
	CreateTask(ctx context.Context, images []task.Image, targetLanguage string) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	EstimateWait(ctx context.Context, remaining, capacity int) (time.Duration, error)
}

// ResultWaiter long-polls task progress.
type ResultWaiter interface {
	Wait(ctx context.Context, taskID string, since poll.Fingerprint, maxWait time.Duration) (*poll.Snapshot, error)
	MaxWait() time.Duration
}

// Streamer serves the websocket progress stream of one task.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, taskID string)
}

// UploadLimits bound a single submission.
type UploadLimits struct {
	MaxImages     int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// DefaultUploadLimits returns 10 images of up to 10 MiB each, 50 MiB total.
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		MaxImages:     10,
		MaxFileBytes:  10 << 20,
		MaxTotalBytes: 50 << 20,
	}
}

// submitRequest is a parsed and sniffed submission.
type submitRequest struct {
	Images   []task.Image `form:"files" validate:"required,min=1"`
	Language string       `form:"target_language" validate:"required"`
}

// TranslateHandler serves the /api/translate routes.
type TranslateHandler struct {
	tasks    TaskService
	results  ResultWaiter
	stream   Streamer
	capacity func() int
	limits   UploadLimits
	logger   *slog.Logger
}

// NewTranslateHandler creates a TranslateHandler. capacity reports the
// number of local workers, used for wait estimates.
func NewTranslateHandler(
	tasks TaskService,
	results ResultWaiter,
	stream Streamer,
	capacity func() int,
	limits UploadLimits,
	logger *slog.Logger,
) *TranslateHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TranslateHandler")
	}
	return &TranslateHandler{
		tasks:    tasks,
		results:  results,
		stream:   stream,
		capacity: capacity,
		limits:   limits,
		logger:   logger.With(slog.String("component", "translate_handler")),
	}
}

// Routes mounts the handler under a router.
func (h *TranslateHandler) Routes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/languages", h.Languages)
	r.Get("/result/{task_id}", h.Result)
	r.Get("/stream/{task_id}", h.Stream)
}

// Submit handles POST /api/translate. It accepts multipart "files" (or the
// legacy single "file") and an optional "target_language", and answers 202
// once the task is queued.
func (h *TranslateHandler) Submit(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	req, err := h.parseSubmission(w, r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		var fields shared.FieldErrors
		if errors.As(err, &fields) && fields.Has("files") {
			err = invalid("No file(s) provided")
		} else {
			err = invalid("Invalid submission")
		}
		HandleAPIError(w, r, err, "")
		return
	}

	t, err := h.tasks.CreateTask(r.Context(), req.Images, req.Language)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create translation task")
		return
	}

	estimate, err := h.tasks.EstimateWait(r.Context(), len(req.Images), h.capacity())
	if err != nil {
		// the task is already queued; an estimate is best effort
		log.Warn("failed to estimate wait time", "task_id", t.ID, "error", err)
	}

	log.Info("created translation task",
		slog.String("task_id", t.ID),
		slog.String("target_language", req.Language),
		slog.Int("total_images", len(req.Images)),
		slog.Duration("estimated_wait", estimate))

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitResponse{
		TaskID:                  t.ID,
		Status:                  task.StatusPending,
		EstimatedProcessingTime: estimate.Seconds(),
		TotalImages:             len(req.Images),
		TargetLanguage:          req.Language,
	})
}

func (h *TranslateHandler) parseSubmission(w http.ResponseWriter, r *http.Request) (*submitRequest, error) {
	limit := h.limits.MaxTotalBytes + formOverhead
	if r.ContentLength > limit {
		return nil, tooLarge("Total files too large. Maximum total size: %d bytes", h.limits.MaxTotalBytes)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge("Total files too large. Maximum total size: %d bytes", h.limits.MaxTotalBytes)
		}
		return nil, invalid("Invalid multipart form")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	lang := translation.Language{Name: translation.DefaultLanguage}
	if raw := r.FormValue("target_language"); strings.TrimSpace(raw) != "" {
		var ok bool
		if lang, ok = translation.LookupLanguage(raw); !ok {
			return nil, invalid("Unsupported target language: %s", raw)
		}
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		return nil, invalid("No file(s) provided")
	}
	if len(files) > h.limits.MaxImages {
		return nil, invalid("Maximum %d images allowed per request", h.limits.MaxImages)
	}

	images := make([]task.Image, 0, len(files))
	var total int64
	for i, fh := range files {
		data, err := h.readFile(i+1, fh)
		if err != nil {
			return nil, err
		}
		total += int64(len(data))
		if total > h.limits.MaxTotalBytes {
			return nil, tooLarge("Total files too large. Maximum total size: %d bytes", h.limits.MaxTotalBytes)
		}

		mime, ok := sniff(data)
		if !ok {
			return nil, invalid("Invalid file type for file %d: %s. Allowed types: %s",
				i+1, mime, strings.Join(AllowedMIMETypes, ", "))
		}
		images = append(images, task.Image{Data: data, MIMEType: mime})
	}

	return &submitRequest{Images: images, Language: lang.Name}, nil
}

// readFile reads upload n (1-based) within the per-file limit.
func (h *TranslateHandler) readFile(n int, fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > h.limits.MaxFileBytes {
		return nil, tooLarge("File %d too large. Maximum size: %d bytes", n, h.limits.MaxFileBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, invalid("Unable to read file %d", n)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, h.limits.MaxFileBytes+1))
	if err != nil {
		return nil, invalid("Unable to read file %d", n)
	}
	if int64(len(data)) > h.limits.MaxFileBytes {
		return nil, tooLarge("File %d too large. Maximum size: %d bytes", n, h.limits.MaxFileBytes)
	}
	if len(data) == 0 {
		return nil, invalid("File %d is empty", n)
	}
	return data, nil
}

// sniff detects the MIME type from content and reports whether it is an
// accepted image format.
func sniff(data []byte) (string, bool) {
	detected := mimetype.Detect(data)
	for _, allowed := range AllowedMIMETypes {
		if detected.Is(allowed) {
			return allowed, true
		}
	}
	return detected.String(), false
}

// Result handles GET /api/translate/result/{task_id}. The optional timeout
// query parameter is in seconds and capped by the poller; timeout=0 answers
// with the current state at once. since is the fingerprint from a previous
// response.
func (h *TranslateHandler) Result(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	maxWait := h.results.MaxWait()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			HandleAPIError(w, r, invalid("Invalid timeout parameter"), "")
			return
		}
		maxWait = time.Duration(secs * float64(time.Second))
	}

	since, err := poll.ParseFingerprint(r.URL.Query().Get("since"))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	snap, err := h.results.Wait(r.Context(), taskID, since, maxWait)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away; nobody to answer
			return
		}
		HandleAPIError(w, r, err, "Error checking task status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, snap)
}

// Languages handles GET /api/translate/languages.
func (h *TranslateHandler) Languages(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, LanguagesResponse{
		Languages: translation.Languages(),
		Default:   translation.DefaultLanguage,
	})
}

// Stream handles GET /api/translate/stream/{task_id}. Unknown tasks get a
// plain 404 before any upgrade.
func (h *TranslateHandler) Stream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if _, err := h.tasks.GetTask(r.Context(), taskID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	h.stream.Serve(w, r, taskID)
}
