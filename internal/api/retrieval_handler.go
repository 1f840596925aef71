package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/api/shared"
	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/service"
)

// maxMultipartMemory is the part of a multipart upload kept in memory; the
// rest spills to temporary files.
const maxMultipartMemory = 32 << 20

// TaskService is the part of the retrieval service the HTTP surface uses.
type TaskService interface {
	CreateTask(ctx context.Context, cmd command.CreateRetrievalTask) (service.TaskView, error)
	StartTask(ctx context.Context, cmd command.StartRetrievalTask) (service.TaskView, error)
	CompleteTask(ctx context.Context, cmd command.CompleteRetrievalTask) (service.TaskView, error)
	FailTask(ctx context.Context, cmd command.FailRetrievalTask) (service.TaskView, error)
	StoreImage(ctx context.Context, cmd command.StoreImage) (service.ImageView, error)
	StoreImageBatch(ctx context.Context, cmd command.StoreImageBatch) (service.BatchView, error)
	GetTask(ctx context.Context, id uuid.UUID) (service.TaskView, error)
	GetPendingTasks(ctx context.Context) ([]service.TaskView, error)
	GetTasksBySource(ctx context.Context, sourceID string, limit int) ([]service.TaskView, error)
	GetTasksByBatch(ctx context.Context, batchID string) ([]service.TaskView, error)
	GetImagesByTask(ctx context.Context, taskID uuid.UUID) ([]service.ImageView, error)
}

// ImageCompensator deletes images on behalf of a saga.
type ImageCompensator interface {
	DeleteRetrievedImage(ctx context.Context, cmd command.DeleteRetrievedImage) (service.DeletionView, error)
}

// CompleteTaskRequest is the body of POST /tasks/{id}/complete.
type CompleteTaskRequest struct {
	SuccessfulImages int            `json:"successful_images"`
	FailedImages     int            `json:"failed_images"`
	Details          map[string]any `json:"details,omitempty"`
}

// FailTaskRequest is the body of POST /tasks/{id}/fail.
type FailTaskRequest struct {
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}

// StoreImageBatchRequest is the body of POST /tasks/{id}/images/batch.
type StoreImageBatchRequest struct {
	Images []command.ImageUpload `json:"images"`
}

// RetrievalHandler serves the task and image endpoints.
type RetrievalHandler struct {
	tasks        TaskService
	compensation ImageCompensator
	logger       *slog.Logger
}

// NewRetrievalHandler creates a RetrievalHandler.
func NewRetrievalHandler(tasks TaskService, compensation ImageCompensator, log *slog.Logger) *RetrievalHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RetrievalHandler{
		tasks:        tasks,
		compensation: compensation,
		logger:       log.With(slog.String("component", "retrieval_handler")),
	}
}

// Routes mounts the endpoints on r.
func (h *RetrievalHandler) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Post("/start", h.StartTask)
			r.Post("/complete", h.CompleteTask)
			r.Post("/fail", h.FailTask)
			r.Get("/images", h.ListImages)
			r.Post("/images", h.StoreImage)
			r.Post("/images/batch", h.StoreImageBatch)
			r.Delete("/images/{image_id}", h.DeleteImage)
		})
	})
}

// CreateTask handles POST /tasks.
func (h *RetrievalHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var cmd command.CreateRetrievalTask
	if err := shared.DecodeJSON(w, r, &cmd); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	view, err := h.tasks.CreateTask(r.Context(), cmd)
	h.respond(w, r, http.StatusCreated, view, err, "Failed to create task")
}

// ListTasks handles GET /tasks. Without filters it lists pending tasks;
// source_id (with an optional limit) or batch_id narrow the listing.
func (h *RetrievalHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		views []service.TaskView
		err   error
	)
	switch {
	case q.Get("source_id") != "":
		var limit int
		if limit, err = queryInt(r, "limit", 0); err == nil {
			views, err = h.tasks.GetTasksBySource(r.Context(), q.Get("source_id"), limit)
		}
	case q.Get("batch_id") != "":
		views, err = h.tasks.GetTasksByBatch(r.Context(), q.Get("batch_id"))
	default:
		views, err = h.tasks.GetPendingTasks(r.Context())
	}
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, views)
}

// GetTask handles GET /tasks/{id}.
func (h *RetrievalHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// StartTask handles POST /tasks/{id}/start.
func (h *RetrievalHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.tasks.StartTask(r.Context(), command.StartRetrievalTask{TaskID: id})
	h.respond(w, r, http.StatusOK, view, err, "Failed to start task")
}

// CompleteTask handles POST /tasks/{id}/complete.
func (h *RetrievalHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req CompleteTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	view, err := h.tasks.CompleteTask(r.Context(), command.CompleteRetrievalTask{
		TaskID:           id,
		SuccessfulImages: req.SuccessfulImages,
		FailedImages:     req.FailedImages,
		Details:          req.Details,
	})
	h.respond(w, r, http.StatusOK, view, err, "Failed to complete task")
}

// FailTask handles POST /tasks/{id}/fail.
func (h *RetrievalHandler) FailTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req FailTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	view, err := h.tasks.FailTask(r.Context(), command.FailRetrievalTask{
		TaskID:       id,
		ErrorMessage: req.ErrorMessage,
		Details:      req.Details,
	})
	h.respond(w, r, http.StatusOK, view, err, "Failed to fail task")
}

// StoreImage handles POST /tasks/{id}/images as a multipart upload with a
// "file" part and format, modality, region, dimensions and filename fields.
// The filename field defaults to the name of the uploaded file.
func (h *RetrievalHandler) StoreImage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	upload, err := readMultipartUpload(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	view, err := h.tasks.StoreImage(r.Context(), command.StoreImage{TaskID: id, ImageUpload: upload})
	h.respond(w, r, http.StatusCreated, view, err, "Failed to store image")
}

// StoreImageBatch handles POST /tasks/{id}/images/batch.
func (h *RetrievalHandler) StoreImageBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req StoreImageBatchRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	view, err := h.tasks.StoreImageBatch(r.Context(), command.StoreImageBatch{TaskID: id, Images: req.Images})
	h.respond(w, r, http.StatusCreated, view, err, "Failed to store images")
}

// ListImages handles GET /tasks/{id}/images.
func (h *RetrievalHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	views, err := h.tasks.GetImagesByTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list images")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, views)
}

// DeleteImage handles DELETE /tasks/{id}/images/{image_id}. The reason query
// parameter is optional.
func (h *RetrievalHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	imageID, ok := h.pathUUID(w, r, "image_id")
	if !ok {
		return
	}
	view, err := h.compensation.DeleteRetrievedImage(r.Context(), command.DeleteRetrievedImage{
		ImageID: imageID,
		TaskID:  taskID,
		Reason:  r.URL.Query().Get("reason"),
	})
	h.respond(w, r, http.StatusOK, view, err, "Failed to delete image")
}

// respond writes a command result. A change that committed but whose events
// were not delivered is still reported with its status code.
func (h *RetrievalHandler) respond(w http.ResponseWriter, r *http.Request, status int, view any, err error, failure string) {
	if err != nil && errors.Is(err, service.ErrPublishFailed) {
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("change committed without events",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		w.Header().Set("X-Events-Published", "false")
		err = nil
	}
	if err != nil {
		HandleAPIError(w, r, err, failure)
		return
	}
	shared.RespondWithJSON(w, r, status, view)
}

func (h *RetrievalHandler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := getPathUUID(r, name)
	if err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).Debug("invalid path parameter",
			slog.String("param_name", name),
			slog.String("value", chi.URLParam(r, name)))
		HandleAPIError(w, r, err, "")
		return uuid.Nil, false
	}
	return id, true
}

func readMultipartUpload(r *http.Request) (command.ImageUpload, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return command.ImageUpload{}, fmt.Errorf("%w: invalid multipart form: %w", domain.ErrValidation, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return command.ImageUpload{}, fmt.Errorf("%w: file is required", domain.ErrValidation)
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		return command.ImageUpload{}, fmt.Errorf("read upload: %w", err)
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}
	return command.ImageUpload{
		FileContent: content,
		Filename:    filename,
		Format:      domain.ImageFormat(r.FormValue("format")),
		Modality:    r.FormValue("modality"),
		Region:      r.FormValue("region"),
		Dimensions:  r.FormValue("dimensions"),
	}, nil
}
