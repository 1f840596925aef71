package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
)

// Registered repository names handed out by a UnitOfWork.
const (
	RetrievalRepository = "retrieval"
	ImageRepository     = "image"
)

// DefaultTasksBySourceLimit applies when GetTasksBySource gets a non-positive limit.
const DefaultTasksBySourceLimit = 10

// TaskStore defines the interface for retrieval task persistence.
// Version: 1.0
type TaskStore interface {
	// GetByID loads a task together with its images.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RetrievalTask, error)

	// Save persists a new task. Saving a task that already exists behaves
	// like Update.
	Save(ctx context.Context, task *domain.RetrievalTask) error

	// Update persists the current state of an existing task. Images are
	// persisted through ImageStore.
	// Returns ErrTaskNotFound if the task does not exist.
	Update(ctx context.Context, task *domain.RetrievalTask) error

	// GetPendingTasks returns PENDING tasks, highest priority first.
	// Returns an empty slice if none match.
	GetPendingTasks(ctx context.Context) ([]*domain.RetrievalTask, error)

	// GetTasksBySource returns the most recent tasks for a source id.
	// A non-positive limit means DefaultTasksBySourceLimit.
	GetTasksBySource(ctx context.Context, sourceID string, limit int) ([]*domain.RetrievalTask, error)

	// GetTasksByBatch returns every task of a batch, most recent first.
	GetTasksByBatch(ctx context.Context, batchID string) ([]*domain.RetrievalTask, error)
}

// ImageStore defines the interface for image persistence.
// Version: 1.0
type ImageStore interface {
	// Save inserts or updates an image. The owning task must exist.
	Save(ctx context.Context, image *domain.ImageData) error

	// SaveBatch saves several images in order.
	SaveBatch(ctx context.Context, images []*domain.ImageData) error

	// GetByID returns ErrImageNotFound if the image does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ImageData, error)

	// GetImagesByTask returns the task's images in insertion order.
	GetImagesByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ImageData, error)

	// GetImagesCountByTask counts every image of the task, stored or not.
	GetImagesCountByTask(ctx context.Context, taskID uuid.UUID) (int, error)

	// UpdateImageStatus sets is_stored on an image.
	// Returns ErrImageNotFound if the image does not exist.
	UpdateImageStatus(ctx context.Context, id uuid.UUID, isStored bool) error
}
