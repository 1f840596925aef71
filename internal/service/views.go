package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
)

// TaskView is the read projection of a task.
type TaskView struct {
	ID               uuid.UUID               `json:"id"`
	BatchID          string                  `json:"batch_id"`
	SourceType       domain.SourceType       `json:"source_type"`
	SourceName       string                  `json:"source_name"`
	SourceID         string                  `json:"source_id"`
	Location         string                  `json:"location"`
	RetrievalMethod  domain.RetrievalMethod  `json:"retrieval_method"`
	Priority         int                     `json:"priority"`
	StoragePath      string                  `json:"storage_path"`
	Status           domain.RetrievalStatus  `json:"status"`
	Message          string                  `json:"message,omitempty"`
	TotalImages      int                     `json:"total_images"`
	SuccessfulImages int                     `json:"successful_images"`
	FailedImages     int                     `json:"failed_images"`
	Details          map[string]any          `json:"details,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
	ImagesCount      int                     `json:"images_count"`
	TotalSizeBytes   int64                   `json:"total_size_bytes"`
	Result           *domain.RetrievalResult `json:"result,omitempty"`
}

// ImageView is the read projection of an image.
type ImageView struct {
	ID         uuid.UUID          `json:"id"`
	TaskID     uuid.UUID          `json:"task_id"`
	Filename   string             `json:"filename"`
	FilePath   string             `json:"file_path"`
	Format     domain.ImageFormat `json:"format"`
	Modality   string             `json:"modality"`
	Region     string             `json:"region"`
	SizeBytes  int64              `json:"size_bytes"`
	Dimensions string             `json:"dimensions,omitempty"`
	IsStored   bool               `json:"is_stored"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// BatchView summarises a StoreImageBatch.
type BatchView struct {
	TaskID         uuid.UUID   `json:"task_id"`
	ImagesCount    int         `json:"images_count"`
	TotalSizeBytes int64       `json:"total_size_bytes"`
	Images         []ImageView `json:"images"`
}

// DeletionView reports a compensated image.
type DeletionView struct {
	ImageID    uuid.UUID              `json:"image_id"`
	TaskID     uuid.UUID              `json:"task_id"`
	Status     string                 `json:"status"`
	Reason     string                 `json:"reason"`
	TaskStatus domain.RetrievalStatus `json:"task_status"`
}

// DeletionStatusDeleted is the status reported for a compensated image.
const DeletionStatusDeleted = "DELETED"

// NewTaskView projects a task. imagesCount overrides the number of attached
// images when the caller counted them separately; pass -1 to use the task's.
func NewTaskView(t *domain.RetrievalTask, imagesCount int) TaskView {
	if imagesCount < 0 {
		imagesCount = t.ImagesCount()
	}
	v := TaskView{
		ID:              t.ID,
		BatchID:         t.BatchID,
		SourceType:      t.Source.SourceType,
		SourceName:      t.Source.SourceName,
		SourceID:        t.Source.SourceID,
		Location:        t.Source.Location,
		RetrievalMethod: t.Source.RetrievalMethod,
		Priority:        t.Priority,
		StoragePath:     t.StoragePath,
		Status:          t.Status(),
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		ImagesCount:     imagesCount,
		TotalSizeBytes:  t.TotalSize(),
	}
	if r := t.Result; r != nil {
		result := *r
		v.Result = &result
		v.Message = r.Message
		v.TotalImages = r.TotalImages
		v.SuccessfulImages = r.SuccessfulImages
		v.FailedImages = r.FailedImages
		v.Details = r.Details
	}
	return v
}

// NewImageView projects an image.
func NewImageView(img *domain.ImageData) ImageView {
	return ImageView{
		ID:         img.ID,
		TaskID:     img.TaskID,
		Filename:   img.Filename,
		FilePath:   img.FilePath,
		Format:     img.Metadata.Format,
		Modality:   img.Metadata.Modality,
		Region:     img.Metadata.Region,
		SizeBytes:  img.SizeBytes(),
		Dimensions: img.Metadata.Dimensions,
		IsStored:   img.IsStored,
		CreatedAt:  img.CreatedAt,
		UpdatedAt:  img.UpdatedAt,
	}
}

func taskViews(tasks []*domain.RetrievalTask) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, NewTaskView(t, -1))
	}
	return out
}

func imageViews(images []*domain.ImageData) []ImageView {
	out := make([]ImageView, 0, len(images))
	for _, img := range images {
		out = append(out, NewImageView(img))
	}
	return out
}
