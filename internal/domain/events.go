package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact recorded by the retrieval lifecycle.
type Event interface {
	// EventName is the type discriminator published with the event.
	EventName() string
	EventID() uuid.UUID
	OccurredAt() time.Time
}

// EventBase carries the identity and timestamp every event shares.
type EventBase struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func newEventBase() EventBase {
	return EventBase{ID: uuid.New(), Timestamp: time.Now().UTC()}
}

// EventID returns the generated event id.
func (b EventBase) EventID() uuid.UUID { return b.ID }

// OccurredAt returns the creation timestamp.
func (b EventBase) OccurredAt() time.Time { return b.Timestamp }

// RetrievalStarted is recorded when a task moves to IN_PROGRESS.
type RetrievalStarted struct {
	EventBase
	TaskID         uuid.UUID      `json:"task_id"`
	SourceMetadata SourceMetadata `json:"source_metadata"`
	BatchID        string         `json:"batch_id"`
}

// EventName implements Event.
func (RetrievalStarted) EventName() string { return "RetrievalStarted" }

// RetrievalCompleted is recorded when a task completes.
type RetrievalCompleted struct {
	EventBase
	TaskID   uuid.UUID       `json:"task_id"`
	Result   RetrievalResult `json:"result"`
	Source   string          `json:"source"`
	Location string          `json:"location"`
}

// EventName implements Event.
func (RetrievalCompleted) EventName() string { return "RetrievalCompleted" }

// RetrievalFailed is recorded when a task fails.
type RetrievalFailed struct {
	EventBase
	TaskID       uuid.UUID `json:"task_id"`
	ErrorMessage string    `json:"error_message"`
	Source       string    `json:"source"`
}

// EventName implements Event.
func (RetrievalFailed) EventName() string { return "RetrievalFailed" }

// ImagesRetrieved reports one batch of stored images.
type ImagesRetrieved struct {
	EventBase
	TaskID         uuid.UUID   `json:"task_id"`
	Source         string      `json:"source"`
	NumberOfImages int         `json:"number_of_images"`
	BatchID        string      `json:"batch_id"`
	ImageIDs       []uuid.UUID `json:"image_ids"`
}

// EventName implements Event.
func (ImagesRetrieved) EventName() string { return "ImagesRetrieved" }

// ImageReadyForAnonymization hands a single stored image to the anonymization pipeline.
type ImageReadyForAnonymization struct {
	EventBase
	ImageID  uuid.UUID `json:"image_id"`
	TaskID   uuid.UUID `json:"task_id"`
	Source   string    `json:"source"`
	Modality string    `json:"modality"`
	Region   string    `json:"region"`
	FilePath string    `json:"file_path"`
}

// EventName implements Event.
func (ImageReadyForAnonymization) EventName() string { return "ImageReadyForAnonymization" }

// ImageUploadFailed is recorded when image bytes could not be written.
type ImageUploadFailed struct {
	EventBase
	TaskID       uuid.UUID   `json:"task_id"`
	Filename     string      `json:"filename"`
	ErrorMessage string      `json:"error_message"`
	Source       string      `json:"source"`
	Format       ImageFormat `json:"format"`
	Modality     string      `json:"modality"`
	Region       string      `json:"region"`
}

// EventName implements Event.
func (ImageUploadFailed) EventName() string { return "ImageUploadFailed" }

// ImageDeletionCompleted is recorded when a stored image has been compensated.
type ImageDeletionCompleted struct {
	EventBase
	ImageID uuid.UUID `json:"image_id"`
	TaskID  uuid.UUID `json:"task_id"`
	Reason  string    `json:"reason"`
}

// EventName implements Event.
func (ImageDeletionCompleted) EventName() string { return "ImageDeletionCompleted" }

// ImageDeletionFailed is recorded when compensating an image failed.
type ImageDeletionFailed struct {
	EventBase
	ImageID      uuid.UUID `json:"image_id"`
	TaskID       uuid.UUID `json:"task_id"`
	ErrorMessage string    `json:"error_message"`
	Reason       string    `json:"reason"`
}

// EventName implements Event.
func (ImageDeletionFailed) EventName() string { return "ImageDeletionFailed" }

// NewImageUploadFailed builds the event for a failed content write.
func NewImageUploadFailed(taskID uuid.UUID, source, filename string, metadata ImageMetadata, cause error) ImageUploadFailed {
	return ImageUploadFailed{
		EventBase:    newEventBase(),
		TaskID:       taskID,
		Filename:     filename,
		ErrorMessage: errorText(cause),
		Source:       source,
		Format:       metadata.Format,
		Modality:     metadata.Modality,
		Region:       metadata.Region,
	}
}

// NewImageDeletionFailed builds the event for a failed compensation.
func NewImageDeletionFailed(imageID, taskID uuid.UUID, reason string, cause error) ImageDeletionFailed {
	return ImageDeletionFailed{
		EventBase:    newEventBase(),
		ImageID:      imageID,
		TaskID:       taskID,
		ErrorMessage: errorText(cause),
		Reason:       reason,
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
