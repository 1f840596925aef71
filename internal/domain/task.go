package domain

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result messages recorded by lifecycle transitions.
const (
	MessageStarted   = "Retrieval task started"
	MessageCompleted = "Retrieval completed successfully"
)

// RetrievalTask is the aggregate root tracking one unit of retrieval work.
// Lifecycle: PENDING -> IN_PROGRESS -> COMPLETED | FAILED. Once terminal the
// task rejects every state-changing operation.
//
// Operations record events on the task; callers drain them with PullEvents
// only after the change has been committed.
type RetrievalTask struct {
	ID          uuid.UUID        `json:"id"`
	Source      SourceMetadata   `json:"source_metadata"`
	BatchID     string           `json:"batch_id"`
	Priority    int              `json:"priority"`
	StoragePath string           `json:"storage_path"`
	Images      []*ImageData     `json:"images"`
	Result      *RetrievalResult `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`

	events []Event
}

// NewRetrievalTask creates a PENDING task. storagePath is a relative
// namespace inside the content sink under which the task's images live.
func NewRetrievalTask(
	source SourceMetadata,
	batchID string,
	storagePath string,
	priority int,
	metadata map[string]any,
) (*RetrievalTask, error) {
	source, err := source.Normalize()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &RetrievalTask{
		ID:          uuid.New(),
		Source:      source,
		BatchID:     batchID,
		Priority:    priority,
		StoragePath: storagePath,
		Images:      make([]*ImageData, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the fields fixed at creation.
func (t *RetrievalTask) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if err := t.Source.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.BatchID) == "" {
		return fmt.Errorf("%w: batch_id is required", ErrValidation)
	}
	return ValidateStoragePath(t.StoragePath)
}

// Status is derived from the result; a task without one is PENDING.
func (t *RetrievalTask) Status() RetrievalStatus {
	if t.Result == nil {
		return StatusPending
	}
	return t.Result.Status
}

// IsTerminal reports whether the task is COMPLETED or FAILED.
func (t *RetrievalTask) IsTerminal() bool {
	return t.Status().IsTerminal()
}

// Start moves a PENDING task to IN_PROGRESS.
func (t *RetrievalTask) Start() error {
	if t.Status() != StatusPending {
		return t.stateError("start")
	}

	now := time.Now().UTC()
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Result = &RetrievalResult{Status: StatusInProgress, Message: MessageStarted}

	t.record(RetrievalStarted{
		EventBase:      newEventBase(),
		TaskID:         t.ID,
		SourceMetadata: t.Source,
		BatchID:        t.BatchID,
	})
	return nil
}

// AddImage attaches a stored image to the task.
func (t *RetrievalTask) AddImage(img *ImageData) error {
	if t.IsTerminal() {
		return t.stateError("add image to")
	}
	if img == nil {
		return fmt.Errorf("%w: image is required", ErrValidation)
	}
	if img.TaskID != t.ID {
		return fmt.Errorf("%w: image %s belongs to task %s", ErrImageNotOwned, img.ID, img.TaskID)
	}
	if err := t.CheckFilenameAvailable(img.Filename); err != nil {
		return err
	}

	t.Images = append(t.Images, img)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckFilenameAvailable rejects a filename already used by a stored image
// of the task. Both would share one content path.
func (t *RetrievalTask) CheckFilenameAvailable(filename string) error {
	for _, img := range t.Images {
		if img.IsStored && img.Filename == filename {
			return fmt.Errorf("%w: task %s already stores an image named %q (image %s)",
				ErrValidation, t.ID, filename, img.ID)
		}
	}
	return nil
}

// NotifyImagesRetrieved records one ImagesRetrieved event for the batch and
// one ImageReadyForAnonymization event per image, in input order.
func (t *RetrievalTask) NotifyImagesRetrieved(images []*ImageData) error {
	if t.IsTerminal() {
		return t.stateError("notify images for")
	}
	if len(images) == 0 {
		return fmt.Errorf("%w: at least one image is required", ErrValidation)
	}

	ids := make([]uuid.UUID, 0, len(images))
	for _, img := range images {
		if t.FindImage(img.ID) == nil {
			return fmt.Errorf("%w: image %s was not added to task %s", ErrImageNotOwned, img.ID, t.ID)
		}
		ids = append(ids, img.ID)
	}

	t.record(ImagesRetrieved{
		EventBase:      newEventBase(),
		TaskID:         t.ID,
		Source:         t.Source.SourceName,
		NumberOfImages: len(images),
		BatchID:        t.BatchID,
		ImageIDs:       ids,
	})
	for _, img := range images {
		t.record(ImageReadyForAnonymization{
			EventBase: newEventBase(),
			ImageID:   img.ID,
			TaskID:    t.ID,
			Source:    t.Source.SourceName,
			Modality:  img.Metadata.Modality,
			Region:    img.Metadata.Region,
			FilePath:  img.FilePath,
		})
	}
	return nil
}

// Complete moves a non-terminal task to COMPLETED.
func (t *RetrievalTask) Complete(successful, failed int, details map[string]any) error {
	if t.IsTerminal() {
		return t.stateError("complete")
	}
	if successful < 0 || failed < 0 {
		return fmt.Errorf("%w: image counts cannot be negative", ErrValidation)
	}

	now := time.Now().UTC()
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Result = &RetrievalResult{
		Status:           StatusCompleted,
		Message:          MessageCompleted,
		TotalImages:      successful + failed,
		SuccessfulImages: successful,
		FailedImages:     failed,
		Details:          details,
	}

	t.record(RetrievalCompleted{
		EventBase: newEventBase(),
		TaskID:    t.ID,
		Result:    *t.Result,
		Source:    t.Source.SourceName,
		Location:  t.Source.Location,
	})
	return nil
}

// Fail moves a non-terminal task to FAILED. Images already attached are
// credited as successful; failed_images is 0 because the intended total is
// unknown at failure time.
func (t *RetrievalTask) Fail(errorMessage string, details map[string]any) error {
	if t.IsTerminal() {
		return t.stateError("fail")
	}
	if strings.TrimSpace(errorMessage) == "" {
		return fmt.Errorf("%w: error message is required", ErrValidation)
	}

	now := time.Now().UTC()
	attached := len(t.Images)
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Result = &RetrievalResult{
		Status:           StatusFailed,
		Message:          errorMessage,
		TotalImages:      attached,
		SuccessfulImages: attached,
		FailedImages:     0,
		Details:          details,
	}

	t.record(RetrievalFailed{
		EventBase:    newEventBase(),
		TaskID:       t.ID,
		ErrorMessage: errorMessage,
		Source:       t.Source.SourceName,
	})
	return nil
}

// RemoveImage compensates a stored image: the image is flagged as no longer
// stored and an ImageDeletionCompleted event is recorded. When no stored image
// remains and the task is still active, the task is failed as well. Repeating
// the call for the same image succeeds.
func (t *RetrievalTask) RemoveImage(imageID uuid.UUID, reason string) (*ImageData, error) {
	img := t.FindImage(imageID)
	if img == nil {
		return nil, fmt.Errorf("%w: image %s is not part of task %s", ErrImageNotOwned, imageID, t.ID)
	}

	img.MarkRemoved()
	t.UpdatedAt = time.Now().UTC()

	if t.StoredImagesCount() == 0 && !t.IsTerminal() {
		msg := fmt.Sprintf("task failed by saga compensation: %s", reason)
		if err := t.Fail(msg, map[string]any{"compensated_image_id": imageID.String()}); err != nil {
			return nil, err
		}
	}

	t.record(ImageDeletionCompleted{
		EventBase: newEventBase(),
		ImageID:   imageID,
		TaskID:    t.ID,
		Reason:    reason,
	})
	return img, nil
}

// FindImage returns the attached image with the given id, or nil.
func (t *RetrievalTask) FindImage(id uuid.UUID) *ImageData {
	for _, img := range t.Images {
		if img.ID == id {
			return img
		}
	}
	return nil
}

// ImagesCount is the number of attached images.
func (t *RetrievalTask) ImagesCount() int {
	return len(t.Images)
}

// StoredImagesCount is the number of attached images still stored.
func (t *RetrievalTask) StoredImagesCount() int {
	n := 0
	for _, img := range t.Images {
		if img.IsStored {
			n++
		}
	}
	return n
}

// TotalSize sums the size of every attached image.
func (t *RetrievalTask) TotalSize() int64 {
	var total int64
	for _, img := range t.Images {
		total += img.SizeBytes()
	}
	return total
}

// ImagePath is the sink path for a file belonging to this task.
func (t *RetrievalTask) ImagePath(filename string) string {
	return path.Join(t.StoragePath, t.ID.String(), filename)
}

// PendingEvents returns a copy of the events recorded since the last drain.
func (t *RetrievalTask) PendingEvents() []Event {
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// PullEvents returns the recorded events and clears them.
func (t *RetrievalTask) PullEvents() []Event {
	out := t.events
	t.events = nil
	return out
}

func (t *RetrievalTask) record(e Event) {
	t.events = append(t.events, e)
}

func (t *RetrievalTask) stateError(op string) error {
	return fmt.Errorf("%w: cannot %s task %s in status %s", ErrInvalidState, op, t.ID, t.Status())
}

// ValidateStoragePath accepts relative, clean paths that stay inside the sink.
func ValidateStoragePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: storage_path is required", ErrValidation)
	}
	if path.IsAbs(p) || strings.Contains(p, `\`) {
		return fmt.Errorf("%w: storage_path %q must be relative", ErrValidation, p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: storage_path %q escapes the storage root", ErrValidation, p)
	}
	return nil
}
