package domain

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImageData is an image stored on behalf of exactly one RetrievalTask.
type ImageData struct {
	ID        uuid.UUID     `json:"id"`
	TaskID    uuid.UUID     `json:"task_id"`
	Metadata  ImageMetadata `json:"metadata"`
	Filename  string        `json:"filename"`
	FilePath  string        `json:"file_path"`
	IsStored  bool          `json:"is_stored"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewImageData records an image whose bytes were already written to filePath.
func NewImageData(taskID uuid.UUID, filename, filePath string, metadata ImageMetadata) (*ImageData, error) {
	now := time.Now().UTC()
	img := &ImageData{
		ID:        uuid.New(),
		TaskID:    taskID,
		Metadata:  metadata,
		Filename:  filename,
		FilePath:  filePath,
		IsStored:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// Validate checks identity, ownership, naming and metadata.
func (i *ImageData) Validate() error {
	if i.ID == uuid.Nil {
		return fmt.Errorf("%w: image id is required", ErrValidation)
	}
	if i.TaskID == uuid.Nil {
		return fmt.Errorf("%w: image task id is required", ErrValidation)
	}
	if err := ValidateFilename(i.Filename); err != nil {
		return err
	}
	if strings.TrimSpace(i.FilePath) == "" {
		return fmt.Errorf("%w: file path is required", ErrValidation)
	}
	return i.Metadata.Validate()
}

// SizeBytes is the persisted size of the image content.
func (i *ImageData) SizeBytes() int64 {
	return i.Metadata.SizeBytes
}

// MarkRemoved flags the image as no longer stored. It is idempotent.
func (i *ImageData) MarkRemoved() {
	if !i.IsStored {
		return
	}
	i.IsStored = false
	i.UpdatedAt = time.Now().UTC()
}

// ValidateFilename rejects empty names and names that would escape the
// task's directory.
func ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || path.Clean(name) != name {
		return fmt.Errorf("%w: filename %q must be a plain file name", ErrValidation, name)
	}
	return nil
}
