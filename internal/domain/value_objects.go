package domain

import (
	"fmt"
	"strings"
)

// SourceMetadata identifies where a task's images come from. It is fixed
// when the task is created.
type SourceMetadata struct {
	SourceType      SourceType      `json:"source_type"`
	SourceName      string          `json:"source_name"`
	SourceID        string          `json:"source_id"`
	Location        string          `json:"location"`
	RetrievalMethod RetrievalMethod `json:"retrieval_method"`
}

// Validate checks that every field is present and every enum is known.
func (m SourceMetadata) Validate() error {
	if _, err := ParseSourceType(string(m.SourceType)); err != nil {
		return err
	}
	if _, err := ParseRetrievalMethod(string(m.RetrievalMethod)); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"source_name": m.SourceName,
		"source_id":   m.SourceID,
		"location":    m.Location,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
	}
	return nil
}

// Normalize returns a copy with the enums in their canonical spelling.
// Unknown values are a validation error.
func (m SourceMetadata) Normalize() (SourceMetadata, error) {
	sourceType, err := ParseSourceType(string(m.SourceType))
	if err != nil {
		return m, err
	}
	method, err := ParseRetrievalMethod(string(m.RetrievalMethod))
	if err != nil {
		return m, err
	}
	m.SourceType = sourceType
	m.RetrievalMethod = method
	return m, nil
}

// ImageMetadata describes a stored image.
type ImageMetadata struct {
	Format     ImageFormat `json:"format"`
	Modality   string      `json:"modality"`
	Region     string      `json:"region"`
	SizeBytes  int64       `json:"size_bytes"`
	Dimensions string      `json:"dimensions,omitempty"`
}

// Validate checks the format, the descriptive fields and the size.
func (m ImageMetadata) Validate() error {
	if _, err := ParseImageFormat(string(m.Format)); err != nil {
		return err
	}
	if strings.TrimSpace(m.Modality) == "" {
		return fmt.Errorf("%w: modality is required", ErrValidation)
	}
	if strings.TrimSpace(m.Region) == "" {
		return fmt.Errorf("%w: region is required", ErrValidation)
	}
	if m.SizeBytes < 0 {
		return fmt.Errorf("%w: size_bytes cannot be negative", ErrValidation)
	}
	return nil
}

// RetrievalResult is the outcome recorded on a task. Its status drives the
// task's lifecycle state.
type RetrievalResult struct {
	Status           RetrievalStatus `json:"status"`
	Message          string          `json:"message"`
	TotalImages      int             `json:"total_images"`
	SuccessfulImages int             `json:"successful_images"`
	FailedImages     int             `json:"failed_images"`
	Details          map[string]any  `json:"details,omitempty"`
}
