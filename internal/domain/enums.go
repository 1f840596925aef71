package domain

import (
	"fmt"
	"strings"
)

// SourceType identifies the kind of institution images are retrieved from.
type SourceType string

// Known source types.
const (
	SourceTypeHospital       SourceType = "HOSPITAL"
	SourceTypeLaboratory     SourceType = "LABORATORY"
	SourceTypeClinic         SourceType = "CLINIC"
	SourceTypeResearchCenter SourceType = "RESEARCH_CENTER"
)

// RetrievalMethod is how images are obtained from a source.
type RetrievalMethod string

// Known retrieval methods.
const (
	RetrievalMethodSFTP         RetrievalMethod = "SFTP"
	RetrievalMethodAPI          RetrievalMethod = "API"
	RetrievalMethodDirectUpload RetrievalMethod = "DIRECT_UPLOAD"
	RetrievalMethodCloudStorage RetrievalMethod = "CLOUD_STORAGE"
)

// ImageFormat is the encoding of a stored image.
type ImageFormat string

// Known image formats.
const (
	ImageFormatDICOM ImageFormat = "DICOM"
	ImageFormatJPEG  ImageFormat = "JPEG"
	ImageFormatPNG   ImageFormat = "PNG"
	ImageFormatTIFF  ImageFormat = "TIFF"
	ImageFormatRAW   ImageFormat = "RAW"
)

// RetrievalStatus is the lifecycle state of a RetrievalTask.
type RetrievalStatus string

// Lifecycle states. COMPLETED and FAILED are terminal.
const (
	StatusPending    RetrievalStatus = "PENDING"
	StatusInProgress RetrievalStatus = "IN_PROGRESS"
	StatusCompleted  RetrievalStatus = "COMPLETED"
	StatusFailed     RetrievalStatus = "FAILED"
)

var (
	sourceTypes = []SourceType{
		SourceTypeHospital, SourceTypeLaboratory, SourceTypeClinic, SourceTypeResearchCenter,
	}
	retrievalMethods = []RetrievalMethod{
		RetrievalMethodSFTP, RetrievalMethodAPI, RetrievalMethodDirectUpload, RetrievalMethodCloudStorage,
	}
	imageFormats = []ImageFormat{
		ImageFormatDICOM, ImageFormatJPEG, ImageFormatPNG, ImageFormatTIFF, ImageFormatRAW,
	}
	statuses = []RetrievalStatus{
		StatusPending, StatusInProgress, StatusCompleted, StatusFailed,
	}
)

// ParseSourceType converts a case-insensitive name into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	return parseEnum(s, "source type", sourceTypes)
}

// ParseRetrievalMethod converts a case-insensitive name into a RetrievalMethod.
func ParseRetrievalMethod(s string) (RetrievalMethod, error) {
	return parseEnum(s, "retrieval method", retrievalMethods)
}

// ParseImageFormat converts a case-insensitive name into an ImageFormat.
func ParseImageFormat(s string) (ImageFormat, error) {
	return parseEnum(s, "image format", imageFormats)
}

// ParseRetrievalStatus converts a case-insensitive name into a RetrievalStatus.
func ParseRetrievalStatus(s string) (RetrievalStatus, error) {
	return parseEnum(s, "retrieval status", statuses)
}

// IsTerminal reports whether no further lifecycle operation is accepted.
func (s RetrievalStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func parseEnum[T ~string](s, kind string, known []T) (T, error) {
	candidate := T(strings.ToUpper(strings.TrimSpace(s)))
	for _, k := range known {
		if k == candidate {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: unknown %s %q: %w", ErrValidation, kind, s, ErrInvalidFormat)
}
