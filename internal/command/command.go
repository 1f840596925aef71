// Package command defines the commands accepted by the retrieval service,
// the broker envelope that carries them, and a registry mapping command
// types to typed handlers.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
)

var (
	// ErrMalformedEnvelope marks a message that can never be processed: the
	// body is not JSON, the type is missing, or the data does not decode into
	// the command's shape.
	ErrMalformedEnvelope = errors.New("malformed command envelope")

	// ErrUnknownCommand is returned for a type with no registered handler.
	ErrUnknownCommand = errors.New("unknown command type")
)

// Envelope is the broker representation of a command.
type Envelope struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a broker payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrMalformedEnvelope)
	}
	return env, nil
}

// NewEnvelope wraps a command for the broker.
func NewEnvelope(cmd Command, correlationID string) (Envelope, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:          cmd.CommandType(),
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Data:          data,
	}, nil
}

// Command is implemented by every command struct.
type Command interface {
	CommandType() string
}

// CreateRetrievalTask creates a PENDING task.
type CreateRetrievalTask struct {
	SourceType      domain.SourceType      `json:"source_type"      validate:"required"`
	SourceName      string                 `json:"source_name"      validate:"required"`
	SourceID        string                 `json:"source_id"        validate:"required"`
	Location        string                 `json:"location"         validate:"required"`
	RetrievalMethod domain.RetrievalMethod `json:"retrieval_method" validate:"required"`
	BatchID         string                 `json:"batch_id"         validate:"required"`
	StoragePath     string                 `json:"storage_path"     validate:"required"`
	Priority        int                    `json:"priority"`
	Metadata        map[string]any         `json:"metadata,omitempty"`
}

// StartRetrievalTask moves a task to IN_PROGRESS.
type StartRetrievalTask struct {
	TaskID uuid.UUID `json:"task_id" validate:"required"`
}

// CompleteRetrievalTask records a successful outcome.
type CompleteRetrievalTask struct {
	TaskID           uuid.UUID      `json:"task_id"           validate:"required"`
	SuccessfulImages int            `json:"successful_images" validate:"gte=0"`
	FailedImages     int            `json:"failed_images"     validate:"gte=0"`
	Details          map[string]any `json:"details,omitempty"`
}

// FailRetrievalTask records a failed outcome.
type FailRetrievalTask struct {
	TaskID       uuid.UUID      `json:"task_id"       validate:"required"`
	ErrorMessage string         `json:"error_message" validate:"required"`
	Details      map[string]any `json:"details,omitempty"`
}

// ImageUpload is one image of a store request. FileContent travels as
// base64 in JSON.
type ImageUpload struct {
	FileContent []byte             `json:"file_content" validate:"required"`
	Filename    string             `json:"filename"     validate:"required"`
	Format      domain.ImageFormat `json:"format"       validate:"required"`
	Modality    string             `json:"modality"     validate:"required"`
	Region      string             `json:"region"       validate:"required"`
	Dimensions  string             `json:"dimensions,omitempty"`
}

// StoreImage writes one image and attaches it to the task.
type StoreImage struct {
	TaskID uuid.UUID `json:"task_id" validate:"required"`
	ImageUpload
}

// StoreImageBatch writes several images and attaches them to the task.
type StoreImageBatch struct {
	TaskID uuid.UUID     `json:"task_id" validate:"required"`
	Images []ImageUpload `json:"images"  validate:"required,min=1,dive"`
}

// DefaultCompensationReason is used when a deletion names no reason.
const DefaultCompensationReason = "saga compensation"

// DeleteRetrievedImage compensates a previously stored image.
type DeleteRetrievedImage struct {
	ImageID uuid.UUID `json:"image_id" validate:"required"`
	TaskID  uuid.UUID `json:"task_id"  validate:"required"`
	Reason  string    `json:"reason,omitempty"`
}

func (CreateRetrievalTask) CommandType() string   { return "CreateRetrievalTask" }
func (StartRetrievalTask) CommandType() string    { return "StartRetrievalTask" }
func (CompleteRetrievalTask) CommandType() string { return "CompleteRetrievalTask" }
func (FailRetrievalTask) CommandType() string     { return "FailRetrievalTask" }
func (StoreImage) CommandType() string            { return "StoreImage" }
func (StoreImageBatch) CommandType() string       { return "StoreImageBatch" }
func (DeleteRetrievedImage) CommandType() string  { return "DeleteRetrievedImage" }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a command's required fields. Failures wrap
// domain.ErrValidation and name the offending fields.
func Validate(cmd Command) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %s: %w", domain.ErrValidation, cmd.CommandType(), err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrValidation, cmd.CommandType(), strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
