package events

import (
	"context"
	"log/slog"

	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
)

// LifecycleLogger records delivered lifecycle events in the service log.
type LifecycleLogger struct {
	logger *slog.Logger
}

// NewLifecycleLogger returns the logging handler for lifecycle events.
func NewLifecycleLogger(logger *slog.Logger) *LifecycleLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleLogger{logger: logger.With(slog.String("component", "lifecycle_events"))}
}

// HandleEvent implements EventHandler.
func (h *LifecycleLogger) HandleEvent(ctx context.Context, event domain.Event) error {
	log := logger.FromContextOrDefault(ctx, h.logger)

	switch e := event.(type) {
	case domain.RetrievalStarted:
		log.Info("retrieval task started",
			slog.String("task_id", e.TaskID.String()),
			slog.String("source", e.SourceMetadata.SourceName),
			slog.String("batch_id", e.BatchID))
	case domain.RetrievalCompleted:
		log.Info("retrieval task completed",
			slog.String("task_id", e.TaskID.String()),
			slog.String("source", e.Source),
			slog.Int("total_images", e.Result.TotalImages),
			slog.Int("successful_images", e.Result.SuccessfulImages),
			slog.Int("failed_images", e.Result.FailedImages))
	case domain.RetrievalFailed:
		log.Error("retrieval task failed",
			slog.String("task_id", e.TaskID.String()),
			slog.String("source", e.Source),
			slog.String("error", e.ErrorMessage))
	case domain.ImagesRetrieved:
		log.Info("images retrieved",
			slog.String("task_id", e.TaskID.String()),
			slog.String("source", e.Source),
			slog.Int("number_of_images", e.NumberOfImages))
	case domain.ImageReadyForAnonymization:
		log.Info("image ready for anonymization",
			slog.String("image_id", e.ImageID.String()),
			slog.String("task_id", e.TaskID.String()),
			slog.String("modality", e.Modality),
			slog.String("region", e.Region),
			slog.String("file_path", e.FilePath))
	case domain.ImageUploadFailed:
		log.Warn("image upload failed",
			slog.String("task_id", e.TaskID.String()),
			slog.String("filename", e.Filename),
			slog.String("error", e.ErrorMessage))
	case domain.ImageDeletionCompleted:
		log.Info("image compensated",
			slog.String("image_id", e.ImageID.String()),
			slog.String("task_id", e.TaskID.String()),
			slog.String("reason", e.Reason))
	case domain.ImageDeletionFailed:
		log.Error("image compensation failed",
			slog.String("image_id", e.ImageID.String()),
			slog.String("task_id", e.TaskID.String()),
			slog.String("error", e.ErrorMessage))
	default:
		log.Debug("unhandled event type", slog.String("event_type", event.EventName()))
	}
	return nil
}
