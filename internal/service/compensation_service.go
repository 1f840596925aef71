package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/store"
)

// CompensationService undoes stored images when a later saga step fails.
type CompensationService struct {
	uows      *store.UnitOfWorkFactory
	sink      ContentSink
	publisher *committedPublisher
	logger    *slog.Logger
}

// NewCompensationService creates a CompensationService.
func NewCompensationService(
	uows *store.UnitOfWorkFactory,
	sink ContentSink,
	publisher EventPublisher,
	policy PublishPolicy,
	log *slog.Logger,
) (*CompensationService, error) {
	if uows == nil || sink == nil || publisher == nil {
		return nil, &ServiceError{
			Operation: "create_service",
			Message:   "unit of work factory, content sink and event publisher are required",
		}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "compensation_service"))

	return &CompensationService{
		uows:      uows,
		sink:      sink,
		publisher: newCommittedPublisher(publisher, policy, log),
		logger:    log,
	}, nil
}

// DeleteRetrievedImage removes an image's content and flags it as no longer
// stored. The task is failed when its last stored image goes and it is still
// active. Repeating the command for the same image succeeds.
//
// On failure an ImageDeletionFailed event is published and the returned
// error wraps ErrCompensationFailed.
func (s *CompensationService) DeleteRetrievedImage(ctx context.Context, cmd command.DeleteRetrievedImage) (DeletionView, error) {
	if strings.TrimSpace(cmd.Reason) == "" {
		cmd.Reason = command.DefaultCompensationReason
	}
	log := logger.FromContextOrDefault(ctx, s.logger).With(
		slog.String("image_id", cmd.ImageID.String()),
		slog.String("task_id", cmd.TaskID.String()))

	var task *domain.RetrievalTask
	err := command.Validate(cmd)
	if err == nil {
		task, err = s.compensate(ctx, cmd)
	}
	if err != nil {
		log.Error("image compensation failed", slog.String("error", err.Error()))
		s.publisher.bestEffort(ctx, domain.NewImageDeletionFailed(cmd.ImageID, cmd.TaskID, cmd.Reason, err))
		return DeletionView{}, fmt.Errorf("%w: %w", ErrCompensationFailed, err)
	}

	log.Info("image compensated",
		slog.String("reason", cmd.Reason),
		slog.String("task_status", string(task.Status())))

	view := DeletionView{
		ImageID:    cmd.ImageID,
		TaskID:     cmd.TaskID,
		Status:     DeletionStatusDeleted,
		Reason:     cmd.Reason,
		TaskStatus: task.Status(),
	}
	return view, s.publisher.publish(ctx, task.PullEvents())
}

func (s *CompensationService) compensate(ctx context.Context, cmd command.DeleteRetrievedImage) (*domain.RetrievalTask, error) {
	var task *domain.RetrievalTask
	err := s.uows.New().Run(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		images, err := uow.Images()
		if err != nil {
			return err
		}

		image, err := images.GetByID(ctx, cmd.ImageID)
		if err != nil {
			return err
		}
		if image.TaskID != cmd.TaskID {
			return fmt.Errorf("%w: image %s belongs to task %s", domain.ErrImageNotOwned, image.ID, image.TaskID)
		}
		task, err = tasks.GetByID(ctx, cmd.TaskID)
		if err != nil {
			return err
		}

		if err := s.sink.Delete(ctx, image.FilePath); err != nil {
			return fmt.Errorf("%w: delete %s: %w", ErrSinkUnavailable, image.FilePath, err)
		}
		if _, err := task.RemoveImage(image.ID, cmd.Reason); err != nil {
			return err
		}
		if err := images.UpdateImageStatus(ctx, image.ID, false); err != nil {
			return err
		}
		if err := tasks.Update(ctx, task); err != nil {
			return err
		}
		return uow.Commit(ctx)
	})
	if err != nil {
		return nil, NewServiceError("delete_retrieved_image", "failed to compensate image", err)
	}
	return task, nil
}
