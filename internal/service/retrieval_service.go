package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/store"
)

// RetrievalService executes the retrieval commands and queries. Every call
// runs in its own unit of work; events recorded by a command are published
// only after its unit of work has committed.
type RetrievalService struct {
	uows      *store.UnitOfWorkFactory
	sink      ContentSink
	publisher *committedPublisher
	logger    *slog.Logger
}

// NewRetrievalService creates a RetrievalService.
// It returns an error if any of the required dependencies are nil.
func NewRetrievalService(
	uows *store.UnitOfWorkFactory,
	sink ContentSink,
	publisher EventPublisher,
	policy PublishPolicy,
	log *slog.Logger,
) (*RetrievalService, error) {
	if uows == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "unit of work factory cannot be nil"}
	}
	if sink == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "content sink cannot be nil"}
	}
	if publisher == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "event publisher cannot be nil"}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "retrieval_service"))

	return &RetrievalService{
		uows:      uows,
		sink:      sink,
		publisher: newCommittedPublisher(publisher, policy, log),
		logger:    log,
	}, nil
}

// CreateTask persists a new PENDING task.
func (s *RetrievalService) CreateTask(ctx context.Context, cmd command.CreateRetrievalTask) (TaskView, error) {
	if err := command.Validate(cmd); err != nil {
		return TaskView{}, err
	}

	task, err := domain.NewRetrievalTask(
		domain.SourceMetadata{
			SourceType:      cmd.SourceType,
			SourceName:      cmd.SourceName,
			SourceID:        cmd.SourceID,
			Location:        cmd.Location,
			RetrievalMethod: cmd.RetrievalMethod,
		},
		cmd.BatchID,
		cmd.StoragePath,
		cmd.Priority,
		cmd.Metadata,
	)
	if err != nil {
		return TaskView{}, err
	}

	err = s.uows.New().Run(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		if err := tasks.Save(ctx, task); err != nil {
			return err
		}
		return uow.Commit(ctx)
	})
	if err != nil {
		return TaskView{}, NewServiceError("create_task", "failed to persist task", err)
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("retrieval task created",
		slog.String("task_id", task.ID.String()),
		slog.String("batch_id", task.BatchID),
		slog.String("source", task.Source.SourceName))

	if err := s.publisher.publish(ctx, task.PullEvents()); err != nil {
		return NewTaskView(task, -1), err
	}
	return NewTaskView(task, -1), nil
}

// StartTask moves a task to IN_PROGRESS.
func (s *RetrievalService) StartTask(ctx context.Context, cmd command.StartRetrievalTask) (TaskView, error) {
	if err := command.Validate(cmd); err != nil {
		return TaskView{}, err
	}
	task, err := s.mutate(ctx, "start_task", cmd.TaskID, func(task *domain.RetrievalTask) error {
		return task.Start()
	})
	if err != nil {
		return TaskView{}, err
	}
	return NewTaskView(task, -1), s.publishFor(ctx, task)
}

// CompleteTask records a successful outcome.
func (s *RetrievalService) CompleteTask(ctx context.Context, cmd command.CompleteRetrievalTask) (TaskView, error) {
	if err := command.Validate(cmd); err != nil {
		return TaskView{}, err
	}
	task, err := s.mutate(ctx, "complete_task", cmd.TaskID, func(task *domain.RetrievalTask) error {
		return task.Complete(cmd.SuccessfulImages, cmd.FailedImages, cmd.Details)
	})
	if err != nil {
		return TaskView{}, err
	}
	return NewTaskView(task, -1), s.publishFor(ctx, task)
}

// FailTask records a failed outcome.
func (s *RetrievalService) FailTask(ctx context.Context, cmd command.FailRetrievalTask) (TaskView, error) {
	if err := command.Validate(cmd); err != nil {
		return TaskView{}, err
	}
	task, err := s.mutate(ctx, "fail_task", cmd.TaskID, func(task *domain.RetrievalTask) error {
		return task.Fail(cmd.ErrorMessage, cmd.Details)
	})
	if err != nil {
		return TaskView{}, err
	}
	return NewTaskView(task, -1), s.publishFor(ctx, task)
}

// mutate loads a task, applies one state operation, persists and commits.
func (s *RetrievalService) mutate(
	ctx context.Context,
	operation string,
	taskID uuid.UUID,
	apply func(task *domain.RetrievalTask) error,
) (*domain.RetrievalTask, error) {
	var task *domain.RetrievalTask
	err := s.uows.New().Run(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		task, err = tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		if err := apply(task); err != nil {
			return err
		}
		if err := tasks.Update(ctx, task); err != nil {
			return err
		}
		return uow.Commit(ctx)
	})
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Warn("task command failed",
			slog.String("operation", operation),
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
		return nil, NewServiceError(operation, "failed to update task", err)
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("retrieval task updated",
		slog.String("operation", operation),
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status())))
	return task, nil
}

func (s *RetrievalService) publishFor(ctx context.Context, task *domain.RetrievalTask) error {
	return s.publisher.publish(ctx, task.PullEvents())
}

// StoreImage writes one image, attaches it to the task and announces it.
func (s *RetrievalService) StoreImage(ctx context.Context, cmd command.StoreImage) (ImageView, error) {
	if err := command.Validate(cmd); err != nil {
		return ImageView{}, err
	}
	task, stored, err := s.storeImages(ctx, "store_image", cmd.TaskID, []command.ImageUpload{cmd.ImageUpload})
	if err != nil {
		return ImageView{}, err
	}
	return NewImageView(stored[0]), s.publishFor(ctx, task)
}

// StoreImageBatch writes several images and announces them together.
func (s *RetrievalService) StoreImageBatch(ctx context.Context, cmd command.StoreImageBatch) (BatchView, error) {
	if err := command.Validate(cmd); err != nil {
		return BatchView{}, err
	}
	task, stored, err := s.storeImages(ctx, "store_image_batch", cmd.TaskID, cmd.Images)
	if err != nil {
		return BatchView{}, err
	}

	view := BatchView{TaskID: task.ID, ImagesCount: len(stored), Images: imageViews(stored)}
	for _, img := range stored {
		view.TotalSizeBytes += img.SizeBytes()
	}
	return view, s.publishFor(ctx, task)
}

// storeImages writes the uploads through the sink, attaches them and records
// one ImagesRetrieved fan-out for the whole set. Content already written is
// removed again when the unit of work does not commit.
func (s *RetrievalService) storeImages(
	ctx context.Context,
	operation string,
	taskID uuid.UUID,
	uploads []command.ImageUpload,
) (*domain.RetrievalTask, []*domain.ImageData, error) {
	uploads = append([]command.ImageUpload(nil), uploads...)
	for i, up := range uploads {
		if err := domain.ValidateFilename(up.Filename); err != nil {
			return nil, nil, err
		}
		format, err := domain.ParseImageFormat(string(up.Format))
		if err != nil {
			return nil, nil, err
		}
		uploads[i].Format = format
	}

	log := logger.FromContextOrDefault(ctx, s.logger)
	var (
		task    *domain.RetrievalTask
		stored  []*domain.ImageData
		written []string
	)

	err := s.uows.New().Run(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		images, err := uow.Images()
		if err != nil {
			return err
		}
		task, err = tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		if task.IsTerminal() {
			return fmt.Errorf("%w: cannot store images for task %s in status %s",
				domain.ErrInvalidState, task.ID, task.Status())
		}

		for _, up := range uploads {
			// Checked before writing so a rejected upload never touches the
			// bytes of a committed image.
			if err := task.CheckFilenameAvailable(up.Filename); err != nil {
				return err
			}
			img, err := s.writeImage(ctx, task, up)
			if err != nil {
				return err
			}
			written = append(written, img.FilePath)
			if err := task.AddImage(img); err != nil {
				return err
			}
			stored = append(stored, img)
		}

		if err := images.SaveBatch(ctx, stored); err != nil {
			return err
		}
		if err := task.NotifyImagesRetrieved(stored); err != nil {
			return err
		}
		if err := tasks.Update(ctx, task); err != nil {
			return err
		}
		return uow.Commit(ctx)
	})
	if err != nil {
		for _, p := range written {
			if delErr := s.sink.Delete(context.WithoutCancel(ctx), p); delErr != nil {
				log.Warn("failed to remove content of uncommitted image",
					slog.String("file_path", p),
					slog.String("error", delErr.Error()))
			}
		}
		return nil, nil, NewServiceError(operation, "failed to store images", err)
	}

	log.Info("images stored",
		slog.String("task_id", task.ID.String()),
		slog.Int("count", len(stored)))
	return task, stored, nil
}

// writeImage stores the bytes of one upload. The recorded size is the one
// reported by the sink.
func (s *RetrievalService) writeImage(ctx context.Context, task *domain.RetrievalTask, up command.ImageUpload) (*domain.ImageData, error) {
	metadata := domain.ImageMetadata{
		Format:     up.Format,
		Modality:   up.Modality,
		Region:     up.Region,
		Dimensions: up.Dimensions,
	}
	filePath := task.ImagePath(up.Filename)

	size, err := s.sink.Write(ctx, filePath, up.FileContent)
	if err != nil {
		err = fmt.Errorf("%w: write %s: %w", ErrSinkUnavailable, filePath, err)
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to write image",
			slog.String("task_id", task.ID.String()),
			slog.String("filename", up.Filename),
			slog.String("error", err.Error()))
		s.publisher.bestEffort(ctx, domain.NewImageUploadFailed(task.ID, task.Source.SourceName, up.Filename, metadata, err))
		return nil, err
	}
	if size != int64(len(up.FileContent)) {
		logger.FromContextOrDefault(ctx, s.logger).Warn("stored size differs from upload size",
			slog.String("file_path", filePath),
			slog.Int64("stored", size),
			slog.Int("uploaded", len(up.FileContent)))
	}

	metadata.SizeBytes = size
	return domain.NewImageData(task.ID, up.Filename, filePath, metadata)
}

// GetTask returns one task with its image count.
func (s *RetrievalService) GetTask(ctx context.Context, id uuid.UUID) (TaskView, error) {
	var view TaskView
	err := s.read(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		images, err := uow.Images()
		if err != nil {
			return err
		}
		task, err := tasks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		count, err := images.GetImagesCountByTask(ctx, id)
		if err != nil {
			return err
		}
		view = NewTaskView(task, count)
		return nil
	})
	if err != nil {
		return TaskView{}, NewServiceError("get_task", "failed to load task", err)
	}
	return view, nil
}

// GetPendingTasks lists PENDING tasks by priority.
func (s *RetrievalService) GetPendingTasks(ctx context.Context) ([]TaskView, error) {
	return s.listTasks(ctx, "get_pending_tasks", func(ctx context.Context, tasks store.TaskStore) ([]*domain.RetrievalTask, error) {
		return tasks.GetPendingTasks(ctx)
	})
}

// GetTasksBySource lists the latest tasks of a source.
func (s *RetrievalService) GetTasksBySource(ctx context.Context, sourceID string, limit int) ([]TaskView, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source_id is required", domain.ErrValidation)
	}
	return s.listTasks(ctx, "get_tasks_by_source", func(ctx context.Context, tasks store.TaskStore) ([]*domain.RetrievalTask, error) {
		return tasks.GetTasksBySource(ctx, sourceID, limit)
	})
}

// GetTasksByBatch lists the tasks of a batch.
func (s *RetrievalService) GetTasksByBatch(ctx context.Context, batchID string) ([]TaskView, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch_id is required", domain.ErrValidation)
	}
	return s.listTasks(ctx, "get_tasks_by_batch", func(ctx context.Context, tasks store.TaskStore) ([]*domain.RetrievalTask, error) {
		return tasks.GetTasksByBatch(ctx, batchID)
	})
}

// GetImagesByTask lists a task's images in the order they were stored.
func (s *RetrievalService) GetImagesByTask(ctx context.Context, taskID uuid.UUID) ([]ImageView, error) {
	var views []ImageView
	err := s.read(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		images, err := uow.Images()
		if err != nil {
			return err
		}
		if _, err := tasks.GetByID(ctx, taskID); err != nil {
			return err
		}
		found, err := images.GetImagesByTask(ctx, taskID)
		if err != nil {
			return err
		}
		views = imageViews(found)
		return nil
	})
	if err != nil {
		return nil, NewServiceError("get_images_by_task", "failed to load images", err)
	}
	return views, nil
}

func (s *RetrievalService) listTasks(
	ctx context.Context,
	operation string,
	query func(ctx context.Context, tasks store.TaskStore) ([]*domain.RetrievalTask, error),
) ([]TaskView, error) {
	var views []TaskView
	err := s.read(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		found, err := query(ctx, tasks)
		if err != nil {
			return err
		}
		views = taskViews(found)
		return nil
	})
	if err != nil {
		return nil, NewServiceError(operation, "failed to list tasks", err)
	}
	return views, nil
}

// read runs a query scope that is never committed.
func (s *RetrievalService) read(ctx context.Context, fn func(ctx context.Context, uow *store.UnitOfWork) error) error {
	err := s.uows.New().Run(ctx, fn)
	if errors.Is(err, store.ErrRepositoryNotRegistered) {
		logger.FromContextOrDefault(ctx, s.logger).Error("unit of work is misconfigured", slog.String("error", err.Error()))
	}
	return err
}
