package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/store"
)

// Repositories returns the factories a UnitOfWorkFactory needs to lend out
// memory-backed stores.
func Repositories() map[string]store.RepositoryFactory {
	return map[string]store.RepositoryFactory{
		store.RetrievalRepository: func(s store.Session, log *slog.Logger) (any, error) {
			session, ok := s.(*Session)
			if !ok {
				return nil, fmt.Errorf("memory task store needs a *memory.Session, got %T", s)
			}
			return NewTaskStore(session, log), nil
		},
		store.ImageRepository: func(s store.Session, log *slog.Logger) (any, error) {
			session, ok := s.(*Session)
			if !ok {
				return nil, fmt.Errorf("memory image store needs a *memory.Session, got %T", s)
			}
			return NewImageStore(session, log), nil
		},
	}
}

// TaskStore implements store.TaskStore over a Session.
type TaskStore struct {
	session *Session
	logger  *slog.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore binds a task store to session.
func NewTaskStore(session *Session, log *slog.Logger) *TaskStore {
	if log == nil {
		log = slog.Default()
	}
	return &TaskStore{session: session, logger: log.With(slog.String("component", "memory_task_store"))}
}

// GetByID implements store.TaskStore.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.RetrievalTask, error) {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return nil, err
	}

	rec, ok := s.session.tasks[id]
	if !ok {
		logger.FromContextOrDefault(ctx, s.logger).Debug("task not found", slog.String("task_id", id.String()))
		return nil, store.ErrTaskNotFound
	}
	return s.hydrate(rec)
}

// Save implements store.TaskStore.
func (s *TaskStore) Save(ctx context.Context, task *domain.RetrievalTask) error {
	return s.write(ctx, task, false)
}

// Update implements store.TaskStore.
func (s *TaskStore) Update(ctx context.Context, task *domain.RetrievalTask) error {
	return s.write(ctx, task, true)
}

func (s *TaskStore) write(ctx context.Context, task *domain.RetrievalTask, mustExist bool) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	rec, err := toTaskRecord(task)
	if err != nil {
		return err
	}

	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return err
	}

	existing, exists := s.session.tasks[task.ID]
	if mustExist && !exists {
		return store.ErrTaskNotFound
	}
	if exists {
		rec.CreatedAt = existing.CreatedAt
	}
	s.session.tasks[task.ID] = rec
	s.session.dirtyTasks[task.ID] = struct{}{}

	logger.FromContextOrDefault(ctx, s.logger).Debug("task written",
		slog.String("task_id", task.ID.String()),
		slog.String("status", rec.Status))
	return nil
}

// GetPendingTasks implements store.TaskStore.
func (s *TaskStore) GetPendingTasks(ctx context.Context) ([]*domain.RetrievalTask, error) {
	recs, err := s.filter(func(r taskRecord) bool { return r.Status == string(domain.StatusPending) })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return s.hydrateAll(recs)
}

// GetTasksBySource implements store.TaskStore.
func (s *TaskStore) GetTasksBySource(ctx context.Context, sourceID string, limit int) ([]*domain.RetrievalTask, error) {
	if limit <= 0 {
		limit = store.DefaultTasksBySourceLimit
	}
	recs, err := s.filter(func(r taskRecord) bool { return r.SourceID == sourceID })
	if err != nil {
		return nil, err
	}
	sortNewestFirst(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return s.hydrateAll(recs)
}

// GetTasksByBatch implements store.TaskStore.
func (s *TaskStore) GetTasksByBatch(ctx context.Context, batchID string) ([]*domain.RetrievalTask, error) {
	recs, err := s.filter(func(r taskRecord) bool { return r.BatchID == batchID })
	if err != nil {
		return nil, err
	}
	sortNewestFirst(recs)
	return s.hydrateAll(recs)
}

func (s *TaskStore) filter(keep func(taskRecord) bool) ([]taskRecord, error) {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return nil, err
	}

	recs := make([]taskRecord, 0)
	for _, rec := range s.session.tasks {
		if keep(rec) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *TaskStore) hydrateAll(recs []taskRecord) ([]*domain.RetrievalTask, error) {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()

	tasks := make([]*domain.RetrievalTask, 0, len(recs))
	for _, rec := range recs {
		task, err := s.hydrate(rec)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// hydrate expects the session lock to be held.
func (s *TaskStore) hydrate(rec taskRecord) (*domain.RetrievalTask, error) {
	task, err := fromTaskRecord(rec)
	if err != nil {
		return nil, err
	}
	for _, img := range imagesOf(s.session, rec.ID) {
		task.Images = append(task.Images, fromImageRecord(img))
	}
	return task, nil
}

func sortNewestFirst(recs []taskRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// ImageStore implements store.ImageStore over a Session.
type ImageStore struct {
	session *Session
	logger  *slog.Logger
}

var _ store.ImageStore = (*ImageStore)(nil)

// NewImageStore binds an image store to session.
func NewImageStore(session *Session, log *slog.Logger) *ImageStore {
	if log == nil {
		log = slog.Default()
	}
	return &ImageStore{session: session, logger: log.With(slog.String("component", "memory_image_store"))}
}

// Save implements store.ImageStore.
func (s *ImageStore) Save(ctx context.Context, image *domain.ImageData) error {
	return s.SaveBatch(ctx, []*domain.ImageData{image})
}

// SaveBatch implements store.ImageStore.
func (s *ImageStore) SaveBatch(ctx context.Context, images []*domain.ImageData) error {
	for _, img := range images {
		if err := img.Validate(); err != nil {
			return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}
	}

	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return err
	}

	for _, img := range images {
		if _, ok := s.session.tasks[img.TaskID]; !ok {
			return fmt.Errorf("image %s references missing task: %w", img.ID, store.ErrTaskNotFound)
		}
	}
	for _, img := range images {
		rec := toImageRecord(img)
		if existing, ok := s.session.images[img.ID]; ok {
			rec.seq = existing.seq
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.seq = s.session.nextSeq()
		}
		s.session.images[img.ID] = rec
		s.session.dirtyImages[img.ID] = struct{}{}
	}

	logger.FromContextOrDefault(ctx, s.logger).Debug("images written", slog.Int("count", len(images)))
	return nil
}

// GetByID implements store.ImageStore.
func (s *ImageStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ImageData, error) {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return nil, err
	}

	rec, ok := s.session.images[id]
	if !ok {
		return nil, store.ErrImageNotFound
	}
	return fromImageRecord(rec), nil
}

// GetImagesByTask implements store.ImageStore.
func (s *ImageStore) GetImagesByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ImageData, error) {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return nil, err
	}

	recs := imagesOf(s.session, taskID)
	images := make([]*domain.ImageData, 0, len(recs))
	for _, rec := range recs {
		images = append(images, fromImageRecord(rec))
	}
	return images, nil
}

// GetImagesCountByTask implements store.ImageStore.
func (s *ImageStore) GetImagesCountByTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return 0, err
	}
	return len(imagesOf(s.session, taskID)), nil
}

// UpdateImageStatus implements store.ImageStore.
func (s *ImageStore) UpdateImageStatus(ctx context.Context, id uuid.UUID, isStored bool) error {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	if err := s.session.use(); err != nil {
		return err
	}

	rec, ok := s.session.images[id]
	if !ok {
		return store.ErrImageNotFound
	}
	rec.IsStored = isStored
	s.session.images[id] = rec
	s.session.dirtyImages[id] = struct{}{}
	return nil
}

// imagesOf expects the session lock to be held.
func imagesOf(s *Session, taskID uuid.UUID) []imageRecord {
	recs := make([]imageRecord, 0)
	for _, rec := range s.images {
		if rec.TaskID == taskID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	return recs
}

func toTaskRecord(t *domain.RetrievalTask) (taskRecord, error) {
	rec := taskRecord{
		ID:              t.ID,
		BatchID:         t.BatchID,
		SourceType:      string(t.Source.SourceType),
		SourceName:      t.Source.SourceName,
		SourceID:        t.Source.SourceID,
		Location:        t.Source.Location,
		RetrievalMethod: string(t.Source.RetrievalMethod),
		Priority:        t.Priority,
		StoragePath:     t.StoragePath,
		Status:          string(t.Status()),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		StartedAt:       copyTime(t.StartedAt),
		CompletedAt:     copyTime(t.CompletedAt),
	}

	if t.Result != nil {
		rec.HasResult = true
		rec.Message = t.Result.Message
		rec.TotalImages = t.Result.TotalImages
		rec.SuccessfulImages = t.Result.SuccessfulImages
		rec.FailedImages = t.Result.FailedImages
		if t.Result.Details != nil {
			raw, err := json.Marshal(t.Result.Details)
			if err != nil {
				return taskRecord{}, fmt.Errorf("%w: details: %w", store.ErrInvalidEntity, err)
			}
			rec.Details = raw
		}
	}
	if t.Metadata != nil {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return taskRecord{}, fmt.Errorf("%w: metadata: %w", store.ErrInvalidEntity, err)
		}
		rec.Metadata = raw
	}
	return rec, nil
}

func fromTaskRecord(rec taskRecord) (*domain.RetrievalTask, error) {
	task := &domain.RetrievalTask{
		ID: rec.ID,
		Source: domain.SourceMetadata{
			SourceType:      domain.SourceType(rec.SourceType),
			SourceName:      rec.SourceName,
			SourceID:        rec.SourceID,
			Location:        rec.Location,
			RetrievalMethod: domain.RetrievalMethod(rec.RetrievalMethod),
		},
		BatchID:     rec.BatchID,
		Priority:    rec.Priority,
		StoragePath: rec.StoragePath,
		Images:      make([]*domain.ImageData, 0),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		StartedAt:   copyTime(rec.StartedAt),
		CompletedAt: copyTime(rec.CompletedAt),
	}

	if rec.HasResult {
		task.Result = &domain.RetrievalResult{
			Status:           domain.RetrievalStatus(rec.Status),
			Message:          rec.Message,
			TotalImages:      rec.TotalImages,
			SuccessfulImages: rec.SuccessfulImages,
			FailedImages:     rec.FailedImages,
		}
		if rec.Details != nil {
			if err := json.Unmarshal(rec.Details, &task.Result.Details); err != nil {
				return nil, fmt.Errorf("decode task details: %w", err)
			}
		}
	}
	if rec.Metadata != nil {
		if err := json.Unmarshal(rec.Metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	return task, nil
}

func toImageRecord(img *domain.ImageData) imageRecord {
	return imageRecord{
		ID:         img.ID,
		TaskID:     img.TaskID,
		Filename:   img.Filename,
		FilePath:   img.FilePath,
		Format:     string(img.Metadata.Format),
		Modality:   img.Metadata.Modality,
		Region:     img.Metadata.Region,
		SizeBytes:  img.Metadata.SizeBytes,
		Dimensions: img.Metadata.Dimensions,
		IsStored:   img.IsStored,
		CreatedAt:  img.CreatedAt,
		UpdatedAt:  img.UpdatedAt,
	}
}

func fromImageRecord(rec imageRecord) *domain.ImageData {
	return &domain.ImageData{
		ID:     rec.ID,
		TaskID: rec.TaskID,
		Metadata: domain.ImageMetadata{
			Format:     domain.ImageFormat(rec.Format),
			Modality:   rec.Modality,
			Region:     rec.Region,
			SizeBytes:  rec.SizeBytes,
			Dimensions: rec.Dimensions,
		},
		Filename:  rec.Filename,
		FilePath:  rec.FilePath,
		IsStored:  rec.IsStored,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
