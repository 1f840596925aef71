package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/store"
)

const taskColumns = `
	id, batch_id, source_type, source_name, source_id, location, retrieval_method,
	priority, storage_path, status, message, total_images, successful_images,
	failed_images, details, metadata, created_at, updated_at, started_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	images *PostgresImageStore
	logger *slog.Logger
}

// NewPostgresTaskStore creates a task store over a connection or transaction.
// Tasks are read together with their images.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		images: NewPostgresImageStore(db, logger),
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// GetByID implements store.TaskStore.GetByID
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.RetrievalTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	log.Debug("retrieving task by ID", slog.String("task_id", id.String()))

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM retrieval_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task by ID",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}

	if err := s.attachImages(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Save implements store.TaskStore.Save
// Saving an existing task overwrites its row, like Update.
func (s *PostgresTaskStore) Save(ctx context.Context, task *domain.RetrievalTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during save",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO retrieval_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15::jsonb, $16::jsonb, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			total_images = EXCLUDED.total_images,
			successful_images = EXCLUDED.successful_images,
			failed_images = EXCLUDED.failed_images,
			details = EXCLUDED.details,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		log.Error("failed to save task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("failed to save task: %w", MapError(err))
	}

	log.Debug("task saved",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status())))
	return nil
}

// Update implements store.TaskStore.Update
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) Update(ctx context.Context, task *domain.RetrievalTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	status, message, total, successful, failed, details, err := resultColumns(task)
	if err != nil {
		return err
	}
	metadata, err := jsonColumn(task.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE retrieval_tasks
		SET status = $1, message = $2, total_images = $3, successful_images = $4,
			failed_images = $5, details = $6::jsonb, metadata = $7::jsonb,
			updated_at = $8, started_at = $9, completed_at = $10
		WHERE id = $11
	`
	result, err := s.db.ExecContext(ctx, query,
		status, message, total, successful, failed, details, metadata,
		task.UpdatedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		log.Error("failed to update task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("failed to update task: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, store.ErrTaskNotFound); err != nil {
		log.Debug("task not found for update", slog.String("task_id", task.ID.String()))
		return err
	}

	log.Debug("task updated",
		slog.String("task_id", task.ID.String()),
		slog.String("status", status))
	return nil
}

// GetPendingTasks implements store.TaskStore.GetPendingTasks
func (s *PostgresTaskStore) GetPendingTasks(ctx context.Context) ([]*domain.RetrievalTask, error) {
	return s.list(ctx, "pending",
		`SELECT `+taskColumns+` FROM retrieval_tasks
		WHERE status = $1 ORDER BY priority DESC, created_at ASC`,
		string(domain.StatusPending))
}

// GetTasksBySource implements store.TaskStore.GetTasksBySource
func (s *PostgresTaskStore) GetTasksBySource(ctx context.Context, sourceID string, limit int) ([]*domain.RetrievalTask, error) {
	if limit <= 0 {
		limit = store.DefaultTasksBySourceLimit
	}
	return s.list(ctx, "by_source",
		`SELECT `+taskColumns+` FROM retrieval_tasks
		WHERE source_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sourceID, limit)
}

// GetTasksByBatch implements store.TaskStore.GetTasksByBatch
func (s *PostgresTaskStore) GetTasksByBatch(ctx context.Context, batchID string) ([]*domain.RetrievalTask, error) {
	return s.list(ctx, "by_batch",
		`SELECT `+taskColumns+` FROM retrieval_tasks
		WHERE batch_id = $1 ORDER BY created_at DESC`,
		batchID)
}

func (s *PostgresTaskStore) list(ctx context.Context, name, query string, args ...any) ([]*domain.RetrievalTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks",
			slog.String("query", name),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}

	tasks := make([]*domain.RetrievalTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	// The connection must be free before the image queries run on it.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close task rows: %w", err)
	}

	for _, task := range tasks {
		if err := s.attachImages(ctx, task); err != nil {
			return nil, err
		}
	}

	log.Debug("tasks listed", slog.String("query", name), slog.Int("count", len(tasks)))
	return tasks, nil
}

func (s *PostgresTaskStore) attachImages(ctx context.Context, task *domain.RetrievalTask) error {
	images, err := s.images.GetImagesByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	task.Images = images
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.RetrievalTask, error) {
	var (
		task                 domain.RetrievalTask
		sourceType, method   string
		status               string
		message              sql.NullString
		total, succ, failed  int
		details, metadata    []byte
		startedAt, completed sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.BatchID,
		&sourceType,
		&task.Source.SourceName,
		&task.Source.SourceID,
		&task.Source.Location,
		&method,
		&task.Priority,
		&task.StoragePath,
		&status,
		&message,
		&total,
		&succ,
		&failed,
		&details,
		&metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	task.Source.SourceType = domain.SourceType(sourceType)
	task.Source.RetrievalMethod = domain.RetrievalMethod(method)
	task.Images = make([]*domain.ImageData, 0)
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}

	if domain.RetrievalStatus(status) != domain.StatusPending {
		task.Result = &domain.RetrievalResult{
			Status:           domain.RetrievalStatus(status),
			Message:          message.String,
			TotalImages:      total,
			SuccessfulImages: succ,
			FailedImages:     failed,
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &task.Result.Details); err != nil {
				return nil, fmt.Errorf("failed to decode task details: %w", err)
			}
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode task metadata: %w", err)
		}
	}
	return &task, nil
}

func taskArgs(task *domain.RetrievalTask) ([]any, error) {
	status, message, total, successful, failed, details, err := resultColumns(task)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonColumn(task.Metadata)
	if err != nil {
		return nil, err
	}

	return []any{
		task.ID,
		task.BatchID,
		string(task.Source.SourceType),
		task.Source.SourceName,
		task.Source.SourceID,
		task.Source.Location,
		string(task.Source.RetrievalMethod),
		task.Priority,
		task.StoragePath,
		status,
		message,
		total,
		successful,
		failed,
		details,
		metadata,
		task.CreatedAt,
		task.UpdatedAt,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
	}, nil
}

func resultColumns(task *domain.RetrievalTask) (string, sql.NullString, int, int, int, sql.NullString, error) {
	status := string(task.Status())
	if task.Result == nil {
		return status, sql.NullString{}, 0, 0, 0, sql.NullString{}, nil
	}
	r := task.Result
	details, err := jsonColumn(r.Details)
	if err != nil {
		return "", sql.NullString{}, 0, 0, 0, sql.NullString{}, err
	}
	return status, sql.NullString{String: r.Message, Valid: true},
		r.TotalImages, r.SuccessfulImages, r.FailedImages, details, nil
}

func jsonColumn(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: cannot encode json column: %w", store.ErrInvalidEntity, err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
