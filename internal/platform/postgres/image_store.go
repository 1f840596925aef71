package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/store"
)

const imageColumns = `
	id, task_id, filename, file_path, format, modality, region, size_bytes,
	dimensions, is_stored, created_at, updated_at`

// PostgresImageStore implements the store.ImageStore interface
// using a PostgreSQL database as the storage backend.
type PostgresImageStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresImageStore creates an image store over a connection or transaction.
func NewPostgresImageStore(db store.DBTX, logger *slog.Logger) *PostgresImageStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresImageStore{
		db:     db,
		logger: logger.With(slog.String("component", "image_store")),
	}
}

// Ensure PostgresImageStore implements store.ImageStore interface
var _ store.ImageStore = (*PostgresImageStore)(nil)

// Save implements store.ImageStore.Save
// Returns store.ErrTaskNotFound if the owning task does not exist.
func (s *PostgresImageStore) Save(ctx context.Context, image *domain.ImageData) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := image.Validate(); err != nil {
		log.Warn("image validation failed during save",
			slog.String("error", err.Error()),
			slog.String("image_id", image.ID.String()))
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO images (` + imageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			file_path = EXCLUDED.file_path,
			size_bytes = EXCLUDED.size_bytes,
			dimensions = EXCLUDED.dimensions,
			is_stored = EXCLUDED.is_stored,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		image.ID,
		image.TaskID,
		image.Filename,
		image.FilePath,
		string(image.Metadata.Format),
		image.Metadata.Modality,
		image.Metadata.Region,
		image.Metadata.SizeBytes,
		sql.NullString{String: image.Metadata.Dimensions, Valid: image.Metadata.Dimensions != ""},
		image.IsStored,
		image.CreatedAt,
		image.UpdatedAt,
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			log.Warn("image references a missing task",
				slog.String("image_id", image.ID.String()),
				slog.String("task_id", image.TaskID.String()))
			return fmt.Errorf("image %s references task %s: %w", image.ID, image.TaskID, store.ErrTaskNotFound)
		}
		log.Error("failed to save image",
			slog.String("error", err.Error()),
			slog.String("image_id", image.ID.String()))
		return fmt.Errorf("failed to save image: %w", MapError(err))
	}

	log.Debug("image saved",
		slog.String("image_id", image.ID.String()),
		slog.String("task_id", image.TaskID.String()))
	return nil
}

// SaveBatch implements store.ImageStore.SaveBatch
func (s *PostgresImageStore) SaveBatch(ctx context.Context, images []*domain.ImageData) error {
	for _, image := range images {
		if err := s.Save(ctx, image); err != nil {
			return err
		}
	}
	return nil
}

// GetByID implements store.ImageStore.GetByID
// Returns store.ErrImageNotFound if the image does not exist.
func (s *PostgresImageStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ImageData, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	image, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("image not found", slog.String("image_id", id.String()))
			return nil, store.ErrImageNotFound
		}
		log.Error("failed to get image by ID",
			slog.String("error", err.Error()),
			slog.String("image_id", id.String()))
		return nil, fmt.Errorf("failed to get image: %w", MapError(err))
	}
	return image, nil
}

// GetImagesByTask implements store.ImageStore.GetImagesByTask
func (s *PostgresImageStore) GetImagesByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ImageData, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		log.Error("failed to query images",
			slog.String("error", err.Error()),
			slog.String("task_id", taskID.String()))
		return nil, fmt.Errorf("failed to query images: %w", MapError(err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close image rows", slog.String("error", err.Error()))
		}
	}()

	images := make([]*domain.ImageData, 0)
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		images = append(images, image)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating image rows: %w", err)
	}
	return images, nil
}

// GetImagesCountByTask implements store.ImageStore.GetImagesCountByTask
func (s *PostgresImageStore) GetImagesCountByTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE task_id = $1`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count images: %w", MapError(err))
	}
	return count, nil
}

// UpdateImageStatus implements store.ImageStore.UpdateImageStatus
// Returns store.ErrImageNotFound if the image does not exist.
func (s *PostgresImageStore) UpdateImageStatus(ctx context.Context, id uuid.UUID, isStored bool) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx,
		`UPDATE images SET is_stored = $1, updated_at = $2 WHERE id = $3`,
		isStored, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to update image status",
			slog.String("error", err.Error()),
			slog.String("image_id", id.String()))
		return fmt.Errorf("failed to update image status: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, store.ErrImageNotFound); err != nil {
		return err
	}

	log.Debug("image status updated",
		slog.String("image_id", id.String()),
		slog.Bool("is_stored", isStored))
	return nil
}

func scanImage(row rowScanner) (*domain.ImageData, error) {
	var (
		image      domain.ImageData
		format     string
		dimensions sql.NullString
	)

	err := row.Scan(
		&image.ID,
		&image.TaskID,
		&image.Filename,
		&image.FilePath,
		&format,
		&image.Metadata.Modality,
		&image.Metadata.Region,
		&image.Metadata.SizeBytes,
		&dimensions,
		&image.IsStored,
		&image.CreatedAt,
		&image.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	image.Metadata.Format = domain.ImageFormat(format)
	image.Metadata.Dimensions = dimensions.String
	return &image, nil
}
