package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTask(t *testing.T, sourceID, batchID string, priority int) *domain.RetrievalTask {
	t.Helper()
	task, err := domain.NewRetrievalTask(domain.SourceMetadata{
		SourceType:      domain.SourceTypeHospital,
		SourceName:      "General Hospital",
		SourceID:        sourceID,
		Location:        "Paris",
		RetrievalMethod: domain.RetrievalMethodAPI,
	}, batchID, "hospital", priority, map[string]any{"ward": "radiology"})
	require.NoError(t, err)
	return task
}

func newImage(t *testing.T, task *domain.RetrievalTask, filename string) *domain.ImageData {
	t.Helper()
	img, err := domain.NewImageData(task.ID, filename, task.ImagePath(filename), domain.ImageMetadata{
		Format:    domain.ImageFormatDICOM,
		Modality:  "CT",
		Region:    "CHEST",
		SizeBytes: 128,
	})
	require.NoError(t, err)
	return img
}

func begin(t *testing.T, db *Database) *Session {
	t.Helper()
	s, err := db.Begin(context.Background())
	require.NoError(t, err)
	return s.(*Session)
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase()

	task := newTask(t, "H-1", "batch-1", 2)
	require.NoError(t, task.Start())
	img := newImage(t, task, "scan.dcm")
	require.NoError(t, task.AddImage(img))

	s := begin(t, db)
	require.NoError(t, NewTaskStore(s, testLogger).Save(ctx, task))
	require.NoError(t, NewImageStore(s, testLogger).Save(ctx, img))
	require.NoError(t, s.Commit(ctx))

	read := begin(t, db)
	defer read.Rollback(ctx)

	got, err := NewTaskStore(read, testLogger).GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status())
	assert.Equal(t, task.Source, got.Source)
	assert.Equal(t, "radiology", got.Metadata["ward"])
	require.Len(t, got.Images, 1)
	assert.Equal(t, img.ID, got.Images[0].ID)
	assert.Equal(t, img.FilePath, got.Images[0].FilePath)
	assert.Empty(t, got.PendingEvents(), "hydrated tasks carry no events")
}

func TestSessionIsolation(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase()
	task := newTask(t, "H-1", "batch-1", 0)

	s := begin(t, db)
	require.NoError(t, NewTaskStore(s, testLogger).Save(ctx, task))

	other := begin(t, db)
	_, err := NewTaskStore(other, testLogger).GetByID(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound, "uncommitted writes are invisible to other sessions")
	require.NoError(t, other.Rollback(ctx))

	require.NoError(t, s.Rollback(ctx))
	assert.Equal(t, 0, db.TaskCount())

	_, err = NewTaskStore(s, testLogger).GetByID(ctx, task.ID)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Commit(ctx), ErrSessionClosed)
}

func TestFailNextCommit(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase()
	boom := errors.New("disk full")
	db.FailNextCommit(boom)

	s := begin(t, db)
	require.NoError(t, NewTaskStore(s, testLogger).Save(ctx, newTask(t, "H-1", "b", 0)))
	assert.ErrorIs(t, s.Commit(ctx), boom)
	assert.Equal(t, 0, db.TaskCount())

	s = begin(t, db)
	require.NoError(t, NewTaskStore(s, testLogger).Save(ctx, newTask(t, "H-1", "b", 0)))
	require.NoError(t, s.Commit(ctx), "the fault fires once")
	assert.Equal(t, 1, db.TaskCount())
}

func TestUpdateRequiresExistingTask(t *testing.T) {
	ctx := context.Background()
	s := begin(t, NewDatabase())
	defer s.Rollback(ctx)

	tasks := NewTaskStore(s, testLogger)
	task := newTask(t, "H-1", "b", 0)
	assert.ErrorIs(t, tasks.Update(ctx, task), store.ErrTaskNotFound)

	require.NoError(t, tasks.Save(ctx, task))
	require.NoError(t, task.Start())
	require.NoError(t, tasks.Update(ctx, task))

	got, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status())
}

func TestTaskQueries(t *testing.T) {
	ctx := context.Background()
	s := begin(t, NewDatabase())
	defer s.Rollback(ctx)
	tasks := NewTaskStore(s, testLogger)

	base := time.Now().UTC()
	low := newTask(t, "H-1", "b1", 1)
	low.CreatedAt = base
	high := newTask(t, "H-1", "b1", 5)
	high.CreatedAt = base.Add(time.Second)
	older := newTask(t, "H-2", "b2", 5)
	older.CreatedAt = base.Add(-time.Second)
	started := newTask(t, "H-2", "b2", 9)
	started.CreatedAt = base.Add(2 * time.Second)
	require.NoError(t, started.Start())

	for _, task := range []*domain.RetrievalTask{low, high, older, started} {
		require.NoError(t, tasks.Save(ctx, task))
	}

	pending, err := tasks.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []uuid.UUID{older.ID, high.ID, low.ID}, ids(pending), "priority desc, then oldest first")

	bySource, err := tasks.GetTasksBySource(ctx, "H-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{high.ID, low.ID}, ids(bySource))

	limited, err := tasks.GetTasksBySource(ctx, "H-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{high.ID}, ids(limited))

	byBatch, err := tasks.GetTasksByBatch(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{started.ID, older.ID}, ids(byBatch))

	none, err := tasks.GetTasksByBatch(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestImageStore(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase()
	task := newTask(t, "H-1", "b", 0)

	s := begin(t, db)
	images := NewImageStore(s, testLogger)
	orphan := newImage(t, newTask(t, "H-9", "b", 0), "orphan.dcm")
	assert.ErrorIs(t, images.Save(ctx, orphan), store.ErrTaskNotFound)

	require.NoError(t, NewTaskStore(s, testLogger).Save(ctx, task))
	batch := []*domain.ImageData{
		newImage(t, task, "c.dcm"),
		newImage(t, task, "a.dcm"),
		newImage(t, task, "b.dcm"),
	}
	require.NoError(t, images.SaveBatch(ctx, batch))
	require.NoError(t, s.Commit(ctx))

	s = begin(t, db)
	defer s.Rollback(ctx)
	images = NewImageStore(s, testLogger)

	got, err := images.GetImagesByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c.dcm", "a.dcm", "b.dcm"}, []string{got[0].Filename, got[1].Filename, got[2].Filename})

	require.NoError(t, images.UpdateImageStatus(ctx, batch[1].ID, false))
	one, err := images.GetByID(ctx, batch[1].ID)
	require.NoError(t, err)
	assert.False(t, one.IsStored)

	count, err := images.GetImagesCountByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "removed images are still counted")

	_, err = images.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrImageNotFound)
	assert.ErrorIs(t, images.UpdateImageStatus(ctx, uuid.New(), false), store.ErrImageNotFound)
}

func TestRepositoriesWithUnitOfWork(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase()
	factory, err := store.NewUnitOfWorkFactory(db, Repositories(), testLogger)
	require.NoError(t, err)

	task := newTask(t, "H-1", "b", 0)
	err = factory.New().Run(ctx, func(ctx context.Context, uow *store.UnitOfWork) error {
		tasks, err := uow.Tasks()
		if err != nil {
			return err
		}
		if err := tasks.Save(ctx, task); err != nil {
			return err
		}
		return uow.Commit(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.TaskCount())
}

func ids(tasks []*domain.RetrievalTask) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
