package service_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/events"
	"github.com/phrazzld/data-retrieval/internal/platform/filestore"
	"github.com/phrazzld/data-retrieval/internal/platform/memory"
	"github.com/phrazzld/data-retrieval/internal/service"
	"github.com/phrazzld/data-retrieval/internal/store"
	"github.com/stretchr/testify/require"
)

var testPolicy = service.PublishPolicy{Attempts: 3, Backoff: time.Millisecond}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// destination is where the default router sends an event type.
func destination(eventName string) string {
	return "retrieval-" + strings.ToLower(eventName)
}

type fixture struct {
	db           *memory.Database
	uows         *store.UnitOfWorkFactory
	sink         *filestore.Store
	producers    *events.MemoryProducers
	publisher    *events.Publisher
	retrieval    *service.RetrievalService
	compensation *service.CompensationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, nil)
}

// newFixtureWith lets a test replace the sink or the publisher.
func newFixtureWith(t *testing.T, sink service.ContentSink, publisher service.EventPublisher) *fixture {
	t.Helper()
	log := discardLogger()

	f := &fixture{
		db:        memory.NewDatabase(),
		sink:      filestore.NewMemory(log),
		producers: events.NewMemoryProducers(),
	}
	var err error
	f.uows, err = store.NewUnitOfWorkFactory(f.db, memory.Repositories(), log)
	require.NoError(t, err)
	f.publisher = events.NewPublisher(f.producers, events.NewRouter("", nil), nil, log)
	t.Cleanup(func() { _ = f.publisher.Close() })

	if sink == nil {
		sink = f.sink
	}
	if publisher == nil {
		publisher = f.publisher
	}

	f.retrieval, err = service.NewRetrievalService(f.uows, sink, publisher, testPolicy, log)
	require.NoError(t, err)
	f.compensation, err = service.NewCompensationService(f.uows, sink, publisher, testPolicy, log)
	require.NoError(t, err)
	return f
}

func createCommand(batchID string) command.CreateRetrievalTask {
	return command.CreateRetrievalTask{
		SourceType:      domain.SourceTypeHospital,
		SourceName:      "General Hospital",
		SourceID:        "HOSP-001",
		Location:        "sftp://pacs.general.example",
		RetrievalMethod: domain.RetrievalMethodSFTP,
		BatchID:         batchID,
		StoragePath:     "hospital",
		Priority:        1,
	}
}

func upload(filename string, content string) command.ImageUpload {
	return command.ImageUpload{
		FileContent: []byte(content),
		Filename:    filename,
		Format:      domain.ImageFormatDICOM,
		Modality:    "CT",
		Region:      "HEAD",
		Dimensions:  "512x512",
	}
}

// startedTask creates and starts a task.
func (f *fixture) startedTask(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	created, err := f.retrieval.CreateTask(ctx, createCommand("B1"))
	require.NoError(t, err)
	_, err = f.retrieval.StartTask(ctx, command.StartRetrievalTask{TaskID: created.ID})
	require.NoError(t, err)
	return created.ID
}

// recordingPublisher fails the calls listed in failures, in order.
type recordingPublisher struct {
	calls    [][]domain.Event
	failures []error
}

func (p *recordingPublisher) PublishAll(_ context.Context, evts []domain.Event) error {
	p.calls = append(p.calls, evts)
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

// failingSink rejects every write.
type failingSink struct {
	err error
}

func (s failingSink) Write(context.Context, string, []byte) (int64, error) { return 0, s.err }
func (s failingSink) Delete(context.Context, string) error                 { return s.err }
