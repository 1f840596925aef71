package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/data-retrieval/internal/api"
	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/config"
	"github.com/phrazzld/data-retrieval/internal/consumer"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/events"
	"github.com/phrazzld/data-retrieval/internal/platform/filestore"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/platform/memory"
	"github.com/phrazzld/data-retrieval/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource is a consumer.Source fed by the test.
type chanSource struct {
	queue   chan consumer.Message
	settled chan string

	mu     sync.Mutex
	acked  []string
	closed bool
}

func newChanSource() *chanSource {
	return &chanSource{queue: make(chan consumer.Message, 8), settled: make(chan string, 8)}
}

func (s *chanSource) Receive(ctx context.Context) (consumer.Message, error) {
	select {
	case msg := <-s.queue:
		return msg, nil
	case <-ctx.Done():
		return consumer.Message{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return consumer.Message{}, consumer.ErrPollTimeout
	}
}

func (s *chanSource) Ack(_ context.Context, msg consumer.Message) error {
	s.mu.Lock()
	s.acked = append(s.acked, msg.ID)
	s.mu.Unlock()
	s.settled <- msg.ID
	return nil
}

func (s *chanSource) Nack(_ context.Context, msg consumer.Message) error {
	s.settled <- msg.ID
	return nil
}

func (s *chanSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *chanSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, LogLevel: "debug"},
		Database: config.DatabaseConfig{Driver: "memory", MaxOpenConns: 1},
		Broker: config.BrokerConfig{
			Addr:            "localhost:6379",
			Topics:          []string{"retrieval-commands"},
			Group:           "data-retrieval",
			PollTimeout:     time.Second,
			RedeliveryDelay: time.Second,
		},
		Consumer: config.ConsumerConfig{
			Enabled:       true,
			MaxWorkers:    2,
			LogInterval:   10,
			ShutdownGrace: time.Second,
			DrainTimeout:  time.Second,
		},
		Storage: config.StorageConfig{BasePath: "/tmp/retrieval-test"},
		Events: config.EventsConfig{
			StreamPrefix:    "events:",
			Topics:          config.DefaultEventTopics,
			PublishAttempts: 1,
		},
	}
}

func memoryInfrastructure(log *slog.Logger, source consumer.Source) (*infrastructure, *events.MemoryProducers) {
	db := memory.NewDatabase()
	producers := events.NewMemoryProducers()
	infra := &infrastructure{
		sessions:  db,
		repos:     memory.Repositories(),
		sink:      filestore.NewMemory(log),
		producers: producers,
	}
	if source != nil {
		infra.source = source
	}
	return infra, producers
}

func envelope(t *testing.T, cmd command.Command) []byte {
	t.Helper()
	env, err := command.NewEnvelope(cmd, "corr-1")
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func createTask() command.CreateRetrievalTask {
	return command.CreateRetrievalTask{
		SourceType:      domain.SourceTypeClinic,
		SourceName:      "Riverside Clinic",
		SourceID:        "CLN-7",
		Location:        "https://clinic.example/api",
		RetrievalMethod: domain.RetrievalMethodAPI,
		BatchID:         "batch-7",
		StoragePath:     "clinic",
	}
}

func TestNewApplicationRegistersEveryCommand(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	infra, _ := memoryInfrastructure(log, nil)

	app, err := newApplication(testConfig(), log, infra)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.shutdown(context.Background()) })

	assert.Len(t, app.registry.Types(), 7)
	assert.Nil(t, app.consumer, "no source means no consumer")
}

func TestRouterServesAPIAndHealth(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	infra, producers := memoryInfrastructure(log, nil)
	app, err := newApplication(testConfig(), log, infra)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.shutdown(context.Background()) })
	router := app.setupRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	body, err := json.Marshal(createTask())
	require.NoError(t, err)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var task service.TaskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID.String()+"/start", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, producers.Records("events:retrieval-started"), 1, "configured topics carry the stream prefix")
}

func TestRunConsumesCommandsUntilCancelled(t *testing.T) {
	log, buf := logger.GetTestLogger(t)
	source := newChanSource()
	infra, producers := memoryInfrastructure(log, source)

	app, err := newApplication(testConfig(), log, infra)
	require.NoError(t, err)
	require.NotNil(t, app.consumer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx, listener) }()

	source.queue <- consumer.Message{Topic: "retrieval-commands", ID: "1-0", Payload: envelope(t, createTask())}
	select {
	case id := <-source.settled:
		assert.Equal(t, "1-0", id)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not settled")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/tasks?batch_id=batch-7", listener.Addr()))
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	var tasks []service.TaskView
	require.NoError(t, json.Unmarshal(raw, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.StatusPending, tasks[0].Status)

	resp, err = http.Get(fmt.Sprintf("http://%s/health", listener.Addr()))
	require.NoError(t, err)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.NoError(t, resp.Body.Close())
	require.NotNil(t, health.Consumer)
	assert.True(t, health.Consumer.Running)
	assert.Equal(t, int64(1), health.Consumer.Acked)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	assert.True(t, source.isClosed())
	assert.Zero(t, producers.Total(), "creating a task publishes no events")
	assert.NotEmpty(t, buf.EntriesWithMessage("shutdown completed"))
}

func TestRunMigrationsRejectsBadInput(t *testing.T) {
	log, _ := logger.GetTestLogger(t)

	err := runMigrations(context.Background(), testConfig(), "drop-everything", log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported migration command")

	err = runMigrations(context.Background(), testConfig(), "up", log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres driver")
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")

	root.SetArgs([]string{"migrate", "sideways"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")
}

func TestSlogGooseLogger(t *testing.T) {
	log, buf := logger.GetTestLogger(t)
	l := &slogGooseLogger{logger: log}

	l.Printf("OK   %s (%s)\n", "00001_create_retrieval_tasks.sql", "12ms")
	l.Fatalf("failed to apply %s", "00002_create_images.sql")

	out := buf.String()
	assert.Contains(t, out, "OK   00001_create_retrieval_tasks.sql (12ms)")
	assert.True(t, strings.Contains(out, `"level":"ERROR"`))
}
