package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/config"
	"github.com/phrazzld/data-retrieval/internal/consumer"
	"github.com/phrazzld/data-retrieval/internal/events"
	"github.com/phrazzld/data-retrieval/internal/platform/filestore"
	"github.com/phrazzld/data-retrieval/internal/platform/memory"
	"github.com/phrazzld/data-retrieval/internal/platform/postgres"
	"github.com/phrazzld/data-retrieval/internal/platform/redisstream"
	"github.com/phrazzld/data-retrieval/internal/service"
	"github.com/phrazzld/data-retrieval/internal/store"
)

// infrastructure holds the external connections the application runs on.
type infrastructure struct {
	sessions  store.SessionFactory
	repos     map[string]store.RepositoryFactory
	sink      service.ContentSink
	producers events.ProducerFactory
	// source is nil when the consumer is disabled.
	source consumer.Source
	// closers release the connections not owned by another component.
	closers []func() error
}

func (i *infrastructure) close() error {
	var errs []error
	for n := len(i.closers) - 1; n >= 0; n-- {
		errs = append(errs, i.closers[n]())
	}
	i.closers = nil
	return errors.Join(errs...)
}

// closeAll also closes the producers and the source. It is used when the
// application never took ownership of them.
func (i *infrastructure) closeAll() error {
	var errs []error
	if i.source != nil {
		errs = append(errs, i.source.Close())
	}
	if closer, ok := i.producers.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, i.close())
	return errors.Join(errs...)
}

// connect opens the database, the content sink and the broker connections.
// Whatever was opened is closed again when a later step fails.
func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *infrastructure, err error) {
	infra := &infrastructure{}
	defer func() {
		if err != nil {
			_ = infra.close()
		}
	}()

	switch cfg.Database.Driver {
	case "memory":
		log.Warn("using the in-memory database; state is lost on exit")
		infra.sessions = memory.NewDatabase()
		infra.repos = memory.Repositories()
	default:
		db, err := openDatabase(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		infra.closers = append(infra.closers, db.Close)
		infra.sessions = postgres.NewSessionFactory(db)
		infra.repos = postgres.Repositories()
	}

	infra.sink, err = filestore.NewOS(cfg.Storage.BasePath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open image storage: %w", err)
	}

	// The receiver blocks in XREADGROUP on its own client.
	producerClient, err := redisstream.NewClient(ctx, cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	infra.producers = redisstream.NewProducers(producerClient, cfg.Broker.StreamMaxLen, log)

	if cfg.Consumer.Enabled {
		receiverClient, err := redisstream.NewClient(ctx, cfg.Broker)
		if err != nil {
			_ = producerClient.Close()
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		infra.source, err = redisstream.NewReceiver(ctx, receiverClient, redisstream.ReceiverConfig{
			Streams:         cfg.Broker.Topics,
			Group:           cfg.Broker.Group,
			Consumer:        cfg.Broker.ConsumerName,
			PollTimeout:     cfg.Broker.PollTimeout,
			RedeliveryDelay: cfg.Broker.RedeliveryDelay,
		}, log)
		if err != nil {
			_ = receiverClient.Close()
			_ = producerClient.Close()
			return nil, fmt.Errorf("failed to join consumer group: %w", err)
		}
	}

	log.Info("infrastructure connected",
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("storage_path", cfg.Storage.BasePath),
		slog.Bool("consumer_enabled", infra.source != nil))
	return infra, nil
}

// application holds the wired services and the components that need to be
// started and stopped.
type application struct {
	config *config.Config
	logger *slog.Logger
	infra  *infrastructure

	publisher    *events.Publisher
	retrieval    *service.RetrievalService
	compensation *service.CompensationService
	registry     *command.Registry
	consumer     *consumer.Consumer
}

// newApplication wires the services on top of infra.
func newApplication(cfg *config.Config, log *slog.Logger, infra *infrastructure) (*application, error) {
	app := &application{config: cfg, logger: log, infra: infra}

	uows, err := store.NewUnitOfWorkFactory(infra.sessions, infra.repos, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit of work factory: %w", err)
	}

	emitter := events.NewInMemoryEventEmitter(log)
	emitter.RegisterHandler(events.NewLifecycleLogger(log))
	app.publisher = events.NewPublisher(
		infra.producers,
		events.NewRouter(cfg.Events.StreamPrefix, cfg.Events.Topics),
		emitter,
		log,
	)

	policy := service.DefaultPublishPolicy()
	policy.Attempts = cfg.Events.PublishAttempts

	app.retrieval, err = service.NewRetrievalService(uows, infra.sink, app.publisher, policy, log)
	if err != nil {
		return nil, err
	}
	app.compensation, err = service.NewCompensationService(uows, infra.sink, app.publisher, policy, log)
	if err != nil {
		return nil, err
	}

	app.registry = command.NewRegistry()
	service.RegisterHandlers(app.registry, app.retrieval, app.compensation)

	if infra.source != nil {
		consumerCfg := consumer.DefaultConfig()
		consumerCfg.MaxWorkers = cfg.Consumer.MaxWorkers
		consumerCfg.LogInterval = cfg.Consumer.LogInterval
		consumerCfg.ShutdownGrace = cfg.Consumer.ShutdownGrace
		consumerCfg.DrainTimeout = cfg.Consumer.DrainTimeout
		app.consumer = consumer.New(infra.source, app.registry, consumerCfg, log)
	}

	log.Info("application initialized",
		slog.Any("commands", app.registry.Types()),
		slog.Uint64("publish_attempts", policy.Attempts))
	return app, nil
}

// start launches the background components.
func (app *application) start(ctx context.Context) error {
	if app.consumer == nil {
		return nil
	}
	return app.consumer.Start(ctx)
}

// shutdown stops consuming, closes the producers and releases the
// remaining connections, in that order.
func (app *application) shutdown(ctx context.Context) error {
	var errs []error
	if app.consumer != nil {
		if err := app.consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer: %w", err))
		}
	}
	if err := app.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := app.infra.close(); err != nil {
		errs = append(errs, fmt.Errorf("close infrastructure: %w", err))
	}
	return errors.Join(errs...)
}
