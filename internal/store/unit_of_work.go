package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/phrazzld/data-retrieval/internal/platform/logger"
)

// Session is one open transaction against the backing store. Committing or
// rolling back releases it.
type Session interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionFactory opens transactional sessions.
type SessionFactory interface {
	Begin(ctx context.Context) (Session, error)
}

// RepositoryFactory builds a repository bound to session.
type RepositoryFactory func(session Session, logger *slog.Logger) (any, error)

// UnitOfWorkFactory hands out a fresh UnitOfWork per command. It is safe for
// concurrent use; the units it creates are not.
type UnitOfWorkFactory struct {
	sessions  SessionFactory
	factories map[string]RepositoryFactory
	logger    *slog.Logger
}

// NewUnitOfWorkFactory validates the registry once at startup.
func NewUnitOfWorkFactory(
	sessions SessionFactory,
	factories map[string]RepositoryFactory,
	logger *slog.Logger,
) (*UnitOfWorkFactory, error) {
	if sessions == nil {
		return nil, errors.New("session factory cannot be nil")
	}
	if len(factories) == 0 {
		return nil, errors.New("at least one repository factory must be registered")
	}
	for name, f := range factories {
		if f == nil {
			return nil, fmt.Errorf("repository factory %q cannot be nil", name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	registered := make(map[string]RepositoryFactory, len(factories))
	for name, f := range factories {
		registered[name] = f
	}

	return &UnitOfWorkFactory{
		sessions:  sessions,
		factories: registered,
		logger:    logger.With(slog.String("component", "unit_of_work")),
	}, nil
}

// New returns an unstarted unit of work.
func (f *UnitOfWorkFactory) New() *UnitOfWork {
	return &UnitOfWork{
		sessions:  f.sessions,
		factories: f.factories,
		logger:    f.logger,
	}
}

// Registered lists the repository names, sorted.
func (f *UnitOfWorkFactory) Registered() []string {
	names := make([]string, 0, len(f.factories))
	for name := range f.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type uowState int

const (
	stateNew uowState = iota
	stateActive
	stateCommitted
	stateRolledBack
	stateClosed
)

func (s uowState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateActive:
		return "active"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled_back"
	default:
		return "closed"
	}
}

// UnitOfWork binds one session and the repositories lent out over it.
// A unit is single use: begin, work, commit or roll back, close.
type UnitOfWork struct {
	sessions  SessionFactory
	factories map[string]RepositoryFactory
	logger    *slog.Logger

	mu      sync.Mutex
	state   uowState
	session Session
	repos   map[string]any
}

// Begin opens the session.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateNew {
		return fmt.Errorf("%w: begin called in state %s", ErrUnitOfWorkState, u.state)
	}

	session, err := u.sessions.Begin(ctx)
	if err != nil {
		u.state = stateClosed
		logger.FromContextOrDefault(ctx, u.logger).Error("failed to begin transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrTransactionFailed, err)
	}

	u.session = session
	u.repos = make(map[string]any)
	u.state = stateActive
	return nil
}

// Repository returns the repository registered under name, building it on
// first use and reusing it for the rest of the scope.
func (u *UnitOfWork) Repository(name string) (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateActive {
		return nil, fmt.Errorf("%w: repository %q requested in state %s", ErrUnitOfWorkState, name, u.state)
	}
	if repo, ok := u.repos[name]; ok {
		return repo, nil
	}

	factory, ok := u.factories[name]
	if !ok {
		u.logger.Error("repository lookup for unregistered name",
			slog.String("repository", name),
			slog.Bool("fatal_config", true))
		return nil, fmt.Errorf("%w: %q", ErrRepositoryNotRegistered, name)
	}

	repo, err := factory(u.session, u.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository %q: %w", name, err)
	}
	u.repos[name] = repo
	return repo, nil
}

// Tasks returns the retrieval task repository of this scope.
func (u *UnitOfWork) Tasks() (TaskStore, error) {
	repo, err := u.Repository(RetrievalRepository)
	if err != nil {
		return nil, err
	}
	tasks, ok := repo.(TaskStore)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %T, not a TaskStore", ErrRepositoryNotRegistered, RetrievalRepository, repo)
	}
	return tasks, nil
}

// Images returns the image repository of this scope.
func (u *UnitOfWork) Images() (ImageStore, error) {
	repo, err := u.Repository(ImageRepository)
	if err != nil {
		return nil, err
	}
	images, ok := repo.(ImageStore)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %T, not an ImageStore", ErrRepositoryNotRegistered, ImageRepository, repo)
	}
	return images, nil
}

// Commit makes the scope's writes durable. A failed commit is rolled back
// before the error is returned.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	log := logger.FromContextOrDefault(ctx, u.logger)
	if u.state != stateActive {
		return fmt.Errorf("%w: commit called in state %s", ErrUnitOfWorkState, u.state)
	}

	if err := u.session.Commit(ctx); err != nil {
		log.Error("failed to commit transaction", slog.String("error", err.Error()))
		if rbErr := u.session.Rollback(ctx); rbErr != nil {
			log.Error("failed to roll back after commit failure",
				slog.String("rollback_error", rbErr.Error()),
				slog.String("original_error", err.Error()))
		}
		u.state = stateRolledBack
		return fmt.Errorf("%w: failed to commit transaction: %w", ErrTransactionFailed, err)
	}

	u.state = stateCommitted
	log.Debug("transaction committed successfully")
	return nil
}

// Rollback discards the scope's writes. Rolling back a scope that is no
// longer active is a no-op.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rollbackLocked(ctx)
}

func (u *UnitOfWork) rollbackLocked(ctx context.Context) error {
	if u.state != stateActive {
		return nil
	}
	u.state = stateRolledBack
	if err := u.session.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	logger.FromContextOrDefault(ctx, u.logger).Debug("rolled back transaction")
	return nil
}

// Close releases the session, rolling back whatever was not committed.
// It is safe to call more than once.
func (u *UnitOfWork) Close(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == stateClosed {
		return nil
	}
	var err error
	if u.state == stateActive {
		logger.FromContextOrDefault(ctx, u.logger).Debug("discarding uncommitted unit of work")
		err = u.rollbackLocked(ctx)
	}
	u.state = stateClosed
	u.repos = nil
	u.session = nil
	return err
}

// Committed reports whether Commit succeeded.
func (u *UnitOfWork) Committed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == stateCommitted
}

// Run brackets fn in a scope. It begins the unit, runs fn and always closes
// the unit afterwards. fn must call Commit itself; if fn returns an error or
// panics the transaction is rolled back and the error (or panic) propagates.
func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) (err error) {
	log := logger.FromContextOrDefault(ctx, u.logger)

	if err := u.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := u.Rollback(ctx); rbErr != nil {
				log.Error("failed to roll back transaction after panic",
					slog.String("error", rbErr.Error()),
					slog.Any("panic", p))
			} else {
				log.Error("rolled back transaction after panic", slog.Any("panic", p))
			}
			_ = u.Close(ctx)
			// ALLOW-PANIC: Propagating caught panic from unit of work
			panic(p)
		}
	}()

	if fnErr := fn(ctx, u); fnErr != nil {
		if rbErr := u.Rollback(ctx); rbErr != nil {
			log.Error("failed to roll back transaction",
				slog.String("rollback_error", rbErr.Error()),
				slog.String("original_error", fnErr.Error()))
			_ = u.Close(ctx)
			return fmt.Errorf("error rolling back transaction: %v (original error: %w)", rbErr, fnErr)
		}
		log.Debug("rolled back transaction due to error", slog.String("error", fnErr.Error()))
		_ = u.Close(ctx)
		return fnErr
	}

	if closeErr := u.Close(ctx); closeErr != nil {
		log.Warn("failed to release unit of work", slog.String("error", closeErr.Error()))
	}
	return nil
}
