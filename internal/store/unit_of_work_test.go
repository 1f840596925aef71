package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu          sync.Mutex
	commits     int
	rollbacks   int
	commitErr   error
	rollbackErr error
}

func (s *fakeSession) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return s.commitErr
}

func (s *fakeSession) Rollback(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	return s.rollbackErr
}

type fakeSessions struct {
	opened   []*fakeSession
	beginErr error
	next     func() *fakeSession
}

func (f *fakeSessions) Begin(context.Context) (Session, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	s := &fakeSession{}
	if f.next != nil {
		s = f.next()
	}
	f.opened = append(f.opened, s)
	return s, nil
}

type fakeRepo struct {
	session Session
}

func newTestFactory(t *testing.T, sessions *fakeSessions, builds *int) *UnitOfWorkFactory {
	t.Helper()
	factory, err := NewUnitOfWorkFactory(sessions, map[string]RepositoryFactory{
		"fake": func(s Session, _ *slog.Logger) (any, error) {
			*builds++
			return &fakeRepo{session: s}, nil
		},
		"broken": func(Session, *slog.Logger) (any, error) {
			return nil, errors.New("cannot build")
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return factory
}

func TestNewUnitOfWorkFactoryValidation(t *testing.T) {
	_, err := NewUnitOfWorkFactory(nil, map[string]RepositoryFactory{"x": nil}, nil)
	assert.Error(t, err)

	_, err = NewUnitOfWorkFactory(&fakeSessions{}, nil, nil)
	assert.Error(t, err)

	_, err = NewUnitOfWorkFactory(&fakeSessions{}, map[string]RepositoryFactory{"x": nil}, nil)
	assert.Error(t, err)
}

func TestUnitOfWorkRepositoriesAreMemoized(t *testing.T) {
	sessions := &fakeSessions{}
	builds := 0
	factory := newTestFactory(t, sessions, &builds)
	assert.Equal(t, []string{"broken", "fake"}, factory.Registered())

	uow := factory.New()
	require.NoError(t, uow.Begin(context.Background()))

	first, err := uow.Repository("fake")
	require.NoError(t, err)
	second, err := uow.Repository("fake")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
	assert.Same(t, sessions.opened[0], first.(*fakeRepo).session, "repository is bound to the scope's session")

	_, err = uow.Repository("broken")
	assert.Error(t, err)

	require.NoError(t, uow.Close(context.Background()))
}

func TestUnitOfWorkUnregisteredRepository(t *testing.T) {
	builds := 0
	uow := newTestFactory(t, &fakeSessions{}, &builds).New()
	require.NoError(t, uow.Begin(context.Background()))
	defer uow.Close(context.Background())

	_, err := uow.Repository("missing")
	assert.ErrorIs(t, err, ErrRepositoryNotRegistered)

	_, err = uow.Tasks()
	assert.ErrorIs(t, err, ErrRepositoryNotRegistered)

	_, err = uow.Images()
	assert.ErrorIs(t, err, ErrRepositoryNotRegistered)
}

func TestUnitOfWorkWrongRepositoryType(t *testing.T) {
	factory, err := NewUnitOfWorkFactory(&fakeSessions{}, map[string]RepositoryFactory{
		RetrievalRepository: func(Session, *slog.Logger) (any, error) { return "not a store", nil },
	}, nil)
	require.NoError(t, err)

	uow := factory.New()
	require.NoError(t, uow.Begin(context.Background()))
	defer uow.Close(context.Background())

	_, err = uow.Tasks()
	assert.ErrorIs(t, err, ErrRepositoryNotRegistered)
}

func TestUnitOfWorkLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("commit then close", func(t *testing.T) {
		sessions := &fakeSessions{}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()

		require.NoError(t, uow.Begin(ctx))
		require.NoError(t, uow.Commit(ctx))
		assert.True(t, uow.Committed())
		require.NoError(t, uow.Close(ctx))

		s := sessions.opened[0]
		assert.Equal(t, 1, s.commits)
		assert.Equal(t, 0, s.rollbacks, "committed scope is not rolled back on close")
	})

	t.Run("begin twice is rejected", func(t *testing.T) {
		builds := 0
		uow := newTestFactory(t, &fakeSessions{}, &builds).New()
		require.NoError(t, uow.Begin(ctx))
		assert.ErrorIs(t, uow.Begin(ctx), ErrUnitOfWorkState)
		require.NoError(t, uow.Close(ctx))
		assert.ErrorIs(t, uow.Begin(ctx), ErrUnitOfWorkState, "units are never reused")
	})

	t.Run("close without commit rolls back", func(t *testing.T) {
		sessions := &fakeSessions{}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()
		require.NoError(t, uow.Begin(ctx))
		require.NoError(t, uow.Close(ctx))
		require.NoError(t, uow.Close(ctx))

		assert.Equal(t, 1, sessions.opened[0].rollbacks)
		assert.False(t, uow.Committed())

		_, err := uow.Repository("fake")
		assert.ErrorIs(t, err, ErrUnitOfWorkState)
	})

	t.Run("failed commit rolls back automatically", func(t *testing.T) {
		commitErr := errors.New("disk full")
		sessions := &fakeSessions{next: func() *fakeSession { return &fakeSession{commitErr: commitErr} }}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()
		require.NoError(t, uow.Begin(ctx))

		err := uow.Commit(ctx)

		assert.ErrorIs(t, err, ErrTransactionFailed)
		assert.ErrorIs(t, err, commitErr)
		assert.Equal(t, 1, sessions.opened[0].rollbacks)
		assert.False(t, uow.Committed())
		assert.ErrorIs(t, uow.Commit(ctx), ErrUnitOfWorkState)
	})

	t.Run("begin failure", func(t *testing.T) {
		builds := 0
		uow := newTestFactory(t, &fakeSessions{beginErr: errors.New("no connection")}, &builds).New()
		err := uow.Begin(ctx)
		assert.ErrorIs(t, err, ErrTransactionFailed)
	})
}

func TestUnitOfWorkRun(t *testing.T) {
	ctx := context.Background()

	t.Run("error rolls back and propagates unchanged", func(t *testing.T) {
		sessions := &fakeSessions{}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()
		want := errors.New("handler failed")

		err := uow.Run(ctx, func(ctx context.Context, uow *UnitOfWork) error {
			_, err := uow.Repository("fake")
			require.NoError(t, err)
			return want
		})

		assert.Same(t, want, err)
		assert.Equal(t, 1, sessions.opened[0].rollbacks)
		assert.Equal(t, 0, sessions.opened[0].commits)
	})

	t.Run("rollback failure is reported with the original error", func(t *testing.T) {
		sessions := &fakeSessions{next: func() *fakeSession {
			return &fakeSession{rollbackErr: errors.New("connection lost")}
		}}
		builds := 0
		want := errors.New("handler failed")

		err := newTestFactory(t, sessions, &builds).New().Run(ctx, func(context.Context, *UnitOfWork) error {
			return want
		})

		assert.ErrorIs(t, err, want)
		assert.Contains(t, err.Error(), "connection lost")
	})

	t.Run("success with commit", func(t *testing.T) {
		sessions := &fakeSessions{}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()

		err := uow.Run(ctx, func(ctx context.Context, uow *UnitOfWork) error {
			return uow.Commit(ctx)
		})

		require.NoError(t, err)
		assert.True(t, uow.Committed())
		assert.Equal(t, 1, sessions.opened[0].commits)
		assert.Equal(t, 0, sessions.opened[0].rollbacks)
	})

	t.Run("success without commit is discarded", func(t *testing.T) {
		sessions := &fakeSessions{}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()

		err := uow.Run(ctx, func(context.Context, *UnitOfWork) error { return nil })

		require.NoError(t, err)
		assert.False(t, uow.Committed())
		assert.Equal(t, 1, sessions.opened[0].rollbacks)
	})

	t.Run("panic rolls back and re-panics", func(t *testing.T) {
		sessions := &fakeSessions{}
		builds := 0
		uow := newTestFactory(t, sessions, &builds).New()

		assert.PanicsWithValue(t, "boom", func() {
			_ = uow.Run(ctx, func(context.Context, *UnitOfWork) error { panic("boom") })
		})
		assert.Equal(t, 1, sessions.opened[0].rollbacks)

		_, err := uow.Repository("fake")
		assert.ErrorIs(t, err, ErrUnitOfWorkState)
	})
}
