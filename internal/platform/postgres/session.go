package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/data-retrieval/internal/store"
)

// Migrations holds the goose migration files for the retrieval schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that goose reads.
const MigrationsDir = "migrations"

// SessionFactory opens a database transaction per unit of work.
type SessionFactory struct {
	db *sql.DB
}

var _ store.SessionFactory = (*SessionFactory)(nil)

// NewSessionFactory wraps a connection pool.
func NewSessionFactory(db *sql.DB) *SessionFactory {
	if db == nil {
		panic("db cannot be nil")
	}
	return &SessionFactory{db: db}
}

// Begin implements store.SessionFactory.
func (f *SessionFactory) Begin(ctx context.Context) (store.Session, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &TxSession{tx: tx}, nil
}

// TxSession is a store.Session over a *sql.Tx.
type TxSession struct {
	tx *sql.Tx
}

// DB exposes the transaction to repositories bound to this session.
func (s *TxSession) DB() store.DBTX {
	return s.tx
}

// Commit implements store.Session.
func (s *TxSession) Commit(context.Context) error {
	return s.tx.Commit()
}

// Rollback implements store.Session. Rolling back a finished transaction
// is not an error.
func (s *TxSession) Rollback(context.Context) error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Repositories returns the factories a UnitOfWorkFactory needs to lend out
// PostgreSQL-backed stores.
func Repositories() map[string]store.RepositoryFactory {
	return map[string]store.RepositoryFactory{
		store.RetrievalRepository: func(s store.Session, log *slog.Logger) (any, error) {
			tx, err := sessionDB(s)
			if err != nil {
				return nil, err
			}
			return NewPostgresTaskStore(tx, log), nil
		},
		store.ImageRepository: func(s store.Session, log *slog.Logger) (any, error) {
			tx, err := sessionDB(s)
			if err != nil {
				return nil, err
			}
			return NewPostgresImageStore(tx, log), nil
		},
	}
}

func sessionDB(s store.Session) (store.DBTX, error) {
	tx, ok := s.(interface{ DB() store.DBTX })
	if !ok {
		return nil, fmt.Errorf("postgres store needs a transactional session, got %T", s)
	}
	return tx.DB(), nil
}
