// Package memory provides an in-process implementation of the store
// contracts. Each session works on a private copy of the data and publishes
// only the records it touched when it commits.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/store"
)

// ErrSessionClosed is returned when a finished session is used again.
var ErrSessionClosed = errors.New("memory session already finished")

type taskRecord struct {
	ID               uuid.UUID
	BatchID          string
	SourceType       string
	SourceName       string
	SourceID         string
	Location         string
	RetrievalMethod  string
	Priority         int
	StoragePath      string
	Status           string
	HasResult        bool
	Message          string
	TotalImages      int
	SuccessfulImages int
	FailedImages     int
	Details          []byte
	Metadata         []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

type imageRecord struct {
	ID         uuid.UUID
	TaskID     uuid.UUID
	Filename   string
	FilePath   string
	Format     string
	Modality   string
	Region     string
	SizeBytes  int64
	Dimensions string
	IsStored   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	seq        int64
}

// Database holds the committed state.
type Database struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]taskRecord
	images    map[uuid.UUID]imageRecord
	seq       int64
	commitErr error
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{
		tasks:  make(map[uuid.UUID]taskRecord),
		images: make(map[uuid.UUID]imageRecord),
	}
}

// FailNextCommit makes the next commit return err instead of applying.
func (d *Database) FailNextCommit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitErr = err
}

// TaskCount returns the number of committed tasks.
func (d *Database) TaskCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Begin implements store.SessionFactory.
func (d *Database) Begin(ctx context.Context) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := &Session{
		db:          d,
		tasks:       make(map[uuid.UUID]taskRecord, len(d.tasks)),
		images:      make(map[uuid.UUID]imageRecord, len(d.images)),
		dirtyTasks:  make(map[uuid.UUID]struct{}),
		dirtyImages: make(map[uuid.UUID]struct{}),
		seq:         d.seq,
	}
	for id, rec := range d.tasks {
		s.tasks[id] = rec
	}
	for id, rec := range d.images {
		s.images[id] = rec
	}
	return s, nil
}

// Session is a snapshot of the database plus the set of records it changed.
type Session struct {
	db          *Database
	mu          sync.Mutex
	tasks       map[uuid.UUID]taskRecord
	images      map[uuid.UUID]imageRecord
	dirtyTasks  map[uuid.UUID]struct{}
	dirtyImages map[uuid.UUID]struct{}
	seq         int64
	finished    bool
}

// Commit applies the touched records to the database.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ErrSessionClosed
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.db.commitErr; err != nil {
		s.db.commitErr = nil
		return err
	}

	for id := range s.dirtyTasks {
		s.db.tasks[id] = s.tasks[id]
	}
	for id := range s.dirtyImages {
		rec := s.images[id]
		if _, exists := s.db.images[id]; !exists {
			s.db.seq++
			rec.seq = s.db.seq
		}
		s.db.images[id] = rec
	}
	s.finished = true
	return nil
}

// Rollback drops the snapshot.
func (s *Session) Rollback(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return nil
	}
	s.finished = true
	s.tasks = nil
	s.images = nil
	return nil
}

func (s *Session) use() error {
	if s.finished {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) nextSeq() int64 {
	s.seq++
	return s.seq
}
