package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// MemoryProducers is a ProducerFactory that keeps records in process,
// grouped by destination.
type MemoryProducers struct {
	mu      sync.Mutex
	records map[string][][]byte
	failing map[string]error
	opened  map[string]int
	closed  int
}

var _ ProducerFactory = (*MemoryProducers)(nil)

// NewMemoryProducers returns an empty factory.
func NewMemoryProducers() *MemoryProducers {
	return &MemoryProducers{
		records: make(map[string][][]byte),
		failing: make(map[string]error),
		opened:  make(map[string]int),
	}
}

// Producer implements ProducerFactory.
func (m *MemoryProducers) Producer(_ context.Context, destination string) (Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened[destination]++
	return &memoryProducer{owner: m, destination: destination}, nil
}

// Fail makes sends to destination return err until cleared with a nil err.
func (m *MemoryProducers) Fail(destination string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, destination)
		return
	}
	m.failing[destination] = err
}

// Records returns the records sent to destination.
func (m *MemoryProducers) Records(destination string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.records[destination]))
	copy(out, m.records[destination])
	return out
}

// Types returns the type discriminators of every record sent to destination.
func (m *MemoryProducers) Types(destination string) []string {
	types := make([]string, 0)
	for _, record := range m.Records(destination) {
		var fields map[string]any
		if err := json.Unmarshal(record, &fields); err != nil {
			continue
		}
		if name, ok := fields[TypeField].(string); ok {
			types = append(types, name)
		}
	}
	return types
}

// Total is the number of records sent to all destinations.
func (m *MemoryProducers) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, records := range m.records {
		n += len(records)
	}
	return n
}

// Opened reports how many producers were created for destination.
func (m *MemoryProducers) Opened(destination string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[destination]
}

// Closed reports how many producers were closed.
func (m *MemoryProducers) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type memoryProducer struct {
	owner       *MemoryProducers
	destination string
	closed      bool
}

var errProducerClosed = errors.New("producer is closed")

func (p *memoryProducer) Send(ctx context.Context, records [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := p.owner
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.closed {
		return errProducerClosed
	}
	if err := m.failing[p.destination]; err != nil {
		return err
	}
	for _, record := range records {
		m.records[p.destination] = append(m.records[p.destination], append([]byte(nil), record...))
	}
	return nil
}

func (p *memoryProducer) Close() error {
	m := p.owner
	m.mu.Lock()
	defer m.mu.Unlock()

	if !p.closed {
		p.closed = true
		m.closed++
	}
	return nil
}
