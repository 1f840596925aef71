package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/data-retrieval/internal/domain"
)

// TypeField is the discriminator added to every published record.
const TypeField = "type"

// Encode serializes an event into a flat JSON object holding all of its
// fields plus the event type under TypeField.
func Encode(event domain.Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event.EventName(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("event %s does not encode to an object: %w", event.EventName(), err)
	}

	name, _ := json.Marshal(event.EventName())
	fields[TypeField] = name
	return json.Marshal(fields)
}

// Router maps event type names to broker destinations.
type Router struct {
	prefix string
	table  map[string]string
}

// NewRouter builds a router over a destination table keyed by event type
// name. Keys are matched case-insensitively because configuration loaders
// fold map keys to lower case. Every destination is namespaced by prefix.
func NewRouter(prefix string, table map[string]string) *Router {
	folded := make(map[string]string, len(table))
	for name, destination := range table {
		folded[strings.ToLower(name)] = destination
	}
	return &Router{prefix: prefix, table: folded}
}

// Destination returns the configured destination for an event type, or
// "<prefix>retrieval-<lowercase type>" when the type is not in the table.
func (r *Router) Destination(eventName string) string {
	key := strings.ToLower(eventName)
	if destination, ok := r.table[key]; ok {
		return r.prefix + destination
	}
	return r.prefix + "retrieval-" + key
}

// Producer sends records to one destination. Send delivers the records in
// order and all-or-nothing.
type Producer interface {
	Send(ctx context.Context, records [][]byte) error
	Close() error
}

// ProducerFactory opens producers for destinations.
type ProducerFactory interface {
	Producer(ctx context.Context, destination string) (Producer, error)
}

// PublishError reports the first event of an ordered publication that was
// not delivered. Events before Index were delivered.
type PublishError struct {
	Index int
	Event domain.Event
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish %s (event %d): %v", e.Event.EventName(), e.Index, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
