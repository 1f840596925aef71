package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Handler processes the data of one envelope.
type Handler func(ctx context.Context, data json.RawMessage) error

// Registry maps command types to handlers. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds the handler for command type C. The handler's result is
// discarded; the broker only needs to know whether the command succeeded.
// Registering the same type twice panics.
func Register[C Command, R any](r *Registry, fn func(context.Context, C) (R, error)) {
	var zero C
	name := zero.CommandType()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("command %s registered twice", name))
	}

	r.handlers[name] = func(ctx context.Context, data json.RawMessage) error {
		var cmd C
		if len(data) > 0 {
			if err := json.Unmarshal(data, &cmd); err != nil {
				return fmt.Errorf("%w: %s data: %w", ErrMalformedEnvelope, name, err)
			}
		}
		_, err := fn(ctx, cmd)
		return err
	}
}

// Lookup returns the handler for a command type.
func (r *Registry) Lookup(commandType string) (Handler, bool) {
	h, ok := r.handlers[commandType]
	return h, ok
}

// Dispatch runs the handler registered for the envelope's type. It returns
// ErrUnknownCommand when there is none.
func (r *Registry) Dispatch(ctx context.Context, env Envelope) error {
	h, ok := r.Lookup(env.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, env.Type)
	}
	return h(ctx, env.Data)
}

// Types lists the registered command types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
