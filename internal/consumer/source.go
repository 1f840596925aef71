package consumer

import (
	"context"
	"errors"
)

// ErrPollTimeout is returned by Source.Receive when no message arrived within
// the poll interval.
var ErrPollTimeout = errors.New("no message within poll timeout")

// Message is one delivery from the broker.
type Message struct {
	Topic   string
	ID      string
	Payload []byte
}

// Source is a subscription shared by every consumer instance of a group.
// Each message is delivered to one instance until it is acknowledged.
type Source interface {
	// Receive waits for the next message, at most for one poll interval.
	Receive(ctx context.Context) (Message, error)
	// Ack marks the message as processed.
	Ack(ctx context.Context, msg Message) error
	// Nack leaves the message for redelivery.
	Nack(ctx context.Context, msg Message) error
	// Close releases the subscription and its connection.
	Close() error
}
