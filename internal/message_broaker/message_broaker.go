package message_broaker

import "context"

// MessageBroker carries deadlock reports between instances and to operators.
type MessageBroker interface {
	// Publish sends one message addressed to queue.
	Publish(ctx context.Context, queue string, message []byte) error
	// Consume streams message bodies from queue until ctx is done.
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}
