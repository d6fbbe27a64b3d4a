package broker

import (
	"context"
	"time"
)

// Message is a payload taken off one of the queues passed to BlockingPopAny.
type Message struct {
	Queue   string
	Payload []byte
}

// Broker is the queue and output-list primitive the services are built on.
// Queues are FIFO; lists are append-only until drained or expired.
type Broker interface {
	Push(ctx context.Context, queue string, payload []byte) error

	// BlockingPopAny waits up to timeout for a payload on any of queues,
	// checking them in order. ok is false when the timeout elapsed.
	BlockingPopAny(ctx context.Context, queues []string, timeout time.Duration) (msg Message, ok bool, err error)

	Append(ctx context.Context, key string, chunk []byte) error

	// ReadAllAndClear returns every chunk under key in append order and
	// deletes the key in the same atomic step.
	ReadAllAndClear(ctx context.Context, key string) ([][]byte, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// StreamKey is the list key holding the output stream of a job.
func StreamKey(jobID string) string {
	return "stream_" + jobID
}
