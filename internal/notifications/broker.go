package notifications

import (
	"context"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
)

// JobHandler processes one job. A nil return completes the job. An error
// wrapped with NoRetry fails it for good; any other error is retried
// according to the job's options until its attempts are exhausted.
type JobHandler func(ctx context.Context, job *QueueJob) error

// Pinger checks that a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Broker is the job queue backend used for asynchronous delivery.
type Broker interface {
	Pinger

	// Enqueue places a job on the queue. It assigns ID and CreatedAt when unset.
	Enqueue(ctx context.Context, job *QueueJob) error

	// Subscribe runs handler for jobs of jobType with at most concurrency
	// jobs in flight. It blocks until ctx is cancelled.
	Subscribe(ctx context.Context, jobType string, concurrency int, handler JobHandler) error
}

// Transport delivers one rendered notification over a channel.
type Transport interface {
	Type() domain.ChannelType
	Deliver(ctx context.Context, delivery Delivery) error
}
