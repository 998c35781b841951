// Package memory provides an in-process notification job queue.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hbashar434/easy-shop-backend/internal/notifications"
)

const idleWait = 100 * time.Millisecond

type item struct {
	job   *notifications.QueueJob
	runAt time.Time
	seq   uint64
}

// readyHeap orders runnable jobs by priority, then by arrival.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Options.Priority != h[j].job.Options.Priority {
		return h[i].job.Options.Priority < h[j].job.Options.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedHeap orders jobs waiting for a retry by due time.
type delayedHeap []*item

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type queue struct {
	ready   readyHeap
	delayed delayedHeap
}

// Broker implements notifications.Broker in memory. Jobs do not survive a
// restart; it is meant for tests and local development.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	changed    chan struct{}
	seq        uint64
	processing int64
	failed     []*notifications.QueueJob
	dead       []*notifications.QueueJob

	down atomic.Bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues:  make(map[string]*queue),
		changed: make(chan struct{}),
	}
}

// SetDown makes Ping and Enqueue fail as if the broker were unreachable.
func (b *Broker) SetDown(down bool) {
	b.down.Store(down)
}

// Ping reports whether the broker is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.down.Load() {
		return notifications.ErrBrokerUnavailable
	}
	return nil
}

// Enqueue stores a copy of job.
func (b *Broker) Enqueue(ctx context.Context, job *notifications.QueueJob) error {
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	stored := *job

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	heap.Push(&b.queue(job.Type).ready, &item{job: &stored, runAt: stored.CreatedAt, seq: b.seq})
	b.broadcastLocked()
	return nil
}

// Subscribe runs handler for jobs of jobType with at most concurrency jobs
// in flight. In-flight jobs are finished before it returns.
func (b *Broker) Subscribe(ctx context.Context, jobType string, concurrency int, handler notifications.JobHandler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	slots := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		job, wait, changed := b.next(jobType)
		if job == nil {
			<-slots
			timer := time.NewTimer(wait)
			select {
			case <-changed:
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			b.process(context.WithoutCancel(ctx), job, handler)
		}()
	}
}

// next pops the most urgent runnable job. When none is runnable it returns
// how long to wait and a channel closed on the next enqueue or retry.
func (b *Broker) next(jobType string) (*notifications.QueueJob, time.Duration, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(jobType)
	now := time.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].runAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}

	if q.ready.Len() > 0 {
		it := heap.Pop(&q.ready).(*item)
		b.processing++
		return it.job, 0, nil
	}

	wait := idleWait
	if q.delayed.Len() > 0 {
		wait = min(wait, q.delayed[0].runAt.Sub(now))
	}
	return nil, wait, b.changed
}

func (b *Broker) process(ctx context.Context, job *notifications.QueueJob, handler notifications.JobHandler) {
	err := runHandler(ctx, job, handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.processing--
	attempts := job.AttemptsMade + 1

	switch {
	case err == nil:
		return

	case notifications.IsNoRetry(err):
		job.AttemptsMade = attempts
		job.LastError = err.Error()
		b.failed = append(b.failed, job)

	case attempts >= job.Options.Attempts:
		job.AttemptsMade = attempts
		job.LastError = err.Error()
		b.dead = append(b.dead, job)
		slog.Error("notification job permanently failed",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", attempts,
			"error", err,
		)

	default:
		job.AttemptsMade = attempts
		job.LastError = err.Error()
		delay := job.Options.RetryDelay(attempts)
		b.seq++
		heap.Push(&b.queue(job.Type).delayed, &item{job: job, runAt: time.Now().Add(delay), seq: b.seq})
		b.broadcastLocked()
		slog.Debug("notification job scheduled for retry",
			"job_id", job.ID,
			"attempt", attempts,
			"delay", delay,
		)
	}
}

func runHandler(ctx context.Context, job *notifications.QueueJob, handler notifications.JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (b *Broker) queue(jobType string) *queue {
	q, ok := b.queues[jobType]
	if !ok {
		q = &queue{}
		b.queues[jobType] = q
	}
	return q
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Failed returns jobs that failed permanently.
func (b *Broker) Failed() []*notifications.QueueJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*notifications.QueueJob(nil), b.failed...)
}

// Dead returns jobs that exhausted their attempts.
func (b *Broker) Dead() []*notifications.QueueJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*notifications.QueueJob(nil), b.dead...)
}

// Stats returns job counts by status.
func (b *Broker) Stats(_ context.Context) (*notifications.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pending int64
	for _, q := range b.queues {
		pending += int64(q.ready.Len() + q.delayed.Len())
	}

	return &notifications.QueueStats{
		Pending:    pending,
		Processing: b.processing,
		Failed:     int64(len(b.failed)),
		Dead:       int64(len(b.dead)),
	}, nil
}
