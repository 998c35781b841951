package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
)

type mockBroker struct {
	mu         sync.Mutex
	jobs       []*QueueJob
	enqueueErr error
	pingErr    error
}

func (b *mockBroker) Ping(_ context.Context) error {
	return b.pingErr
}

func (b *mockBroker) Enqueue(_ context.Context, job *QueueJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *mockBroker) Subscribe(ctx context.Context, _ string, _ int, _ JobHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *mockBroker) enqueued() []*QueueJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*QueueJob(nil), b.jobs...)
}

type mockTransport struct {
	channel domain.ChannelType
	err     error
	delay   time.Duration

	mu          sync.Mutex
	deliveries  []Delivery
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMockTransport(channel domain.ChannelType) *mockTransport {
	return &mockTransport{channel: channel}
}

func (t *mockTransport) Type() domain.ChannelType {
	return t.channel
}

func (t *mockTransport) Deliver(_ context.Context, d Delivery) error {
	n := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		current := t.maxInFlight.Load()
		if n <= current || t.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}

	if t.delay > 0 {
		time.Sleep(t.delay)
	}

	t.mu.Lock()
	t.deliveries = append(t.deliveries, d)
	t.mu.Unlock()

	return t.err
}

func (t *mockTransport) delivered() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}
