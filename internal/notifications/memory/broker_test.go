package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(priority domain.Priority, initialDelay time.Duration) *notifications.QueueJob {
	opts := notifications.DefaultJobOptions(priority)
	opts.Backoff.InitialDelay = initialDelay
	return &notifications.QueueJob{
		Type:    notifications.JobTypeSendSMS,
		Channel: domain.ChannelTypeSMS,
		Message: notifications.Message{Recipient: "+15551234567", Content: priority.String()},
		Options: opts,
	}
}

// subscribe runs Subscribe in the background and stops it on cleanup.
func subscribe(t *testing.T, b *Broker, concurrency int, handler notifications.JobHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, notifications.JobTypeSendSMS, concurrency, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBroker_EnqueueAssignsID(t *testing.T) {
	b := NewBroker()
	job := newJob(domain.PriorityNormal, time.Millisecond)

	require.NoError(t, b.Enqueue(context.Background(), job))

	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestBroker_SetDown(t *testing.T) {
	b := NewBroker()
	b.SetDown(true)

	assert.ErrorIs(t, b.Ping(context.Background()), notifications.ErrBrokerUnavailable)
	assert.ErrorIs(t, b.Enqueue(context.Background(), newJob(domain.PriorityNormal, 0)), notifications.ErrBrokerUnavailable)

	b.SetDown(false)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestBroker_PriorityOrder(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, newJob(domain.PriorityLow, time.Millisecond)))
	require.NoError(t, b.Enqueue(ctx, newJob(domain.PriorityNormal, time.Millisecond)))
	require.NoError(t, b.Enqueue(ctx, newJob(domain.PriorityHigh, time.Millisecond)))
	require.NoError(t, b.Enqueue(ctx, newJob(domain.PriorityNormal, time.Millisecond)))

	var (
		mu    sync.Mutex
		order []string
	)
	subscribe(t, b, 1, func(_ context.Context, job *notifications.QueueJob) error {
		mu.Lock()
		order = append(order, job.Message.Content)
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"high", "normal", "normal", "low"}, order)
}

func TestBroker_SuccessRemovesJob(t *testing.T) {
	b := NewBroker()
	require.NoError(t, b.Enqueue(context.Background(), newJob(domain.PriorityNormal, time.Millisecond)))

	var calls atomic.Int32
	subscribe(t, b, 1, func(context.Context, *notifications.QueueJob) error {
		calls.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, _ := b.Stats(context.Background())
		return *stats == notifications.QueueStats{}
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Failed())
	assert.Empty(t, b.Dead())
}

func TestBroker_TransientErrorsRetryWithGrowingDelay(t *testing.T) {
	b := NewBroker()
	require.NoError(t, b.Enqueue(context.Background(), newJob(domain.PriorityNormal, 30*time.Millisecond)))

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	subscribe(t, b, 1, func(context.Context, *notifications.QueueJob) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return notifications.NewRetryableError(errors.New("connection reset"))
	})

	require.Eventually(t, func() bool { return len(b.Dead()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)

	first := calls[1].Sub(calls[0])
	second := calls[2].Sub(calls[1])
	assert.GreaterOrEqual(t, first, 30*time.Millisecond)
	assert.GreaterOrEqual(t, second, 60*time.Millisecond)

	dead := b.Dead()[0]
	assert.Equal(t, 3, dead.AttemptsMade)
	assert.Equal(t, "connection reset", dead.LastError)
	assert.Empty(t, b.Failed())
}

func TestBroker_NoRetryFailsAfterOneAttempt(t *testing.T) {
	b := NewBroker()
	require.NoError(t, b.Enqueue(context.Background(), newJob(domain.PriorityNormal, time.Millisecond)))

	var calls atomic.Int32
	subscribe(t, b, 1, func(context.Context, *notifications.QueueJob) error {
		calls.Add(1)
		return notifications.NoRetry(errors.New("invalid number"))
	})

	require.Eventually(t, func() bool { return len(b.Failed()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, b.Dead())
	assert.Equal(t, 1, b.Failed()[0].AttemptsMade)
}

func TestBroker_PanicIsRetried(t *testing.T) {
	b := NewBroker()
	require.NoError(t, b.Enqueue(context.Background(), newJob(domain.PriorityNormal, time.Millisecond)))

	var calls atomic.Int32
	subscribe(t, b, 1, func(context.Context, *notifications.QueueJob) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Dead())
}

func TestBroker_ConcurrencyLimit(t *testing.T) {
	b := NewBroker()
	for i := 0; i < 12; i++ {
		require.NoError(t, b.Enqueue(context.Background(), newJob(domain.PriorityNormal, time.Millisecond)))
	}

	var inFlight, maxInFlight, done atomic.Int32
	subscribe(t, b, 3, func(context.Context, *notifications.QueueJob) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			current := maxInFlight.Load()
			if n <= current || maxInFlight.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		done.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return done.Load() == 12 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
	assert.Greater(t, maxInFlight.Load(), int32(1))
}

func TestBroker_SubscribeReturnsOnCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Subscribe(ctx, notifications.JobTypeSendMail, 2, func(context.Context, *notifications.QueueJob) error { return nil })
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return")
	}
}

type flakyTransport struct {
	failures atomic.Int32
	attempts atomic.Int32
	mu       sync.Mutex
	sent     []notifications.Delivery
}

func (t *flakyTransport) Type() domain.ChannelType { return domain.ChannelTypeSMS }

func (t *flakyTransport) Deliver(_ context.Context, d notifications.Delivery) error {
	t.attempts.Add(1)
	if t.failures.Add(-1) >= 0 {
		return errors.New("dial tcp: connect: connection refused")
	}
	t.mu.Lock()
	t.sent = append(t.sent, d)
	t.mu.Unlock()
	return nil
}

func TestBroker_DispatcherAndWorkerEndToEnd(t *testing.T) {
	b := NewBroker()
	renderer := notifications.NewRenderer(fstest.MapFS{
		"otp.txt": {Data: []byte("Your code is {{code}}")},
	}, ".txt")
	transport := &flakyTransport{}
	transport.failures.Store(2)

	config := notifications.DefaultDispatcherConfig()
	config.InitialBackoff = 10 * time.Millisecond
	dispatcher, err := notifications.NewDispatcher(config, b, notifications.NewMonitor(b, time.Second), renderer, transport)
	require.NoError(t, err)

	result := dispatcher.Send(context.Background(), notifications.Message{
		Recipient: "+15551234567",
		Template:  "otp",
		Context:   map[string]any{"code": 4321},
		Priority:  domain.PriorityHigh,
	})
	require.Len(t, result.Successes, 1)
	assert.Zero(t, transport.attempts.Load(), "queued message is delivered by the worker")

	worker := notifications.NewWorker(notifications.WorkerConfig{Concurrency: 2}, b, renderer, transport)
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), transport.attempts.Load())
	transport.mu.Lock()
	assert.Equal(t, "Your code is 4321", transport.sent[0].Body)
	transport.mu.Unlock()
	assert.Empty(t, b.Dead())
}

func TestBroker_WorkerPermanentFailureEndToEnd(t *testing.T) {
	b := NewBroker()
	renderer := notifications.NewRenderer(fstest.MapFS{}, ".txt")
	transport := &flakyTransport{}

	require.NoError(t, b.Enqueue(context.Background(), &notifications.QueueJob{
		Type:    notifications.JobTypeSendSMS,
		Channel: domain.ChannelTypeSMS,
		Message: notifications.Message{Recipient: "+15551234567", Template: "missing"},
		Options: notifications.DefaultJobOptions(domain.PriorityNormal),
	}))

	worker := notifications.NewWorker(notifications.DefaultWorkerConfig(), b, renderer, transport)
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool { return len(b.Failed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, transport.attempts.Load())
	assert.Contains(t, b.Failed()[0].LastError, "template not found")
}
