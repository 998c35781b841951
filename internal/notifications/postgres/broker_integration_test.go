//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/notifications"
	notificationspostgres "github.com/hbashar434/easy-shop-backend/internal/notifications/postgres"
	pkgpostgres "github.com/hbashar434/easy-shop-backend/internal/pkg/postgres"
	"github.com/hbashar434/easy-shop-backend/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := pkgpostgres.Migrate(pgContainer.ConnectionString, notificationspostgres.Migrations(), "notification_schema_migrations"); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pkgpostgres.Connect(ctx, pkgpostgres.Config{
		URL:             pgContainer.ConnectionString,
		MaxOpenConns:    10,
		ConnectAttempts: 3,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}

	os.Exit(code)
}

func newTestBroker(t *testing.T) *notificationspostgres.Broker {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `TRUNCATE notification_jobs`)
	require.NoError(t, err)
	return notificationspostgres.NewBroker(testDB, notificationspostgres.Config{
		PollInterval: 20 * time.Millisecond,
		LockTimeout:  time.Minute,
	})
}

func newJob(recipient string, priority domain.Priority) *notifications.QueueJob {
	options := notifications.DefaultJobOptions(priority)
	options.Backoff.InitialDelay = 50 * time.Millisecond
	return &notifications.QueueJob{
		Type:    notifications.JobTypeSendSMS,
		Channel: domain.ChannelTypeSMS,
		Message: notifications.Message{
			Recipient: recipient,
			Template:  "verification-code",
			Context:   map[string]any{"code": "1234"},
			Priority:  priority,
		},
		Options: options,
	}
}

// subscribe runs Subscribe in the background and returns a stop func that
// waits for it to return.
func subscribe(t *testing.T, broker *notificationspostgres.Broker, concurrency int, handler notifications.JobHandler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = broker.Subscribe(ctx, notifications.JobTypeSendSMS, concurrency, handler)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func jobStatus(t *testing.T, id string) (status string, attempts int, lastError string) {
	t.Helper()
	err := testDB.QueryRow(context.Background(),
		`SELECT status, attempts_made, COALESCE(last_error, '') FROM notification_jobs WHERE id = $1`, id,
	).Scan(&status, &attempts, &lastError)
	require.NoError(t, err)
	return status, attempts, lastError
}

func TestBroker_Ping(t *testing.T) {
	broker := newTestBroker(t)
	assert.NoError(t, broker.Ping(context.Background()))
}

func TestBroker_EnqueueAndComplete(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	job := newJob("+8801712345678", domain.PriorityNormal)
	require.NoError(t, broker.Enqueue(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	stats, err := broker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	received := make(chan *notifications.QueueJob, 1)
	subscribe(t, broker, 1, func(_ context.Context, job *notifications.QueueJob) error {
		received <- job
		return nil
	})

	select {
	case got := <-received:
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.ChannelTypeSMS, got.Channel)
		assert.Equal(t, "+8801712345678", got.Message.Recipient)
		assert.Equal(t, "1234", got.Message.Context["code"])
		assert.Equal(t, 3, got.Options.Attempts)
		assert.Equal(t, 50*time.Millisecond, got.Options.Backoff.InitialDelay)
		assert.Zero(t, got.AttemptsMade)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not delivered")
	}

	require.Eventually(t, func() bool {
		var count int
		err := testDB.QueryRow(ctx, `SELECT COUNT(*) FROM notification_jobs`).Scan(&count)
		return err == nil && count == 0
	}, 5*time.Second, 20*time.Millisecond, "completed job should be removed")
}

func TestBroker_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	require.NoError(t, broker.Enqueue(ctx, newJob("+8801700000003", domain.PriorityLow)))
	require.NoError(t, broker.Enqueue(ctx, newJob("+8801700000002", domain.PriorityNormal)))
	require.NoError(t, broker.Enqueue(ctx, newJob("+8801700000001", domain.PriorityHigh)))

	var (
		mu    sync.Mutex
		order []string
	)
	subscribe(t, broker, 1, func(_ context.Context, job *notifications.QueueJob) error {
		mu.Lock()
		order = append(order, job.Message.Recipient)
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"+8801700000001", "+8801700000002", "+8801700000003"}, order)
}

func TestBroker_TransientErrorsRetryUntilDead(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	job := newJob("+8801712345678", domain.PriorityNormal)
	require.NoError(t, broker.Enqueue(ctx, job))

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	subscribe(t, broker, 1, func(_ context.Context, _ *notifications.QueueJob) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return errors.New("gateway timeout")
	})

	require.Eventually(t, func() bool {
		status, _, _ := jobStatus(t, job.ID)
		return status == string(notifications.QueueStatusDead)
	}, 10*time.Second, 20*time.Millisecond)

	status, attempts, lastError := jobStatus(t, job.ID)
	assert.Equal(t, "dead", status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "gateway timeout", lastError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 100*time.Millisecond)
}

func TestBroker_NoRetryFailsAfterOneAttempt(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	job := newJob("+8801712345678", domain.PriorityNormal)
	require.NoError(t, broker.Enqueue(ctx, job))

	var calls atomic.Int32
	subscribe(t, broker, 1, func(_ context.Context, _ *notifications.QueueJob) error {
		calls.Add(1)
		return notifications.NoRetry(errors.New("invalid api key"))
	})

	require.Eventually(t, func() bool {
		status, _, _ := jobStatus(t, job.ID)
		return status == string(notifications.QueueStatusFailed)
	}, 5*time.Second, 20*time.Millisecond)

	// Give the poller a few more rounds to prove the job is not picked up again.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	stats, err := broker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Pending)
}

func TestBroker_ConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	for range 10 {
		require.NoError(t, broker.Enqueue(ctx, newJob("+8801712345678", domain.PriorityNormal)))
	}

	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		done        atomic.Int32
	)
	subscribe(t, broker, 3, func(_ context.Context, _ *notifications.QueueJob) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			current := maxInFlight.Load()
			if n <= current || maxInFlight.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		done.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return done.Load() == 10 }, 10*time.Second, 20*time.Millisecond)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
}

func TestBroker_ShutdownFinishesInFlightJobs(t *testing.T) {
	ctx := context.Background()
	broker := newTestBroker(t)

	job := newJob("+8801712345678", domain.PriorityNormal)
	require.NoError(t, broker.Enqueue(ctx, job))

	started := make(chan struct{})
	stop := subscribe(t, broker, 1, func(ctx context.Context, _ *notifications.QueueJob) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	})

	<-started
	stop()

	var count int
	require.NoError(t, testDB.QueryRow(ctx, `SELECT COUNT(*) FROM notification_jobs`).Scan(&count))
	assert.Zero(t, count, "in-flight job should complete despite shutdown")
}
