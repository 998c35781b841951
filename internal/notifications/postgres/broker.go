// Package postgres provides a PostgreSQL-backed notification job queue.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/notifications"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the queue schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Config contains queue polling configuration. LockTimeout is how long a
// job may stay in processing before it is handed out again.
type Config struct {
	PollInterval time.Duration
	LockTimeout  time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		LockTimeout:  5 * time.Minute,
	}
}

// Broker implements notifications.Broker on top of a notification_jobs table.
// Workers claim jobs with FOR UPDATE SKIP LOCKED so several processes can
// share one queue.
type Broker struct {
	db     *pgxpool.Pool
	config Config
}

// NewBroker creates a new PostgreSQL broker.
func NewBroker(db *pgxpool.Pool, config Config) *Broker {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	return &Broker{db: db, config: config}
}

// Ping checks the database connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}

// Enqueue inserts a pending job.
func (b *Broker) Enqueue(ctx context.Context, job *notifications.QueueJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	payload, err := json.Marshal(job.Message)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO notification_jobs (id, job_type, channel, payload, priority, max_attempts, backoff_type, backoff_delay_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err = b.db.QueryRow(ctx, query,
		job.ID,
		job.Type,
		string(job.Channel),
		payload,
		job.Options.Priority,
		job.Options.Attempts,
		string(job.Options.Backoff.Type),
		job.Options.Backoff.InitialDelay.Milliseconds(),
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Subscribe polls for jobs of jobType and runs handler with at most
// concurrency jobs in flight. Jobs already running when ctx is cancelled
// are finished and acknowledged before Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context, jobType string, concurrency int, handler notifications.JobHandler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		g        errgroup.Group
		inFlight atomic.Int32
	)
	g.SetLimit(concurrency)

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := b.reclaimStale(ctx, jobType); err != nil && ctx.Err() == nil {
			slog.Error("failed to reclaim stale jobs", "job_type", jobType, "error", err)
		}

		if free := concurrency - int(inFlight.Load()); free > 0 {
			jobs, err := b.claim(ctx, jobType, free)
			if err != nil && ctx.Err() == nil {
				slog.Error("failed to fetch pending jobs", "job_type", jobType, "error", err)
			}

			for _, job := range jobs {
				inFlight.Add(1)
				g.Go(func() error {
					defer inFlight.Add(-1)
					b.process(context.WithoutCancel(ctx), job, handler)
					return nil
				})
			}
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Broker) claim(ctx context.Context, jobType string, limit int) ([]*notifications.QueueJob, error) {
	query := `
		UPDATE notification_jobs
		SET status = 'processing', locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE job_type = $1 AND status = 'pending' AND run_at <= NOW()
			ORDER BY priority, run_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, channel, payload, priority, max_attempts, backoff_type,
			backoff_delay_ms, attempts_made, COALESCE(last_error, ''), created_at
	`
	rows, err := b.db.Query(ctx, query, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*notifications.QueueJob, 0, limit)
	for rows.Next() {
		var (
			job         notifications.QueueJob
			channel     string
			payload     []byte
			backoffType string
			delayMs     int64
		)
		err := rows.Scan(
			&job.ID,
			&job.Type,
			&channel,
			&payload,
			&job.Options.Priority,
			&job.Options.Attempts,
			&backoffType,
			&delayMs,
			&job.AttemptsMade,
			&job.LastError,
			&job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payload, &job.Message); err != nil {
			return nil, fmt.Errorf("unmarshal payload of job %s: %w", job.ID, err)
		}
		job.Channel = domain.ChannelType(channel)
		job.Options.Backoff = notifications.Backoff{
			Type:         notifications.BackoffType(backoffType),
			InitialDelay: time.Duration(delayMs) * time.Millisecond,
		}
		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}

func (b *Broker) process(ctx context.Context, job *notifications.QueueJob, handler notifications.JobHandler) {
	err := runHandler(ctx, job, handler)
	attempts := job.AttemptsMade + 1

	var ackErr error
	switch {
	case err == nil:
		ackErr = b.complete(ctx, job.ID)

	case notifications.IsNoRetry(err):
		ackErr = b.markFailed(ctx, job.ID, attempts, notifications.QueueStatusFailed, err)

	case attempts >= job.Options.Attempts:
		slog.Error("notification job permanently failed",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", attempts,
			"error", err,
		)
		ackErr = b.markFailed(ctx, job.ID, attempts, notifications.QueueStatusDead, err)

	default:
		delay := job.Options.RetryDelay(attempts)
		ackErr = b.markForRetry(ctx, job.ID, attempts, delay, err)
		slog.Info("notification job scheduled for retry",
			"job_id", job.ID,
			"attempt", attempts,
			"delay", delay,
		)
	}

	if ackErr != nil {
		slog.Error("failed to acknowledge job", "job_id", job.ID, "error", ackErr)
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

func (b *Broker) complete(ctx context.Context, id string) error {
	_, err := b.db.Exec(ctx, `DELETE FROM notification_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (b *Broker) markFailed(ctx context.Context, id string, attempts int, status notifications.QueueStatus, cause error) error {
	query := `
		UPDATE notification_jobs
		SET status = $2, attempts_made = $3, last_error = $4, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	_, err := b.db.Exec(ctx, query, id, string(status), attempts, cause.Error())
	if err != nil {
		return fmt.Errorf("mark job %s: %w", status, err)
	}
	return nil
}

func (b *Broker) markForRetry(ctx context.Context, id string, attempts int, delay time.Duration, cause error) error {
	query := `
		UPDATE notification_jobs
		SET status = 'pending',
			attempts_made = $2,
			last_error = $3,
			run_at = NOW() + ($4::bigint * INTERVAL '1 millisecond'),
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := b.db.Exec(ctx, query, id, attempts, cause.Error(), delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("mark job for retry: %w", err)
	}
	return nil
}

// reclaimStale returns jobs left in processing by a crashed worker to the queue.
func (b *Broker) reclaimStale(ctx context.Context, jobType string) error {
	query := `
		UPDATE notification_jobs
		SET status = 'pending', locked_at = NULL, updated_at = NOW()
		WHERE job_type = $1 AND status = 'processing'
			AND locked_at < NOW() - ($2::bigint * INTERVAL '1 millisecond')
	`
	tag, err := b.db.Exec(ctx, query, jobType, b.config.LockTimeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Warn("reclaimed stale jobs", "job_type", jobType, "count", n)
	}
	return nil
}

// Stats returns job counts by status.
func (b *Broker) Stats(ctx context.Context) (*notifications.QueueStats, error) {
	rows, err := b.db.Query(ctx, `SELECT status, COUNT(*) FROM notification_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	var stats notifications.QueueStats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch notifications.QueueStatus(status) {
		case notifications.QueueStatusPending:
			stats.Pending = count
		case notifications.QueueStatusProcessing:
			stats.Processing = count
		case notifications.QueueStatusFailed:
			stats.Failed = count
		case notifications.QueueStatusDead:
			stats.Dead = count
		}
	}

	return &stats, rows.Err()
}
