package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/pkg/ctxlog"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	Concurrency int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 5,
	}
}

// Worker consumes jobs of one channel from the broker and delivers them.
// Retries and dead-lettering are owned by the broker: the handler only
// reports whether a failure is worth another attempt.
type Worker struct {
	config    WorkerConfig
	jobType   string
	broker    Broker
	renderer  *Renderer
	transport Transport

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a new notification worker for the transport's channel.
func NewWorker(config WorkerConfig, broker Broker, renderer *Renderer, transport Transport) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultWorkerConfig().Concurrency
	}
	return &Worker{
		config:    config,
		jobType:   JobTypeFor(transport.Type()),
		broker:    broker,
		renderer:  renderer,
		transport: transport,
	}
}

// Start subscribes the worker to its job type.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	slog.Info("starting notification worker",
		"job_type", w.jobType,
		"concurrency", w.config.Concurrency,
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.broker.Subscribe(ctx, w.jobType, w.config.Concurrency, w.Handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("notification worker subscription ended", "job_type", w.jobType, "error", err)
		}
	}()
}

// Stop cancels the subscription and waits for in-flight jobs.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("notification worker stopped", "job_type", w.jobType)
}

// Handle renders and delivers one job. A nil return completes the job.
// Transient failures are returned as is so the broker retries them;
// anything else is wrapped with NoRetry.
func (w *Worker) Handle(ctx context.Context, job *QueueJob) error {
	start := time.Now()
	channelType := string(w.transport.Type())

	ctx, logger := ctxlog.With(ctx,
		"job_id", job.ID,
		"job_type", job.Type,
		"attempt", job.AttemptsMade+1,
		"max_attempts", job.Options.Attempts,
	)

	if job.Channel != "" && job.Channel != w.transport.Type() {
		recordNotificationSent(channelType, "failed")
		return NoRetry(fmt.Errorf("job channel %q does not match transport %q", job.Channel, channelType))
	}

	if job.Message.Recipient == "" {
		recordNotificationSent(channelType, "failed")
		return NoRetry(ErrInvalidRecipient)
	}

	body, err := w.renderer.RenderMessage(job.Message)
	if err != nil {
		logger.Error("failed to render notification", "error", err)
		recordNotificationSent(channelType, "failed")
		return NoRetry(fmt.Errorf("render: %w", err))
	}

	err = w.transport.Deliver(ctx, Delivery{
		To:      job.Message.Recipient,
		Subject: job.Message.Subject,
		Body:    body,
	})
	duration := time.Since(start)

	if err != nil {
		return w.handleDeliverError(ctx, channelType, err)
	}

	recordNotificationSent(channelType, "success")
	recordNotificationDuration(channelType, duration)

	logger.Info("notification sent",
		"channel_type", channelType,
		"duration", duration,
	)
	return nil
}

func (w *Worker) handleDeliverError(ctx context.Context, channelType string, err error) error {
	logger := ctxlog.FromContext(ctx)

	if IsTransient(err) {
		logger.Warn("send failed, will retry", "error", err)
		recordNotificationSent(channelType, "retry")
		return err
	}

	logger.Error("send failed permanently", "error", err)
	recordNotificationSent(channelType, "failed")
	return NoRetry(err)
}
