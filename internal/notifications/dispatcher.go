package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

const defaultChunkSize = 10

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	// Enabled turns delivery on. A disabled dispatcher accepts nothing and
	// reports an empty result.
	Enabled bool
	// OnlyDeliverTo redirects every message to these addresses when non-empty.
	OnlyDeliverTo  []string
	ChunkSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Enabled:        true,
		ChunkSize:      defaultChunkSize,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
	}
}

// Dispatcher accepts outbound messages of one channel and either queues
// them for the worker pool or, when the broker cannot take them, delivers
// them directly through the transport.
type Dispatcher struct {
	config    DispatcherConfig
	channel   domain.ChannelType
	jobType   string
	broker    Broker
	monitor   *Monitor
	renderer  *Renderer
	transport Transport
	validator *RecipientValidator
}

// NewDispatcher creates a dispatcher for the transport's channel.
// broker may be nil, in which case every message is delivered directly.
func NewDispatcher(config DispatcherConfig, broker Broker, monitor *Monitor, renderer *Renderer, transport Transport) (*Dispatcher, error) {
	if transport == nil {
		return nil, errors.New("dispatcher: transport is required")
	}
	if renderer == nil {
		return nil, errors.New("dispatcher: renderer is required")
	}

	defaults := DefaultDispatcherConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}

	channel := transport.Type()
	if !channel.IsValid() {
		return nil, fmt.Errorf("dispatcher: unsupported channel %q", channel)
	}

	if broker != nil && monitor == nil {
		monitor = NewMonitor(broker, 0)
	}

	slog.Info("notification dispatcher configured",
		"channel", channel,
		"enabled", config.Enabled,
		"chunk_size", config.ChunkSize,
		"only_deliver_to", len(config.OnlyDeliverTo),
		"queued", broker != nil,
	)

	return &Dispatcher{
		config:    config,
		channel:   channel,
		jobType:   JobTypeFor(channel),
		broker:    broker,
		monitor:   monitor,
		renderer:  renderer,
		transport: transport,
		validator: NewRecipientValidator(channel),
	}, nil
}

// Channel returns the channel served by the dispatcher.
func (d *Dispatcher) Channel() domain.ChannelType {
	return d.channel
}

// Send dispatches messages in chunks. Messages within a chunk are handled
// concurrently; a chunk starts only after the previous one has resolved.
// Per-message problems are reported in the result, never as an error.
func (d *Dispatcher) Send(ctx context.Context, msgs ...Message) *BatchResult {
	result := newBatchResult()

	if !d.config.Enabled {
		ctxlog.FromContext(ctx).Info("notification sending is disabled", "channel", d.channel, "count", len(msgs))
		return result
	}

	for start := 0; start < len(msgs); start += d.config.ChunkSize {
		end := min(start+d.config.ChunkSize, len(msgs))
		d.processChunk(ctx, msgs[start:end], result)
	}

	result.finish()
	recordBatch(string(d.channel), result.Metrics.ProcessingTime)

	ctxlog.FromContext(ctx).Debug("notification batch dispatched",
		"channel", d.channel,
		"total", result.TotalProcessed,
		"successes", len(result.Successes),
		"failures", len(result.Failures),
		"duration_ms", result.Metrics.ProcessingTimeMs(),
	)

	return result
}

func (d *Dispatcher) processChunk(ctx context.Context, chunk []Message, result *BatchResult) {
	outcomes := make([][]DispatchOutcome, len(chunk))

	var g errgroup.Group
	for i, msg := range chunk {
		g.Go(func() error {
			outcomes[i] = d.dispatchMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		result.add(o...)
	}
}

// dispatchMessage validates msg and dispatches one copy per effective
// recipient. Copies are handled one after another so a chunk never has
// more attempts in flight than it has messages.
func (d *Dispatcher) dispatchMessage(ctx context.Context, msg Message) []DispatchOutcome {
	if !d.validator.Valid(msg.Recipient) {
		ctxlog.FromContext(ctx).Warn("rejected notification", "channel", d.channel, "recipient", msg.Recipient, "error", ErrInvalidRecipient)
		recordDispatch(string(d.channel), PathNone, "invalid")
		return []DispatchOutcome{{Message: msg, Err: ErrInvalidRecipient}}
	}

	if err := msg.validateContent(); err != nil {
		ctxlog.FromContext(ctx).Warn("rejected notification", "channel", d.channel, "recipient", msg.Recipient, "error", err)
		recordDispatch(string(d.channel), PathNone, "invalid")
		return []DispatchOutcome{{Message: msg, Err: err}}
	}

	targets := d.effectiveRecipients(msg.Recipient)
	outcomes := make([]DispatchOutcome, 0, len(targets))
	for _, to := range targets {
		m := msg.WithRecipient(to)
		path, err := d.dispatchOne(ctx, m)
		outcomes = append(outcomes, DispatchOutcome{
			Message:   m,
			Path:      path,
			Succeeded: err == nil,
			Err:       err,
		})
	}
	return outcomes
}

func (d *Dispatcher) effectiveRecipients(original string) []string {
	if len(d.config.OnlyDeliverTo) > 0 {
		return d.config.OnlyDeliverTo
	}
	return []string{original}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, msg Message) (DispatchPath, error) {
	if d.broker != nil && d.monitor.IsAvailable() {
		err := d.enqueue(ctx, msg)
		if err == nil {
			recordDispatch(string(d.channel), PathQueued, "success")
			return PathQueued, nil
		}
		ctxlog.FromContext(ctx).Warn("queue operation failed, falling back to direct delivery",
			"channel", d.channel,
			"recipient", msg.Recipient,
			"error", err,
		)
		recordFallback(string(d.channel), "enqueue_failed")
	} else {
		recordFallback(string(d.channel), "broker_unavailable")
	}

	if err := d.deliverDirect(ctx, msg); err != nil {
		ctxlog.FromContext(ctx).Error("failed to deliver notification directly",
			"channel", d.channel,
			"recipient", msg.Recipient,
			"error", err,
		)
		recordDispatch(string(d.channel), PathDirect, "failed")
		return PathDirect, err
	}

	recordDispatch(string(d.channel), PathDirect, "success")
	return PathDirect, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, msg Message) error {
	options := DefaultJobOptions(msg.Priority)
	options.Attempts = d.config.MaxAttempts
	options.Backoff.InitialDelay = d.config.InitialBackoff

	job := &QueueJob{
		Type:    d.jobType,
		Channel: d.channel,
		Message: msg,
		Options: options,
	}
	if err := d.broker.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", d.jobType, err)
	}
	return nil
}

func (d *Dispatcher) deliverDirect(ctx context.Context, msg Message) error {
	body, err := d.renderer.RenderMessage(msg)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	return d.transport.Deliver(ctx, Delivery{
		To:      msg.Recipient,
		Subject: msg.Subject,
		Body:    body,
	})
}
