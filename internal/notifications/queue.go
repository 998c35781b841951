package notifications

import (
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
)

// Job types consumed by the worker pools.
const (
	JobTypeSendMail = "send-mail"
	JobTypeSendSMS  = "send-sms"
)

// JobTypeFor returns the job type used for a channel.
func JobTypeFor(channel domain.ChannelType) string {
	if channel == domain.ChannelTypeSMS {
		return JobTypeSendSMS
	}
	return JobTypeSendMail
}

// QueueStatus represents the status of a queued job.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDead       QueueStatus = "dead"
)

// BackoffType names a retry delay strategy.
type BackoffType string

// BackoffExponential doubles the delay after every failed attempt.
const BackoffExponential BackoffType = "exponential"

// Backoff describes how the broker delays retries.
type Backoff struct {
	Type         BackoffType   `json:"type"`
	InitialDelay time.Duration `json:"initial_delay"`
}

// JobOptions are the delivery options attached to a job at enqueue time.
type JobOptions struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
	Priority int     `json:"priority"`
}

// DefaultJobOptions returns the options used for a message of the given priority.
func DefaultJobOptions(priority domain.Priority) JobOptions {
	return JobOptions{
		Attempts: 3,
		Backoff: Backoff{
			Type:         BackoffExponential,
			InitialDelay: time.Second,
		},
		Priority: priority.QueuePriority(),
	}
}

// RetryDelay returns the delay before the next attempt after attemptsMade
// attempts have failed.
func (o JobOptions) RetryDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := o.Backoff.InitialDelay
	if o.Backoff.Type != BackoffExponential {
		return delay
	}
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// QueueJob is the unit placed on the broker.
type QueueJob struct {
	ID           string
	Type         string
	Channel      domain.ChannelType
	Message      Message
	Options      JobOptions
	AttemptsMade int
	LastError    string
	CreatedAt    time.Time
}

// QueueStats contains job counts by status.
type QueueStats struct {
	Pending    int64
	Processing int64
	Failed     int64
	Dead       int64
}
