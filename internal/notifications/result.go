package notifications

import (
	"encoding/json"
	"time"
)

// DispatchPath tells how a message left the dispatcher.
type DispatchPath string

// Dispatch paths.
const (
	PathNone   DispatchPath = ""
	PathQueued DispatchPath = "queued"
	PathDirect DispatchPath = "direct"
)

// DispatchOutcome is the result of dispatching one message to one recipient.
type DispatchOutcome struct {
	Message   Message
	Path      DispatchPath
	Succeeded bool
	Err       error
}

// Failure is a message rejected before or during dispatch.
type Failure struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
}

// BatchMetrics holds timing information of a batch.
type BatchMetrics struct {
	StartTime      time.Time
	ProcessingTime time.Duration
}

type batchMetricsJSON struct {
	StartTime        time.Time `json:"start_time"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// MarshalJSON encodes the processing time as processing_time_ms.
func (m BatchMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(batchMetricsJSON{
		StartTime:        m.StartTime,
		ProcessingTimeMs: m.ProcessingTimeMs(),
	})
}

func (m *BatchMetrics) UnmarshalJSON(data []byte) error {
	var v batchMetricsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.StartTime = v.StartTime
	m.ProcessingTime = time.Duration(v.ProcessingTimeMs) * time.Millisecond
	return nil
}

// ProcessingTimeMs returns the processing time in whole milliseconds.
func (m BatchMetrics) ProcessingTimeMs() int64 {
	return m.ProcessingTime.Milliseconds()
}

// BatchResult is the outcome of one Send call. Successes are messages
// accepted for delivery; worker outcomes arrive later and are not reflected.
type BatchResult struct {
	Successes      []Message    `json:"successes"`
	Failures       []Failure    `json:"failures"`
	TotalProcessed int          `json:"total_processed"`
	Metrics        BatchMetrics `json:"metrics"`
}

func newBatchResult() *BatchResult {
	return &BatchResult{
		Successes: make([]Message, 0),
		Failures:  make([]Failure, 0),
		Metrics: BatchMetrics{
			StartTime: time.Now(),
		},
	}
}

func (r *BatchResult) add(outcomes ...DispatchOutcome) {
	for _, o := range outcomes {
		if o.Succeeded {
			r.Successes = append(r.Successes, o.Message)
		} else {
			msg := "unknown error"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			r.Failures = append(r.Failures, Failure{Message: o.Message, Error: msg})
		}
		r.TotalProcessed++
	}
}

func (r *BatchResult) finish() {
	r.Metrics.ProcessingTime = time.Since(r.Metrics.StartTime)
}
