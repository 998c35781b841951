// Package sms provides SMS notification delivery via an HTTP gateway.
package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "http://portal.jadusms.com/smsapi/non-masking"
	defaultTimeout = 10 * time.Second
)

// Config holds SMS sender configuration.
type Config struct {
	Enabled   bool
	APIKey    string
	BaseURL   string        // gateway endpoint
	Timeout   time.Duration // request timeout
	RateLimit float64       // messages per second
}

// Sender implements the SMS transport. Messages are submitted as a GET
// request carrying the key, the number and the text as query parameters.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new SMS sender.
// Returns error if enabled but the API key is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.APIKey == "" {
		return nil, errors.New("sms sender: missing SMS configurations: api key")
	}

	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 5
	}

	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("sms sender: invalid base url: %w", err)
	}

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"base_url", config.BaseURL,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), max(int(config.RateLimit), 1)),
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeSMS
}

// Deliver sends an SMS to delivery.To. The subject is ignored.
func (s *Sender) Deliver(ctx context.Context, delivery notifications.Delivery) error {
	if !s.config.Enabled {
		slog.Warn("sms sender disabled, skipping send", "recipient", maskNumber(delivery.To))
		return nil
	}
	if delivery.To == "" {
		return &PermanentError{Message: "mobile number is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(delivery), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", redact(err))}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, delivery.To)
}

func (s *Sender) requestURL(delivery notifications.Delivery) string {
	q := url.Values{}
	q.Set("api_key", s.config.APIKey)
	q.Set("smsType", "text")
	q.Set("mobileNo", delivery.To)
	q.Set("smsContent", delivery.Body)

	u, _ := url.Parse(s.config.BaseURL)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Sender) handleResponse(resp *http.Response, to string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("sms sent", "recipient", maskNumber(to), "response", string(body))
		return nil

	case resp.StatusCode == http.StatusBadRequest:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", string(body)),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "invalid api key",
		}

	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "gateway endpoint not found",
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: "rate limited",
		}

	case resp.StatusCode >= 500:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", string(body)),
		}

	default:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unexpected status: %s", string(body)),
		}
	}
}

// redact drops the request URL, and with it the api key, from transport errors.
func redact(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Sprintf("%s: %v", urlErr.Op, urlErr.Err)
	}
	return err.Error()
}

// maskNumber hides the middle digits of a phone number for logging.
func maskNumber(number string) string {
	if len(number) > 6 {
		return number[:3] + "***" + number[len(number)-3:]
	}
	return number
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms gateway error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms gateway error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
