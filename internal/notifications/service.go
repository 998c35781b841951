package notifications

import (
	"context"
	"fmt"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
)

// Service is the entry point for sending notifications. It routes each
// batch to the dispatcher of the requested channel.
type Service struct {
	dispatchers map[domain.ChannelType]*Dispatcher
}

// NewService creates a notification service. A later dispatcher for the
// same channel replaces an earlier one.
func NewService(dispatchers ...*Dispatcher) *Service {
	s := &Service{
		dispatchers: make(map[domain.ChannelType]*Dispatcher, len(dispatchers)),
	}
	for _, d := range dispatchers {
		if d == nil {
			continue
		}
		s.dispatchers[d.Channel()] = d
	}
	return s
}

// Send dispatches msgs over channel. The error is non-nil only when the
// channel is not configured; per-message problems are in the result.
func (s *Service) Send(ctx context.Context, channel domain.ChannelType, msgs ...Message) (*BatchResult, error) {
	d, ok := s.dispatchers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return d.Send(ctx, msgs...), nil
}

// SendEmail dispatches msgs over the email channel.
func (s *Service) SendEmail(ctx context.Context, msgs ...Message) (*BatchResult, error) {
	return s.Send(ctx, domain.ChannelTypeEmail, msgs...)
}

// SendSMS dispatches msgs over the SMS channel.
func (s *Service) SendSMS(ctx context.Context, msgs ...Message) (*BatchResult, error) {
	return s.Send(ctx, domain.ChannelTypeSMS, msgs...)
}

// Channels returns the configured channels.
func (s *Service) Channels() []domain.ChannelType {
	channels := make([]domain.ChannelType, 0, len(s.dispatchers))
	for _, c := range []domain.ChannelType{domain.ChannelTypeEmail, domain.ChannelTypeSMS} {
		if _, ok := s.dispatchers[c]; ok {
			channels = append(channels, c)
		}
	}
	return channels
}
