package notifications

import (
	"context"
	"testing"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Send(t *testing.T) {
	emailBroker := &mockBroker{}
	smsTransport := newMockTransport(domain.ChannelTypeSMS)

	email := newTestDispatcher(t, DefaultDispatcherConfig(), emailBroker, nil, newMockTransport(domain.ChannelTypeEmail))
	sms := newTestDispatcher(t, DefaultDispatcherConfig(), nil, nil, smsTransport)
	svc := NewService(email, sms, nil)

	assert.Equal(t, []domain.ChannelType{domain.ChannelTypeEmail, domain.ChannelTypeSMS}, svc.Channels())

	result, err := svc.SendEmail(context.Background(), Message{Recipient: "ada@example.com", Content: "x"})
	require.NoError(t, err)
	assert.Len(t, result.Successes, 1)
	assert.Len(t, emailBroker.enqueued(), 1)

	result, err = svc.SendSMS(context.Background(), Message{Recipient: "+15551234567", Content: "x"})
	require.NoError(t, err)
	assert.Len(t, result.Successes, 1)
	assert.Len(t, smsTransport.delivered(), 1)
}

func TestService_Send_UnknownChannel(t *testing.T) {
	email := newTestDispatcher(t, DefaultDispatcherConfig(), nil, nil, newMockTransport(domain.ChannelTypeEmail))
	svc := NewService(email)

	result, err := svc.SendSMS(context.Background(), Message{Recipient: "+15551234567", Content: "x"})

	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Nil(t, result)
}
