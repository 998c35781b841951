package notifications

import (
	"maps"

	"github.com/hbashar434/easy-shop-backend/internal/domain"
)

// Message is one outbound notification. Exactly one of Content or
// Template must be set.
type Message struct {
	Recipient string          `json:"to"`
	Subject   string          `json:"subject,omitempty"`
	Content   string          `json:"content,omitempty"`
	Template  string          `json:"template,omitempty"`
	Context   map[string]any  `json:"context,omitempty"`
	Priority  domain.Priority `json:"priority"`
}

// IsTemplated reports whether the body is rendered from a named template.
func (m Message) IsTemplated() bool {
	return m.Template != ""
}

// validateContent checks that exactly one body form is set.
func (m Message) validateContent() error {
	switch {
	case m.Content == "" && m.Template == "":
		return ErrMissingContent
	case m.Content != "" && m.Template != "":
		return ErrAmbiguousContent
	default:
		return nil
	}
}

// WithRecipient returns a copy of the message addressed to recipient.
// The context map is copied so clones never share mutable state.
func (m Message) WithRecipient(recipient string) Message {
	clone := m
	clone.Recipient = recipient
	if m.Context != nil {
		clone.Context = maps.Clone(m.Context)
	}
	return clone
}

// Delivery is a fully rendered notification handed to a transport.
type Delivery struct {
	To      string
	Subject string
	Body    string
}
