// Package domain contains the shared value types of the notification engine.
package domain

// ChannelType identifies a delivery channel.
type ChannelType string

// Channel types.
const (
	ChannelTypeEmail ChannelType = "email"
	ChannelTypeSMS   ChannelType = "sms"
)

// IsValid reports whether the channel type is known.
func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelTypeEmail, ChannelTypeSMS:
		return true
	default:
		return false
	}
}

// Priority is the delivery precedence of a message.
type Priority int

// Priorities. The zero value is PriorityNormal.
const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// QueuePriority maps the priority to the broker's numeric priority.
// Lower numbers are scheduled first.
func (p Priority) QueuePriority() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority converts "high", "normal" or "low" into a Priority.
// Unknown values map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}
