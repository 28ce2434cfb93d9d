package realtime

import (
	"time"
)

// MessageType defines the type of WebSocket messages
type MessageType string

const (
	// MessageTypeBillingEvent carries a tier, subscription or payment change
	MessageTypeBillingEvent MessageType = "billing_event"

	// MessageTypeSystemEvent represents a system event message
	MessageTypeSystemEvent MessageType = "system_event"

	// MessageTypeError represents an error message
	MessageTypeError MessageType = "error"
)

// Message represents a message sent through WebSocket
type Message struct {
	// Type of the message
	Type MessageType `json:"type"`

	// Event kind for billing events (tier_changed, payment_failed, ...)
	Event string `json:"event,omitempty"`

	// Target user for directed messages (used internally)
	TargetUserID string `json:"-"`

	// Payload contains the actual message data
	Payload interface{} `json:"payload"`

	// Timestamp of the message
	Timestamp time.Time `json:"timestamp"`
}

// NewBillingMessage creates a billing event message
func NewBillingMessage(kind string, payload interface{}) *Message {
	return &Message{
		Type:      MessageTypeBillingEvent,
		Event:     kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewSystemMessage creates a new system event message
func NewSystemMessage(message string) *Message {
	return &Message{
		Type:      MessageTypeSystemEvent,
		Payload:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorMessage creates a new error message
func NewErrorMessage(err error) *Message {
	return &Message{
		Type:      MessageTypeError,
		Payload:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
}
