package types

import (
	"fmt"
	"strings"
	"time"
)

// MessageState is the broker-side state of a received message.
type MessageState uint8

const (
	// StateActive means the message is available for ordinary receive.
	StateActive MessageState = iota
	// StateDeferred means the message was set aside and can only be fetched
	// by sequence number.
	StateDeferred
	// StateScheduled means the message is waiting for its enqueue time.
	StateScheduled
)

// String returns a human-readable representation of the state.
func (s MessageState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDeferred:
		return "deferred"
	case StateScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s MessageState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText is the inverse of MarshalText, so emitted messages can be
// read back for settlement or re-injection.
func (s *MessageState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StateActive
	case "deferred":
		*s = StateDeferred
	case "scheduled":
		*s = StateScheduled
	default:
		return fmt.Errorf("types: unknown message state %q", b)
	}
	return nil
}

// ReceivedMessage is a message handed to the caller by a receive, peek, or
// deferred fetch.
type ReceivedMessage struct {
	MessageID      string `json:"messageId"`
	SessionID      string `json:"sessionId,omitempty"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Body           []byte `json:"-"`

	ApplicationProperties map[string]any `json:"applicationProperties,omitempty"`

	DeliveryCount uint32       `json:"deliveryCount"`
	EnqueuedAt    time.Time    `json:"enqueuedAt"`
	LockedUntil   time.Time    `json:"lockedUntil,omitzero"`
	LockToken     string       `json:"lockToken,omitempty"`
	State         MessageState `json:"state"`

	DeadLetterReason           string `json:"deadLetterReason,omitempty"`
	DeadLetterErrorDescription string `json:"deadLetterErrorDescription,omitempty"`

	// Handle is an opaque broker-specific value needed to settle the message
	// on the receiver that produced it. Nil for peeked messages.
	Handle any `json:"-"`
}

// BodyString returns the body as text.
func (m *ReceivedMessage) BodyString() string { return string(m.Body) }

// MessageIDProperty is the application property promoted to the broker
// message id on send.
const MessageIDProperty = "MessageId"

// PreparedMessage is an outbound message template. Every body becomes one
// broker message carrying the same session id and properties.
type PreparedMessage struct {
	SessionID             string         `json:"sessionId,omitempty"`
	ApplicationProperties map[string]any `json:"customProperties,omitempty"`
	Body                  string         `json:"body"`
}

// OutgoingMessage is what a broker Sender actually transmits.
type OutgoingMessage struct {
	MessageID             string
	SessionID             string
	ApplicationProperties map[string]any
	Body                  []byte
}

// Size approximates the encoded size of the message for batch accounting.
func (m *OutgoingMessage) Size() int {
	n := len(m.Body) + len(m.MessageID) + len(m.SessionID)
	for k, v := range m.ApplicationProperties {
		n += len(k) + len(fmt.Sprint(v))
	}
	return n
}

// Settlement is the terminal disposition applied to a received message.
type Settlement uint8

const (
	// SettleNone leaves the message locked; the lock expires into redelivery.
	SettleNone Settlement = iota
	// SettleComplete consumes the message.
	SettleComplete
	// SettleAbandon releases the lock for redelivery.
	SettleAbandon
	// SettleDefer sets the message aside for fetch by sequence number.
	SettleDefer
	// SettleDeadLetter moves the message to the dead-letter sub-queue.
	SettleDeadLetter
)

// String returns the settlement name.
func (s Settlement) String() string {
	switch s {
	case SettleNone:
		return "none"
	case SettleComplete:
		return "complete"
	case SettleAbandon:
		return "abandon"
	case SettleDefer:
		return "defer"
	case SettleDeadLetter:
		return "deadletter"
	default:
		return "unknown"
	}
}

// ParseSettlement parses a settlement name, case-insensitively. The empty
// string parses as SettleComplete.
func ParseSettlement(s string) (Settlement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "complete":
		return SettleComplete, nil
	case "none":
		return SettleNone, nil
	case "abandon":
		return SettleAbandon, nil
	case "defer":
		return SettleDefer, nil
	case "deadletter", "dead-letter":
		return SettleDeadLetter, nil
	}
	return SettleNone, fmt.Errorf("types: unknown settlement %q", s)
}
