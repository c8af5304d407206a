// Package types contains the broker-neutral domain types shared across all
// pubs internal packages. It deliberately has zero imports of other pubs
// packages so that the broker adapters, the engine, and the CLI can all
// import from it without creating import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// SubQueue selects the primary entity or its dead-letter sub-queue.
type SubQueue uint8

const (
	// SubQueueNone addresses the entity itself.
	SubQueueNone SubQueue = iota
	// SubQueueDeadLetter addresses the entity's dead-letter sub-queue.
	SubQueueDeadLetter
)

func (s SubQueue) String() string {
	if s == SubQueueDeadLetter {
		return "deadletter"
	}
	return "none"
}

const deadLetterSuffix = "/$DeadLetterQueue"

// ErrInvalidEntity is returned by EntityRef.Validate.
var ErrInvalidEntity = errors.New("types: invalid entity reference")

// EntityRef identifies a queue, or a topic subscription, optionally qualified
// to its dead-letter sub-queue. It is immutable once built.
type EntityRef struct {
	Queue        string
	Topic        string
	Subscription string
	SubQueue     SubQueue
}

// QueueRef returns a reference to a queue.
func QueueRef(name string) EntityRef { return EntityRef{Queue: name} }

// SubscriptionRef returns a reference to a topic subscription.
func SubscriptionRef(topic, subscription string) EntityRef {
	return EntityRef{Topic: topic, Subscription: subscription}
}

// DeadLetter returns a copy of e addressing its dead-letter sub-queue.
func (e EntityRef) DeadLetter() EntityRef {
	e.SubQueue = SubQueueDeadLetter
	return e
}

// IsQueue reports whether e names a queue.
func (e EntityRef) IsQueue() bool { return e.Queue != "" }

// IsSubscription reports whether e names a topic subscription.
func (e EntityRef) IsSubscription() bool { return e.Topic != "" && e.Subscription != "" }

// IsDeadLetter reports whether e addresses a dead-letter sub-queue.
func (e EntityRef) IsDeadLetter() bool { return e.SubQueue == SubQueueDeadLetter }

// Validate checks that exactly one of queue or topic+subscription is set.
func (e EntityRef) Validate() error {
	switch {
	case e.Queue != "" && (e.Topic != "" || e.Subscription != ""):
		return fmt.Errorf("%w: both queue and topic/subscription given", ErrInvalidEntity)
	case e.Queue != "":
		return nil
	case e.Topic == "" && e.Subscription == "":
		return fmt.Errorf("%w: queue or topic/subscription required", ErrInvalidEntity)
	case e.Topic == "" || e.Subscription == "":
		return fmt.Errorf("%w: topic and subscription must be given together", ErrInvalidEntity)
	}
	return nil
}

// Path returns the broker path of the entity, without the sub-queue suffix.
//
//	orders
//	events/Subscriptions/audit
func (e EntityRef) Path() string {
	if e.IsQueue() {
		return e.Queue
	}
	return e.Topic + "/Subscriptions/" + e.Subscription
}

// String returns the path including the dead-letter suffix when present.
func (e EntityRef) String() string {
	if e.IsDeadLetter() {
		return e.Path() + deadLetterSuffix
	}
	return e.Path()
}

// ParseEntityPath is the inverse of EntityRef.String.
func ParseEntityPath(path string) (EntityRef, error) {
	var e EntityRef
	if strings.HasSuffix(path, deadLetterSuffix) {
		e.SubQueue = SubQueueDeadLetter
		path = strings.TrimSuffix(path, deadLetterSuffix)
	}
	if topic, sub, ok := strings.Cut(path, "/Subscriptions/"); ok {
		e.Topic, e.Subscription = topic, sub
	} else {
		e.Queue = path
	}
	return e, e.Validate()
}

// ReceiveMode selects between destructive and non-destructive reads.
type ReceiveMode uint8

const (
	// ModeReceive locks each message; the lock must be settled or it expires
	// and the message is redelivered.
	ModeReceive ReceiveMode = iota
	// ModePeek never mutates broker state: no lock, no settlement.
	ModePeek
)

func (m ReceiveMode) String() string {
	if m == ModePeek {
		return "peek"
	}
	return "receive"
}
