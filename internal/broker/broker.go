// Package broker defines the Broker Client capability the pubs engine drives.
//
// Design principle: the engine (resolver, drain loop, renewer, dispatcher,
// session-state helpers) must ONLY interact with a broker through these
// interfaces. Connection handling, AMQP link management and the RPCs behind
// each call belong to the implementations:
//
//   - localbus.Bus: in-process, bbolt-persisted, session-capable broker
//   - azsb.Client: Azure Service Bus
//
// All methods must be safe for concurrent use unless stated otherwise.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/eosfor/pubs/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrRequiresSession is reported by NewReceiver or by the first Receive /
	// Peek when the entity only allows session-scoped access. It is a control
	// signal, not a hard failure.
	ErrRequiresSession = errors.New("broker: entity requires sessions")

	// ErrSessionsNotSupported is returned by AcceptSession on an entity that
	// is not session-enabled.
	ErrSessionsNotSupported = errors.New("broker: entity is not session-enabled")

	// ErrSessionLockLost is returned when a session lock expired or was taken
	// over before it could be renewed or used.
	ErrSessionLockLost = errors.New("broker: session lock lost")

	// ErrMessageLockLost is returned when settling a message whose lock has
	// expired or whose lock token is unknown.
	ErrMessageLockLost = errors.New("broker: message lock lost")

	// ErrEntityNotFound is returned for unknown queues, topics or subscriptions.
	ErrEntityNotFound = errors.New("broker: entity not found")

	// ErrMessageTooLarge is returned when a message cannot fit into an empty
	// batch.
	ErrMessageTooLarge = errors.New("broker: message too large")

	// ErrClosed is returned by calls on a closed client, receiver or sender.
	ErrClosed = errors.New("broker: closed")
)

// ─── Options ──────────────────────────────────────────────────────────────────

// ReceiverOptions configures NewReceiver.
type ReceiverOptions struct {
	Mode types.ReceiveMode
}

// DeadLetterOptions carries the optional reason and description recorded on
// a dead-lettered message.
type DeadLetterOptions struct {
	Reason      string
	Description string
}

// ─── Capabilities ─────────────────────────────────────────────────────────────

// Client is the entry point to a broker.
type Client interface {
	// NewReceiver opens a non-session receiver for entity. It returns
	// ErrRequiresSession when the broker already knows the entity is
	// session-enabled; some brokers only report that on the first fetch.
	NewReceiver(ctx context.Context, entity types.EntityRef, opts ReceiverOptions) (Receiver, error)

	// AcceptNextSession locks the next session that has messages and is not
	// held by anyone else. It returns nil, nil when no session becomes
	// available within wait.
	AcceptNextSession(ctx context.Context, entity types.EntityRef, wait time.Duration) (SessionReceiver, error)

	// AcceptSession locks the named session, waiting for it if necessary.
	AcceptSession(ctx context.Context, entity types.EntityRef, sessionID string) (SessionReceiver, error)

	// NewSender opens a sender for a queue or topic. Only entity.Queue or
	// entity.Topic is consulted.
	NewSender(ctx context.Context, target types.EntityRef) (Sender, error)

	// Close releases every resource held by the client.
	Close(ctx context.Context) error
}

// Prober is an optional Client capability: an explicit up-front check of
// whether an entity requires session-scoped access.
type Prober interface {
	// RequiresSession returns ErrEntityNotFound for unknown entities.
	RequiresSession(ctx context.Context, entity types.EntityRef) (bool, error)
}

// Receiver fetches and settles messages from one entity.
type Receiver interface {
	// Receive waits up to wait for at least one message and returns up to
	// max messages, each locked. An empty result is not an error.
	Receive(ctx context.Context, max int, wait time.Duration) ([]*types.ReceivedMessage, error)

	// Peek returns up to max messages without locking them. Successive peeks
	// on the same receiver continue after the last peeked sequence number.
	Peek(ctx context.Context, max int) ([]*types.ReceivedMessage, error)

	Complete(ctx context.Context, msg *types.ReceivedMessage) error
	Abandon(ctx context.Context, msg *types.ReceivedMessage) error
	Defer(ctx context.Context, msg *types.ReceivedMessage) error
	DeadLetter(ctx context.Context, msg *types.ReceivedMessage, opts DeadLetterOptions) error

	// ReceiveDeferred fetches deferred messages by sequence number and locks
	// them. Unknown sequence numbers are skipped.
	ReceiveDeferred(ctx context.Context, seqs []int64) ([]*types.ReceivedMessage, error)

	Close(ctx context.Context) error
}

// SessionReceiver is a Receiver that owns the lock on exactly one session.
type SessionReceiver interface {
	Receiver

	SessionID() string

	// LockedUntil is the current session lock expiry. Renewal advances it.
	LockedUntil() time.Time

	// RenewSessionLock extends the session lock. It returns an error wrapping
	// ErrSessionLockLost when the lock is already gone.
	RenewSessionLock(ctx context.Context) error

	// SessionState returns the opaque state blob, nil when unset.
	SessionState(ctx context.Context) ([]byte, error)

	// SetSessionState overwrites the state blob wholesale.
	SetSessionState(ctx context.Context, state []byte) error
}

// Sender transmits messages to a queue or topic.
type Sender interface {
	// NewBatch returns an empty size-bounded batch.
	NewBatch(ctx context.Context) (Batch, error)

	SendBatch(ctx context.Context, batch Batch) error

	Close(ctx context.Context) error
}

// Batch accumulates messages up to the broker's size limit.
type Batch interface {
	// TryAdd adds msg and reports true, or reports false when the batch has
	// no room left for it. Errors other than "does not fit" are returned.
	TryAdd(msg *types.OutgoingMessage) (bool, error)

	// Len returns the number of messages in the batch.
	Len() int
}

// Settle applies action to msg through r. SettleNone is a no-op.
func Settle(ctx context.Context, r Receiver, msg *types.ReceivedMessage, action types.Settlement, dl DeadLetterOptions) error {
	switch action {
	case types.SettleNone:
		return nil
	case types.SettleComplete:
		return r.Complete(ctx, msg)
	case types.SettleAbandon:
		return r.Abandon(ctx, msg)
	case types.SettleDefer:
		return r.Defer(ctx, msg)
	case types.SettleDeadLetter:
		return r.DeadLetter(ctx, msg, dl)
	}
	return errors.New("broker: unknown settlement " + action.String())
}
