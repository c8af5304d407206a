// Package azsb implements broker.Client on Azure Service Bus.
//
// # Quick start
//
//	c, err := azsb.New(connStr, azsb.WithLogger(log))
//	defer c.Close(ctx)
//
//	rcv, err := c.NewReceiver(ctx, types.QueueRef("orders"), broker.ReceiverOptions{})
//
// # Settlement
//
// Service Bus settles a message on the link that received it. Received
// messages carry their SDK value in ReceivedMessage.Handle; a message without
// one (read back from a previous run's output, say) cannot be settled and
// reports broker.ErrMessageLockLost.
//
// # Session probing
//
// The admin client answers broker.Prober from the entity's RequiresSession
// property, so the engine never has to learn it from a failed fetch.
package azsb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"go.uber.org/multierr"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/types"
)

// ─── Client options ───────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*settings)

type settings struct {
	log   *slog.Logger
	retry azservicebus.RetryOptions
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithRetry sets how often and how patiently the SDK retries a failed
// operation before giving up.
func WithRetry(maxRetries int, delay, maxDelay time.Duration) Option {
	return func(s *settings) {
		s.retry = azservicebus.RetryOptions{MaxRetries: int32(maxRetries), RetryDelay: delay, MaxRetryDelay: maxDelay}
	}
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is a Service Bus namespace connection. It is safe for concurrent use.
type Client struct {
	sb    *azservicebus.Client
	admin *admin.Client
	log   *slog.Logger
}

var (
	_ broker.Client = (*Client)(nil)
	_ broker.Prober = (*Client)(nil)
)

// New connects to the namespace named by a Service Bus connection string.
func New(connStr string, opts ...Option) (*Client, error) {
	s := settings{log: slog.Default()}
	for _, o := range opts {
		o(&s)
	}

	sb, err := azservicebus.NewClientFromConnectionString(connStr, &azservicebus.ClientOptions{RetryOptions: s.retry})
	if err != nil {
		return nil, fmt.Errorf("azsb: %w", err)
	}
	adm, err := admin.NewClientFromConnectionString(connStr, &admin.ClientOptions{
		ClientOptions: policy.ClientOptions{Retry: policy.RetryOptions{MaxRetries: s.retry.MaxRetries}},
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("azsb: admin: %w", err), sb.Close(context.Background()))
	}
	return &Client{sb: sb, admin: adm, log: s.log}, nil
}

// RequiresSession reads the entity's RequiresSession property. Dead-letter
// sub-queues never require sessions.
func (c *Client) RequiresSession(ctx context.Context, entity types.EntityRef) (bool, error) {
	var need *bool
	if entity.IsQueue() {
		resp, err := c.admin.GetQueue(ctx, entity.Queue, nil)
		if err != nil {
			return false, mapErr(err)
		}
		if resp == nil {
			return false, fmt.Errorf("%w: %s", broker.ErrEntityNotFound, entity)
		}
		need = resp.RequiresSession
	} else {
		resp, err := c.admin.GetSubscription(ctx, entity.Topic, entity.Subscription, nil)
		if err != nil {
			return false, mapErr(err)
		}
		if resp == nil {
			return false, fmt.Errorf("%w: %s", broker.ErrEntityNotFound, entity)
		}
		need = resp.RequiresSession
	}
	if entity.IsDeadLetter() {
		return false, nil
	}
	return need != nil && *need, nil
}

// NewReceiver opens a plain receiver. Service Bus reports a session-enabled
// entity only on the first fetch.
func (c *Client) NewReceiver(_ context.Context, entity types.EntityRef, _ broker.ReceiverOptions) (broker.Receiver, error) {
	ro := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	if entity.IsDeadLetter() {
		ro.SubQueue = azservicebus.SubQueueDeadLetter
	}

	var (
		r   *azservicebus.Receiver
		err error
	)
	if entity.IsQueue() {
		r, err = c.sb.NewReceiverForQueue(entity.Queue, ro)
	} else {
		r, err = c.sb.NewReceiverForSubscription(entity.Topic, entity.Subscription, ro)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &receiver{link: r}, nil
}

// AcceptNextSession waits up to wait for a session. The SDK's own timeout and
// the local wait both yield nil, nil.
func (c *Client) AcceptNextSession(ctx context.Context, entity types.EntityRef, wait time.Duration) (broker.SessionReceiver, error) {
	actx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var (
		sr  *azservicebus.SessionReceiver
		err error
	)
	if entity.IsQueue() {
		sr, err = c.sb.AcceptNextSessionForQueue(actx, entity.Queue, nil)
	} else {
		sr, err = c.sb.AcceptNextSessionForSubscription(actx, entity.Topic, entity.Subscription, nil)
	}
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, nil
		}
		return nil, mapSessionErr(err)
	}
	return newSessionReceiver(sr), nil
}

// AcceptSession locks the named session.
func (c *Client) AcceptSession(ctx context.Context, entity types.EntityRef, sessionID string) (broker.SessionReceiver, error) {
	var (
		sr  *azservicebus.SessionReceiver
		err error
	)
	if entity.IsQueue() {
		sr, err = c.sb.AcceptSessionForQueue(ctx, entity.Queue, sessionID, nil)
	} else {
		sr, err = c.sb.AcceptSessionForSubscription(ctx, entity.Topic, entity.Subscription, sessionID, nil)
	}
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return newSessionReceiver(sr), nil
}

// NewSender opens a sender for a queue or topic.
func (c *Client) NewSender(_ context.Context, target types.EntityRef) (broker.Sender, error) {
	name := target.Queue
	if name == "" {
		name = target.Topic
	}
	if name == "" {
		return nil, fmt.Errorf("%w: send target needs a queue or a topic", types.ErrInvalidEntity)
	}
	s, err := c.sb.NewSender(name, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sender{link: s}, nil
}

// Close closes the namespace connection and every link opened on it.
func (c *Client) Close(ctx context.Context) error {
	if err := c.sb.Close(ctx); err != nil {
		c.log.Warn("closing service bus client", "err", err)
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
