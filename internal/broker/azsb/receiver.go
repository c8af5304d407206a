package azsb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/types"
)

// link is the part of *azservicebus.Receiver and *azservicebus.SessionReceiver
// the adapter drives.
type link interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	ReceiveDeferredMessages(ctx context.Context, sequenceNumbers []int64, options *azservicebus.ReceiveDeferredMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeferMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeferMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// receiver adapts a plain or session link to broker.Receiver.
type receiver struct {
	link    link
	session bool
}

var _ broker.Receiver = (*receiver)(nil)

// Receive waits for the first message until wait elapses. Running out of time
// is an empty result, not an error.
func (r *receiver) Receive(ctx context.Context, max int, wait time.Duration) ([]*types.ReceivedMessage, error) {
	rctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := r.link.ReceiveMessages(rctx, max, nil)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, r.mapErr(err)
	}
	return convertAll(msgs), nil
}

// Peek continues from the last peeked sequence number; the SDK tracks it.
func (r *receiver) Peek(ctx context.Context, max int) ([]*types.ReceivedMessage, error) {
	msgs, err := r.link.PeekMessages(ctx, max, nil)
	if err != nil {
		return nil, r.mapErr(err)
	}
	out := convertAll(msgs)
	for _, m := range out {
		m.Handle = nil
	}
	return out, nil
}

func (r *receiver) ReceiveDeferred(ctx context.Context, seqs []int64) ([]*types.ReceivedMessage, error) {
	msgs, err := r.link.ReceiveDeferredMessages(ctx, seqs, nil)
	if err != nil {
		return nil, r.mapErr(err)
	}
	return convertAll(msgs), nil
}

func (r *receiver) Complete(ctx context.Context, msg *types.ReceivedMessage) error {
	h, err := handle(msg)
	if err != nil {
		return err
	}
	return r.mapErr(r.link.CompleteMessage(ctx, h, nil))
}

func (r *receiver) Abandon(ctx context.Context, msg *types.ReceivedMessage) error {
	h, err := handle(msg)
	if err != nil {
		return err
	}
	return r.mapErr(r.link.AbandonMessage(ctx, h, nil))
}

func (r *receiver) Defer(ctx context.Context, msg *types.ReceivedMessage) error {
	h, err := handle(msg)
	if err != nil {
		return err
	}
	return r.mapErr(r.link.DeferMessage(ctx, h, nil))
}

func (r *receiver) DeadLetter(ctx context.Context, msg *types.ReceivedMessage, opts broker.DeadLetterOptions) error {
	h, err := handle(msg)
	if err != nil {
		return err
	}
	return r.mapErr(r.link.DeadLetterMessage(ctx, h, deadLetterOptions(opts)))
}

func (r *receiver) Close(ctx context.Context) error {
	return r.mapErr(r.link.Close(ctx))
}

func (r *receiver) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if r.session {
		return mapSessionErr(err)
	}
	return mapErr(err)
}

// ─── Session receiver ─────────────────────────────────────────────────────────

type sessionReceiver struct {
	receiver
	sr *azservicebus.SessionReceiver
}

var _ broker.SessionReceiver = (*sessionReceiver)(nil)

func newSessionReceiver(sr *azservicebus.SessionReceiver) *sessionReceiver {
	return &sessionReceiver{
		receiver: receiver{link: sr, session: true},
		sr:       sr,
	}
}

func (s *sessionReceiver) SessionID() string      { return s.sr.SessionID() }
func (s *sessionReceiver) LockedUntil() time.Time { return s.sr.LockedUntil() }

func (s *sessionReceiver) RenewSessionLock(ctx context.Context) error {
	return mapSessionErr(s.sr.RenewSessionLock(ctx, nil))
}

func (s *sessionReceiver) SessionState(ctx context.Context) ([]byte, error) {
	state, err := s.sr.GetSessionState(ctx, nil)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if len(state) == 0 {
		return nil, nil
	}
	return state, nil
}

func (s *sessionReceiver) SetSessionState(ctx context.Context, state []byte) error {
	return mapSessionErr(s.sr.SetSessionState(ctx, state, nil))
}

// ─── Conversion ───────────────────────────────────────────────────────────────

func convertAll(msgs []*azservicebus.ReceivedMessage) []*types.ReceivedMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*types.ReceivedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, convert(m))
	}
	return out
}

// convert maps an SDK message onto the broker-neutral shape, keeping the SDK
// value as the settlement handle.
func convert(m *azservicebus.ReceivedMessage) *types.ReceivedMessage {
	out := &types.ReceivedMessage{
		MessageID:                  m.MessageID,
		SessionID:                  deref(m.SessionID),
		Body:                       m.Body,
		ApplicationProperties:      m.ApplicationProperties,
		DeliveryCount:              m.DeliveryCount,
		State:                      convertState(m.State),
		DeadLetterReason:           deref(m.DeadLetterReason),
		DeadLetterErrorDescription: deref(m.DeadLetterErrorDescription),
		Handle:                     m,
	}
	if m.SequenceNumber != nil {
		out.SequenceNumber = *m.SequenceNumber
	}
	if m.EnqueuedTime != nil {
		out.EnqueuedAt = *m.EnqueuedTime
	}
	if m.LockedUntil != nil {
		out.LockedUntil = *m.LockedUntil
	}
	if m.LockToken != ([16]byte{}) {
		out.LockToken = uuid.UUID(m.LockToken).String()
	}
	return out
}

func convertState(s azservicebus.MessageState) types.MessageState {
	switch s {
	case azservicebus.MessageStateDeferred:
		return types.StateDeferred
	case azservicebus.MessageStateScheduled:
		return types.StateScheduled
	}
	return types.StateActive
}

// handle recovers the SDK message a settlement needs. Service Bus has no
// settle-by-lock-token call, so only messages received in this process qualify.
func handle(msg *types.ReceivedMessage) (*azservicebus.ReceivedMessage, error) {
	if h, ok := msg.Handle.(*azservicebus.ReceivedMessage); ok && h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%w: message %s was not received by this process", broker.ErrMessageLockLost, msg.MessageID)
}

func deadLetterOptions(o broker.DeadLetterOptions) *azservicebus.DeadLetterOptions {
	if o.Reason == "" && o.Description == "" {
		return nil
	}
	out := &azservicebus.DeadLetterOptions{}
	if o.Reason != "" {
		out.Reason = &o.Reason
	}
	if o.Description != "" {
		out.ErrorDescription = &o.Description
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
