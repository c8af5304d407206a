package azsb

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/types"
)

type sender struct {
	link *azservicebus.Sender
}

var _ broker.Sender = (*sender)(nil)

func (s *sender) NewBatch(ctx context.Context) (broker.Batch, error) {
	b, err := s.link.NewMessageBatch(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return &batch{b: b}, nil
}

func (s *sender) SendBatch(ctx context.Context, b broker.Batch) error {
	mb, ok := b.(*batch)
	if !ok {
		return fmt.Errorf("azsb: batch of type %T was not created by this sender", b)
	}
	return mapErr(s.link.SendMessageBatch(ctx, mb.b, nil))
}

func (s *sender) Close(ctx context.Context) error {
	return mapErr(s.link.Close(ctx))
}

type batch struct {
	b *azservicebus.MessageBatch
}

func (b *batch) TryAdd(msg *types.OutgoingMessage) (bool, error) {
	err := b.b.AddMessage(toMessage(msg), nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, azservicebus.ErrMessageTooLarge):
		return false, nil
	}
	return false, mapErr(err)
}

func (b *batch) Len() int { return int(b.b.NumMessages()) }

func toMessage(o *types.OutgoingMessage) *azservicebus.Message {
	m := &azservicebus.Message{
		Body:                  o.Body,
		ApplicationProperties: o.ApplicationProperties,
	}
	if o.MessageID != "" {
		id := o.MessageID
		m.MessageID = &id
	}
	if o.SessionID != "" {
		sid := o.SessionID
		m.SessionID = &sid
	}
	return m
}
