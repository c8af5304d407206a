package localbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/types"
)

// sender delivers batches to a queue, or to every subscription of a topic.
type sender struct {
	bus     *Bus
	name    string
	targets []*entity
	closed  bool
}

// batch is a size-bounded list of outgoing messages.
type batch struct {
	max  int
	size int
	msgs []*types.OutgoingMessage
}

var (
	_ broker.Sender = (*sender)(nil)
	_ broker.Batch  = (*batch)(nil)
)

func (s *sender) NewBatch(context.Context) (broker.Batch, error) {
	if s.closed {
		return nil, broker.ErrClosed
	}
	return &batch{max: s.bus.opts.MaxMessageBytes}, nil
}

// TryAdd reports false when msg would take the batch past its size limit. A
// message that does not fit an empty batch never will.
func (b *batch) TryAdd(msg *types.OutgoingMessage) (bool, error) {
	if msg == nil {
		return false, errors.New("localbus: nil message")
	}
	n := msg.Size()
	if b.size+n > b.max {
		return false, nil
	}
	b.size += n
	b.msgs = append(b.msgs, msg)
	return true, nil
}

func (b *batch) Len() int { return len(b.msgs) }

// SendBatch enqueues every message of the batch on every target, all or
// nothing: a batch that breaks a target's session rule is rejected whole.
func (s *sender) SendBatch(_ context.Context, bb broker.Batch) error {
	b, ok := bb.(*batch)
	if !ok {
		return fmt.Errorf("localbus: foreign batch type %T", bb)
	}
	if s.closed {
		return broker.ErrClosed
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return broker.ErrClosed
	}

	for _, e := range s.targets {
		if !e.cfg.RequiresSession {
			continue
		}
		for _, m := range b.msgs {
			if m.SessionID == "" {
				return fmt.Errorf("localbus: %s requires a session id on every message", e.path)
			}
		}
	}

	now := time.Now()
	for _, m := range b.msgs {
		for _, e := range s.targets {
			if err := s.bus.enqueue(e, m, now); err != nil {
				return fmt.Errorf("localbus: send to %s: %w", e.path, err)
			}
		}
	}
	return nil
}

func (s *sender) Close(context.Context) error {
	s.closed = true
	return nil
}
