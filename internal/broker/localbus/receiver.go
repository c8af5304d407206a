package localbus

import (
	"context"
	"fmt"
	"time"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/types"
)

// receiver is a broker.Receiver on one entity. A non-nil session scopes it to
// a locked session; see sessionReceiver.
type receiver struct {
	bus     *Bus
	e       *entity
	mode    types.ReceiveMode
	id      string
	session *string

	cursor int64 // next sequence number to peek from
	closed bool
}

var (
	_ broker.Receiver        = (*receiver)(nil)
	_ broker.SessionReceiver = (*sessionReceiver)(nil)
)

// check validates that r may act on its entity right now. Caller holds mu.
func (r *receiver) check(now time.Time) error {
	switch {
	case r.closed || r.bus.closed:
		return broker.ErrClosed
	case r.session == nil && r.e.cfg.RequiresSession:
		return fmt.Errorf("%w: %s", broker.ErrRequiresSession, r.e.path)
	case r.session != nil:
		sl, ok := r.e.sessions[*r.session]
		if !ok || sl.owner != r.id || !now.Before(sl.until) {
			return fmt.Errorf("%w: %s: session %q", broker.ErrSessionLockLost, r.e.path, *r.session)
		}
	}
	return nil
}

// lockUntil is the lock expiry for a message delivered now. Caller holds mu.
func (r *receiver) lockUntil(now time.Time) time.Time {
	if r.session != nil {
		return r.e.sessions[*r.session].until
	}
	return now.Add(r.e.cfg.LockDuration)
}

func (r *receiver) scope() string {
	if r.session != nil {
		return *r.session
	}
	return ""
}

// Receive waits up to wait for ready messages and locks up to max of them.
func (r *receiver) Receive(ctx context.Context, max int, wait time.Duration) ([]*types.ReceivedMessage, error) {
	if max <= 0 {
		max = 1
	}
	if r.mode == types.ModePeek {
		return nil, fmt.Errorf("localbus: %s: receiver was opened for peek", r.e.path)
	}

	var (
		out    []*types.ReceivedMessage
		opErr  error
		bus, e = r.bus, r.e
	)
	err := bus.waitFor(ctx, e, wait, func(now time.Time) bool {
		if opErr = r.check(now); opErr != nil {
			return true
		}
		recs := e.popReady(r.scope(), max)
		for i, rec := range recs {
			if opErr = bus.lock(e, rec, r.lockUntil(now)); opErr != nil {
				for _, rest := range recs[i:] {
					e.pushReady(rest)
				}
				return true
			}
			out = append(out, rec.toReceived(false))
		}
		return len(out) > 0
	})
	if opErr != nil {
		return out, opErr
	}
	return out, err
}

// Peek returns up to max messages after the receiver's cursor without
// locking them.
func (r *receiver) Peek(_ context.Context, max int) ([]*types.ReceivedMessage, error) {
	if max <= 0 {
		max = 1
	}
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if err := r.check(time.Now()); err != nil {
		return nil, err
	}

	recs := r.e.peekFrom(r.session, r.cursor, max)
	out := make([]*types.ReceivedMessage, len(recs))
	for i, rec := range recs {
		out[i] = rec.toReceived(true)
	}
	if n := len(recs); n > 0 {
		r.cursor = recs[n-1].Seq + 1
	}
	return out, nil
}

// settle resolves msg to its locked record and applies fn under mu.
func (r *receiver) settle(msg *types.ReceivedMessage, fn func(*record) error) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()

	now := time.Now()
	if err := r.check(now); err != nil {
		return err
	}
	seq, ok := r.e.locks[msg.LockToken]
	rec := r.e.records[seq]
	if !ok || rec == nil || rec.Seq != msg.SequenceNumber {
		return fmt.Errorf("%w: %s: message %d", broker.ErrMessageLockLost, r.e.path, msg.SequenceNumber)
	}
	if !now.Before(rec.LockedUntil) {
		return fmt.Errorf("%w: %s: message %d: lock expired", broker.ErrMessageLockLost, r.e.path, msg.SequenceNumber)
	}
	if r.session != nil && rec.SessionID != *r.session {
		return fmt.Errorf("%w: %s: message %d belongs to session %q", broker.ErrMessageLockLost, r.e.path, rec.Seq, rec.SessionID)
	}
	return fn(rec)
}

func (r *receiver) Complete(_ context.Context, msg *types.ReceivedMessage) error {
	return r.settle(msg, func(rec *record) error { return r.bus.complete(r.e, rec) })
}

func (r *receiver) Abandon(_ context.Context, msg *types.ReceivedMessage) error {
	return r.settle(msg, func(rec *record) error { return r.bus.release(r.e, rec) })
}

func (r *receiver) Defer(_ context.Context, msg *types.ReceivedMessage) error {
	return r.settle(msg, func(rec *record) error { return r.bus.deferMessage(r.e, rec) })
}

func (r *receiver) DeadLetter(_ context.Context, msg *types.ReceivedMessage, opts broker.DeadLetterOptions) error {
	return r.settle(msg, func(rec *record) error {
		return r.bus.deadLetter(r.e, rec, opts.Reason, opts.Description)
	})
}

// ReceiveDeferred locks the deferred messages with the given sequence
// numbers. Unknown, non-deferred and out-of-session numbers are skipped.
func (r *receiver) ReceiveDeferred(_ context.Context, seqs []int64) ([]*types.ReceivedMessage, error) {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()

	now := time.Now()
	if err := r.check(now); err != nil {
		return nil, err
	}

	var out []*types.ReceivedMessage
	for _, seq := range seqs {
		rec, ok := r.e.records[seq]
		if !ok || rec.Status != statusDeferred {
			continue
		}
		if r.session != nil && rec.SessionID != *r.session {
			continue
		}
		if err := r.bus.lock(r.e, rec, r.lockUntil(now)); err != nil {
			return out, err
		}
		out = append(out, rec.toReceived(false))
	}
	return out, nil
}

// Close releases the receiver and, for a session receiver, the session.
// Messages it still holds stay locked until their locks expire.
func (r *receiver) Close(context.Context) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.session != nil {
		r.bus.releaseSession(r.e, *r.session, r.id)
	}
	return nil
}

// ─── sessionReceiver ─────────────────────────────────────────────────────────

// sessionReceiver owns the lock on one session. Any holder of the session
// may settle messages locked in it, whichever receiver fetched them.
type sessionReceiver struct {
	receiver
}

func (s *sessionReceiver) SessionID() string { return *s.session }

func (s *sessionReceiver) LockedUntil() time.Time {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sl, ok := s.e.sessions[*s.session]; ok && sl.owner == s.id {
		return sl.until
	}
	return time.Time{}
}

func (s *sessionReceiver) RenewSessionLock(context.Context) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	now := time.Now()
	if err := s.check(now); err != nil {
		return err
	}
	until := now.Add(s.e.cfg.LockDuration)
	s.e.sessions[*s.session].until = until
	for _, rec := range s.e.lockedIn(*s.session) {
		rec.LockedUntil = until
	}
	return nil
}

func (s *sessionReceiver) SessionState(context.Context) ([]byte, error) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if err := s.check(time.Now()); err != nil {
		return nil, err
	}
	blob := s.e.states[*s.session]
	if blob == nil {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (s *sessionReceiver) SetSessionState(_ context.Context, state []byte) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if err := s.check(time.Now()); err != nil {
		return err
	}
	if err := s.bus.store.putState(s.e.path, *s.session, state); err != nil {
		return err
	}
	if len(state) == 0 {
		delete(s.e.states, *s.session)
		return nil
	}
	s.e.states[*s.session] = append([]byte(nil), state...)
	return nil
}
