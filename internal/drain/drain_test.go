package drain_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/broker/localbus"
	"github.com/eosfor/pubs/internal/drain"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/plan"
	"github.com/eosfor/pubs/internal/types"
)

var (
	plainQ = types.QueueRef("plain")
	sessQ  = types.QueueRef("sess")
)

// noProbe hides the Prober capability, so session entities are only
// discovered on the first fetch.
type noProbe struct{ broker.Client }

func openBus(t *testing.T) *localbus.Bus {
	t.Helper()
	b, err := localbus.Open(localbus.Options{Entities: []localbus.EntityConfig{
		{Queue: "plain"},
		{Queue: "sess", RequiresSession: true},
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func engine(c broker.Client) (*drain.Engine, *metrics.Registry) {
	reg := &metrics.Registry{}
	return &drain.Engine{
		Client:  c,
		Metrics: reg,
		Options: drain.Options{
			DefaultWindow: 100 * time.Millisecond,
			IdleDelay:     10 * time.Millisecond,
			MaxIdleDelay:  20 * time.Millisecond,
		},
	}, reg
}

func send(t *testing.T, c broker.Client, q types.EntityRef, msgs ...*types.OutgoingMessage) {
	t.Helper()
	ctx := context.Background()
	s, err := c.NewSender(ctx, q)
	require.NoError(t, err)
	defer s.Close(ctx)
	b, err := s.NewBatch(ctx)
	require.NoError(t, err)
	for _, m := range msgs {
		ok, err := b.TryAdd(m)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.SendBatch(ctx, b))
}

func numbered(session string, n int) []*types.OutgoingMessage {
	out := make([]*types.OutgoingMessage, n)
	for i := range out {
		out[i] = &types.OutgoingMessage{SessionID: session, Body: []byte(fmt.Sprintf("%s%d", session, i+1))}
	}
	return out
}

// collector is an Emit that records what it sees.
type collector struct {
	msgs []*types.ReceivedMessage
}

func (c *collector) emit(m *types.ReceivedMessage) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *collector) bodies() []string {
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.BodyString()
	}
	return out
}

func (c *collector) sortedBodies() []string {
	out := c.bodies()
	sort.Strings(out)
	return out
}

func counts(t *testing.T, b *localbus.Bus, ref types.EntityRef) (ready, locked, deferred int) {
	t.Helper()
	ready, locked, deferred, err := b.Counts(ref)
	require.NoError(t, err)
	return ready, locked, deferred
}

// ─── Bounds ──────────────────────────────────────────────────────────────────

func TestDrain_CountBoundStopsAfterCrossingBatch(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 25)...)
	e, reg := engine(bus)

	var c collector
	res, err := e.Drain(context.Background(), plainQ, drain.Request{
		Settle:    types.SettleComplete,
		BatchSize: 10,
		Plan:      plan.WithCount(15),
	}, c.emit)
	require.NoError(t, err)

	// The second batch crosses 15 and is drained in full; no third fetch.
	assert.Equal(t, 20, res.Emitted)
	assert.Equal(t, 20, res.Settled)
	assert.Len(t, c.msgs, 20)
	assert.Equal(t, int64(20), reg.Emitted.Value(plainQ.String()))

	ready, locked, _ := counts(t, bus, plainQ)
	assert.Equal(t, 5, ready)
	assert.Zero(t, locked)
}

func TestDrain_PreservesDeliveryOrder(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 7)...)
	e, _ := engine(bus)

	var c collector
	_, err := e.Drain(context.Background(), plainQ, drain.Request{Settle: types.SettleComplete, BatchSize: 3}, c.emit)
	require.NoError(t, err)

	want := []string{"1", "2", "3", "4", "5", "6", "7"}
	if diff := cmp.Diff(want, c.bodies()); diff != "" {
		t.Fatalf("bodies mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_PeekIsIdempotent(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 5)...)
	e, _ := engine(bus)

	var first, second collector
	_, err := e.Drain(context.Background(), plainQ, drain.Request{Mode: types.ModePeek, BatchSize: 2}, first.emit)
	require.NoError(t, err)
	_, err = e.Drain(context.Background(), plainQ, drain.Request{Mode: types.ModePeek, BatchSize: 2}, second.emit)
	require.NoError(t, err)

	assert.Len(t, first.msgs, 5)
	if diff := cmp.Diff(first.bodies(), second.bodies()); diff != "" {
		t.Fatalf("second peek differs (-first +second):\n%s", diff)
	}
	ready, locked, _ := counts(t, bus, plainQ)
	assert.Equal(t, 5, ready)
	assert.Zero(t, locked)
}

func TestDrain_DeadlineIdlesUntilMessageArrives(t *testing.T) {
	bus := openBus(t)
	e, _ := engine(bus)

	sent := make(chan error, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		s, err := bus.NewSender(context.Background(), plainQ)
		if err != nil {
			sent <- err
			return
		}
		b, _ := s.NewBatch(context.Background())
		_, _ = b.TryAdd(&types.OutgoingMessage{Body: []byte("late")})
		sent <- s.SendBatch(context.Background(), b)
	}()

	var c collector
	res, err := e.Drain(context.Background(), plainQ, drain.Request{
		Settle: types.SettleComplete,
		Plan:   plan.New(ptr(1), ptr(2*time.Second)),
	}, c.emit)
	require.NoError(t, err)
	require.NoError(t, <-sent)
	assert.Equal(t, 1, res.Emitted)
	assert.Equal(t, []string{"late"}, c.bodies())
}

func TestDrain_DeadlineReachedOnEmptyEntity(t *testing.T) {
	bus := openBus(t)
	e, _ := engine(bus)

	start := time.Now()
	res, err := e.Drain(context.Background(), plainQ, drain.Request{Plan: plan.WithDeadline(200 * time.Millisecond)},
		func(*types.ReceivedMessage) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, res.Emitted)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestDrain_FollowNeedsCancellableContext(t *testing.T) {
	e, _ := engine(openBus(t))

	_, err := e.Drain(context.Background(), plainQ, drain.Request{Follow: true},
		func(*types.ReceivedMessage) error { return nil })
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeInvalidArgument), "got %v", err)
}

func TestDrain_FollowStopsOnCancel(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 2)...)
	e, _ := engine(bus)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := e.Drain(ctx, plainQ, drain.Request{Settle: types.SettleComplete, Follow: true},
		func(*types.ReceivedMessage) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, res.Emitted, "messages emitted before cancellation stay emitted")
	assert.Equal(t, 2, res.Settled)
}

// ─── Failures ────────────────────────────────────────────────────────────────

func TestDrain_EmitErrorStops(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 3)...)
	e, _ := engine(bus)

	boom := errors.New("boom")
	n := 0
	res, err := e.Drain(context.Background(), plainQ, drain.Request{Settle: types.SettleComplete},
		func(*types.ReceivedMessage) error {
			if n++; n == 2 {
				return boom
			}
			return nil
		})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, res.Emitted)
}

func TestDrain_UnknownEntity(t *testing.T) {
	bus := openBus(t)
	e, reg := engine(bus)

	_, err := e.Drain(context.Background(), types.QueueRef("nope"), drain.Request{},
		func(*types.ReceivedMessage) error { return nil })
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeEntityNotFound), "got %v", err)
	assert.Equal(t, int64(1), reg.Faults.Value(string(failure.CodeEntityNotFound)))
}

func TestDrain_InvalidEntity(t *testing.T) {
	e, _ := engine(openBus(t))
	_, err := e.Drain(context.Background(), types.EntityRef{Topic: "t"}, drain.Request{},
		func(*types.ReceivedMessage) error { return nil })
	assert.True(t, failure.Is(err, failure.CodeInvalidArgument), "got %v", err)
}

func TestDrain_DeadLetterSettlement(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 2)...)
	e, reg := engine(bus)

	_, err := e.Drain(context.Background(), plainQ, drain.Request{
		Settle:     types.SettleDeadLetter,
		DeadLetter: broker.DeadLetterOptions{Reason: "Manual", Description: "moved by test"},
	}, func(*types.ReceivedMessage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(2), reg.Settled.Value(metrics.Key(plainQ.String(), "deadletter")))

	var dlq collector
	_, err = e.Drain(context.Background(), plainQ.DeadLetter(), drain.Request{Mode: types.ModePeek}, dlq.emit)
	require.NoError(t, err)
	require.Len(t, dlq.msgs, 2)
	for _, m := range dlq.msgs {
		assert.Equal(t, "Manual", m.DeadLetterReason)
		assert.Equal(t, "moved by test", m.DeadLetterErrorDescription)
	}
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func TestDrain_SessionsDrainedExactlyOnce(t *testing.T) {
	for name, wrap := range map[string]func(*localbus.Bus) broker.Client{
		"probe":    func(b *localbus.Bus) broker.Client { return b },
		"no probe": func(b *localbus.Bus) broker.Client { return noProbe{b} },
	} {
		t.Run(name, func(t *testing.T) {
			bus := openBus(t)
			var want []string
			for _, s := range []string{"A", "B", "C", "D"} {
				msgs := numbered(s, 3)
				send(t, bus, sessQ, msgs...)
				for _, m := range msgs {
					want = append(want, string(m.Body))
				}
			}
			sort.Strings(want)

			e, reg := engine(wrap(bus))
			var c collector
			res, err := e.Drain(context.Background(), sessQ, drain.Request{Settle: types.SettleComplete, BatchSize: 2}, c.emit)
			require.NoError(t, err)

			assert.Equal(t, 4, res.Sessions)
			assert.Equal(t, 12, res.Emitted)
			if diff := cmp.Diff(want, c.sortedBodies()); diff != "" {
				t.Fatalf("bodies mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, int64(4), reg.SessionsAccepted.Value(sessQ.String()))

			ready, locked, _ := counts(t, bus, sessQ)
			assert.Zero(t, ready)
			assert.Zero(t, locked)
		})
	}
}

func TestDrain_SessionOrderWithinSession(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 4)...)
	e, _ := engine(bus)

	var c collector
	_, err := e.Drain(context.Background(), sessQ, drain.Request{Settle: types.SettleComplete, BatchSize: 3}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2", "A3", "A4"}, c.bodies())
	for _, m := range c.msgs {
		assert.Equal(t, "A", m.SessionID)
	}
}

func TestDrain_PeekSessionsVisitsEachOnce(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 2)...)
	send(t, bus, sessQ, numbered("B", 1)...)
	e, _ := engine(bus)

	var c collector
	res, err := e.Drain(context.Background(), sessQ, drain.Request{Mode: types.ModePeek}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sessions)
	assert.Equal(t, []string{"A1", "A2", "B1"}, c.sortedBodies())

	ready, _, _ := counts(t, bus, sessQ)
	assert.Equal(t, 3, ready)
}

func TestDrain_AbandonEndsInDeadLetter(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 2)...)
	e, _ := engine(bus)

	// Abandoned messages come straight back until the broker gives up on
	// them; the drain then finds the session empty and stops.
	res, err := e.Drain(context.Background(), sessQ, drain.Request{Settle: types.SettleAbandon},
		func(*types.ReceivedMessage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)
	assert.Equal(t, 2*localbus.DefaultMaxDeliveryCount, res.Emitted)

	ready, _, _ := counts(t, bus, sessQ.DeadLetter())
	assert.Equal(t, 2, ready)
}

func TestDrain_SessionCountBound(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 2)...)
	send(t, bus, sessQ, numbered("B", 2)...)
	send(t, bus, sessQ, numbered("C", 2)...)
	e, _ := engine(bus)

	res, err := e.Drain(context.Background(), sessQ, drain.Request{Settle: types.SettleComplete, Plan: plan.WithCount(3)},
		func(*types.ReceivedMessage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 4, res.Emitted, "second session's batch is drained in full")
	assert.Equal(t, 2, res.Sessions, "no session is accepted once the plan is complete")
}

func TestDrainSession_LeavesSessionOpen(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 2)...)
	send(t, bus, sessQ, numbered("B", 1)...)
	e, _ := engine(bus)
	ctx := context.Background()

	sr, err := bus.AcceptSession(ctx, sessQ, "A")
	require.NoError(t, err)
	defer sr.Close(ctx)

	var c collector
	res, err := e.DrainSession(ctx, sessQ, sr, drain.Request{Settle: types.SettleComplete}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Emitted)
	assert.Equal(t, []string{"A1", "A2"}, c.bodies())

	require.NoError(t, sr.SetSessionState(ctx, []byte(`{"lastSeenOrderNum":2}`)))
	ready, _, _ := counts(t, bus, sessQ)
	assert.Equal(t, 1, ready, "other sessions are untouched")
}

// ─── Purge / deferred / settle ───────────────────────────────────────────────

func TestPurge(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 120)...)
	send(t, bus, sessQ, numbered("A", 3)...)
	send(t, bus, sessQ, numbered("B", 2)...)
	e, reg := engine(bus)
	ctx := context.Background()
	opts := drain.PurgeOptions{Wait: 100 * time.Millisecond}

	n, err := e.Purge(ctx, plainQ, opts)
	require.NoError(t, err)
	assert.Equal(t, 120, n)

	n, err = e.Purge(ctx, sessQ, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), reg.Purged.Value(sessQ.String()))

	for _, q := range []types.EntityRef{plainQ, sessQ} {
		ready, locked, deferred := counts(t, bus, q)
		assert.Zero(t, ready+locked+deferred, q.String())
	}
}

func TestReceiveDeferred(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 3)...)
	e, _ := engine(bus)
	ctx := context.Background()

	var deferred collector
	_, err := e.Drain(ctx, plainQ, drain.Request{Settle: types.SettleDefer}, deferred.emit)
	require.NoError(t, err)
	_, _, nDeferred := counts(t, bus, plainQ)
	require.Equal(t, 3, nDeferred)

	seqs := []int64{deferred.msgs[2].SequenceNumber, deferred.msgs[0].SequenceNumber, 9999}
	var c collector
	res, err := e.ReceiveDeferred(ctx, plainQ, drain.DeferredRequest{Seqs: seqs, Settle: types.SettleComplete}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Emitted)
	assert.Equal(t, 2, res.Settled)
	assert.Equal(t, []string{"3", "1"}, c.bodies(), "fetched in the order asked; unknown numbers skipped")

	_, _, nDeferred = counts(t, bus, plainQ)
	assert.Equal(t, 1, nDeferred)
}

func TestReceiveDeferred_Session(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 2)...)
	e, _ := engine(bus)
	ctx := context.Background()

	var deferred collector
	_, err := e.Drain(ctx, sessQ, drain.Request{Settle: types.SettleDefer}, deferred.emit)
	require.NoError(t, err)
	require.Len(t, deferred.msgs, 2)
	seqs := []int64{deferred.msgs[0].SequenceNumber, deferred.msgs[1].SequenceNumber}

	_, err = e.ReceiveDeferred(ctx, sessQ, drain.DeferredRequest{Seqs: seqs}, func(*types.ReceivedMessage) error { return nil })
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeInvalidArgument), "got %v", err)

	var c collector
	res, err := e.ReceiveDeferred(ctx, sessQ, drain.DeferredRequest{SessionID: "A", Seqs: seqs, Settle: types.SettleComplete}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)
	assert.Equal(t, []string{"A1", "A2"}, c.bodies())

	ready, locked, nDeferred := counts(t, bus, sessQ)
	assert.Zero(t, ready+locked+nDeferred)
}

func TestReceiveDeferred_EmptyInput(t *testing.T) {
	e, _ := engine(openBus(t))
	_, err := e.ReceiveDeferred(context.Background(), plainQ, drain.DeferredRequest{}, nil)
	assert.True(t, failure.Is(err, failure.CodeEmptyInput), "got %v", err)
}

func TestSettleGroups(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 2)...)
	send(t, bus, sessQ, numbered("A", 2)...)
	send(t, bus, sessQ, numbered("B", 1)...)
	e, reg := engine(bus)
	ctx := context.Background()

	// Receive without settling: messages stay locked after the drain.
	var c collector
	for _, q := range []types.EntityRef{plainQ, sessQ} {
		_, err := e.Drain(ctx, q, drain.Request{Settle: types.SettleNone}, c.emit)
		require.NoError(t, err)
	}
	require.Len(t, c.msgs, 5)

	var plain, sess []*types.ReceivedMessage
	for _, m := range c.msgs {
		if m.SessionID == "" {
			plain = append(plain, m)
		} else {
			sess = append(sess, m)
		}
	}

	n, err := e.SettleGroups(ctx, plainQ, plain, types.SettleComplete, broker.DeadLetterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.SettleGroups(ctx, sessQ, sess, types.SettleDeadLetter, broker.DeadLetterOptions{Reason: "Replay"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), reg.Settled.Value(metrics.Key(sessQ.String(), "deadletter")))

	for _, q := range []types.EntityRef{plainQ, sessQ} {
		ready, locked, _ := counts(t, bus, q)
		assert.Zero(t, ready+locked, q.String())
	}
	ready, _, _ := counts(t, bus, sessQ.DeadLetter())
	assert.Equal(t, 3, ready)
}

func TestSettleGroups_Validation(t *testing.T) {
	e, _ := engine(openBus(t))
	ctx := context.Background()

	_, err := e.SettleGroups(ctx, plainQ, nil, types.SettleComplete, broker.DeadLetterOptions{})
	assert.True(t, failure.Is(err, failure.CodeEmptyInput), "got %v", err)

	_, err = e.SettleGroups(ctx, plainQ, []*types.ReceivedMessage{{}}, types.SettleNone, broker.DeadLetterOptions{})
	assert.True(t, failure.Is(err, failure.CodeInvalidArgument), "got %v", err)
}

func TestSettleGroups_LockLost(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 1)...)
	e, _ := engine(bus)
	ctx := context.Background()

	var c collector
	_, err := e.Drain(ctx, plainQ, drain.Request{Settle: types.SettleComplete}, c.emit)
	require.NoError(t, err)

	// Already completed: its lock token is gone.
	_, err = e.SettleGroups(ctx, plainQ, c.msgs, types.SettleComplete, broker.DeadLetterOptions{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeSettleFailed), "got %v", err)
	assert.ErrorIs(t, err, broker.ErrMessageLockLost)
}

// ─── Wrapped broker ──────────────────────────────────────────────────────────

// wrapped is a localbus client whose receivers can be decorated per test.
type wrapped struct {
	*localbus.Bus
	receiver func(broker.Receiver) broker.Receiver
	session  func(broker.SessionReceiver) broker.SessionReceiver
}

func (w wrapped) NewReceiver(ctx context.Context, ref types.EntityRef, opts broker.ReceiverOptions) (broker.Receiver, error) {
	r, err := w.Bus.NewReceiver(ctx, ref, opts)
	if err != nil || w.receiver == nil {
		return r, err
	}
	return w.receiver(r), nil
}

func (w wrapped) AcceptNextSession(ctx context.Context, ref types.EntityRef, wait time.Duration) (broker.SessionReceiver, error) {
	sr, err := w.Bus.AcceptNextSession(ctx, ref, wait)
	if err != nil || sr == nil || w.session == nil {
		return sr, err
	}
	return w.session(sr), nil
}

// slowComplete delays every completion, honouring only its own context.
type slowComplete struct {
	broker.Receiver
	delay   time.Duration
	ctxErrs []error
}

func (s *slowComplete) Complete(ctx context.Context, m *types.ReceivedMessage) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Receiver.Complete(ctx, m)
}

// lostLock fails every renewal.
type lostLock struct{ broker.SessionReceiver }

func (lostLock) RenewSessionLock(context.Context) error {
	return fmt.Errorf("renew: %w", broker.ErrSessionLockLost)
}

// failingClose reports an error when closed.
type failingClose struct {
	broker.Receiver
	err error
}

func (f failingClose) Close(ctx context.Context) error {
	_ = f.Receiver.Close(ctx)
	return f.err
}

func TestDrain_CountBoundIdlesUntilMessagesArrive(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 2)...)
	e, _ := engine(bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sent := make(chan error, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		s, err := bus.NewSender(ctx, plainQ)
		if err != nil {
			sent <- err
			return
		}
		b, _ := s.NewBatch(ctx)
		for _, m := range []string{"3", "4", "5"} {
			_, _ = b.TryAdd(&types.OutgoingMessage{Body: []byte(m)})
		}
		sent <- s.SendBatch(ctx, b)
	}()

	var c collector
	res, err := e.Drain(ctx, plainQ, drain.Request{
		Settle:    types.SettleComplete,
		BatchSize: 1,
		Plan:      plan.WithCount(5),
	}, c.emit)
	require.NoError(t, err)
	require.NoError(t, <-sent)
	assert.Equal(t, 5, res.Emitted)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, c.bodies())
}

func TestDrain_CancelDuringSettlementFinishesIt(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 3)...)

	var slow *slowComplete
	e, _ := engine(wrapped{Bus: bus, receiver: func(r broker.Receiver) broker.Receiver {
		slow = &slowComplete{Receiver: r, delay: 50 * time.Millisecond}
		return slow
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.Drain(ctx, plainQ, drain.Request{Settle: types.SettleComplete, BatchSize: 1},
		func(*types.ReceivedMessage) error {
			cancel()
			return nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Emitted)
	assert.Equal(t, 1, res.Settled)
	require.NotNil(t, slow)
	assert.Equal(t, []error{nil}, slow.ctxErrs, "the settlement ran to completion")

	ready, locked, _ := counts(t, bus, plainQ)
	assert.Equal(t, 2, ready)
	assert.Zero(t, locked)
}

func TestDrain_SessionLockLost(t *testing.T) {
	bus := openBus(t)
	send(t, bus, sessQ, numbered("A", 2)...)

	e, reg := engine(wrapped{Bus: bus, session: func(sr broker.SessionReceiver) broker.SessionReceiver {
		return lostLock{sr}
	}})
	e.Options.RenewAhead = time.Hour
	e.Options.RenewMinDelay = 10 * time.Millisecond

	res, err := e.Drain(context.Background(), sessQ, drain.Request{Settle: types.SettleComplete, BatchSize: 1},
		func(*types.ReceivedMessage) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	require.Error(t, err)
	assert.Equal(t, failure.CodeSessionLockLost, failure.CodeOf(err), "got %v", err)
	assert.ErrorIs(t, err, broker.ErrSessionLockLost)
	assert.Equal(t, 1, res.Emitted)

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "sess/A", fe.Target)
	assert.Equal(t, int64(1), reg.Faults.Value(string(failure.CodeSessionLockLost)))
}

func TestReceiveDeferred_CloseError(t *testing.T) {
	bus := openBus(t)
	send(t, bus, plainQ, numbered("", 1)...)
	ctx := context.Background()

	plainEngine, _ := engine(bus)
	var deferred collector
	_, err := plainEngine.Drain(ctx, plainQ, drain.Request{Settle: types.SettleDefer}, deferred.emit)
	require.NoError(t, err)
	require.Len(t, deferred.msgs, 1)

	closeErr := errors.New("link detached")
	e, _ := engine(wrapped{Bus: bus, receiver: func(r broker.Receiver) broker.Receiver {
		return failingClose{Receiver: r, err: closeErr}
	}})

	res, err := e.ReceiveDeferred(ctx, plainQ, drain.DeferredRequest{
		Seqs:   []int64{deferred.msgs[0].SequenceNumber},
		Settle: types.SettleComplete,
	}, func(*types.ReceivedMessage) error { return nil })
	assert.ErrorIs(t, err, closeErr)
	assert.True(t, failure.Is(err, failure.CodeReceiveFailed), "got %v", err)
	assert.Equal(t, 1, res.Settled)
}

func ptr[T any](v T) *T { return &v }
