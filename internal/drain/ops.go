package drain

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/plan"
	"github.com/eosfor/pubs/internal/renew"
	"github.com/eosfor/pubs/internal/resolver"
	"github.com/eosfor/pubs/internal/types"
)

// DrainSession drains a session the caller already holds. The session lock is
// renewed for the duration of the call; sr is left open.
func (e *Engine) DrainSession(ctx context.Context, entity types.EntityRef, sr broker.SessionReceiver, req Request, emit Emit) (Result, error) {
	r := e.newRun(entity, req, emit)
	r.res.Sessions = 1
	err := r.finish(r.session(ctx, sr))
	return r.res, err
}

// ─── Purge ───────────────────────────────────────────────────────────────────

// Purge defaults.
const (
	DefaultPurgeBatchSize = 50
	DefaultPurgeWait      = time.Second
)

// PurgeOptions configures Purge.
type PurgeOptions struct {
	BatchSize int

	// Wait is how long an empty entity, or the next session, is waited for
	// before the entity counts as empty.
	Wait time.Duration
}

// Purge receives and completes every message in entity, session by session
// when required, and returns how many were removed.
func (e *Engine) Purge(ctx context.Context, entity types.EntityRef, opts PurgeOptions) (int, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultPurgeBatchSize
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultPurgeWait
	}

	pe := *e
	pe.Options.DefaultWindow = opts.Wait
	res, err := pe.Drain(ctx, entity, Request{
		Mode:      types.ModeReceive,
		Settle:    types.SettleComplete,
		BatchSize: opts.BatchSize,
		Plan:      plan.Unbounded(),
	}, func(*types.ReceivedMessage) error { return nil })

	if e.Metrics != nil {
		e.Metrics.Purged.Add(entity.String(), int64(res.Settled))
	}
	return res.Settled, failure.Wrap(failure.CodePurgeFailed, entity.String(), err)
}

// ─── Deferred ────────────────────────────────────────────────────────────────

// DeferredRequest selects deferred messages to fetch.
type DeferredRequest struct {
	// SessionID scopes the fetch to one session. Required on session
	// entities; on other entities it is ignored.
	SessionID string

	Seqs []int64

	// Settle is applied to each fetched message. SettleNone leaves them
	// locked until the lock expires, after which they are deferred again.
	Settle     types.Settlement
	DeadLetter broker.DeadLetterOptions
}

// ReceiveDeferred fetches deferred messages by sequence number, emits them and
// settles them as requested.
func (e *Engine) ReceiveDeferred(ctx context.Context, entity types.EntityRef, req DeferredRequest, emit Emit) (_ Result, err error) {
	target := entity.String()
	if len(req.Seqs) == 0 {
		return Result{}, failure.New(failure.CodeEmptyInput, target, "no sequence numbers given")
	}
	r := e.newRun(entity, Request{Mode: types.ModeReceive, Settle: req.Settle, DeadLetter: req.DeadLetter}, emit)

	rcv, rn, err := r.openScoped(ctx, req.SessionID)
	if err != nil {
		return Result{}, r.finish(err)
	}
	defer func() {
		if cerr := rcv.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierr.Append(err, resolver.Classify(cerr, target))
		}
	}()

	msgs, err := rcv.ReceiveDeferred(ctx, req.Seqs)
	if errors.Is(err, broker.ErrRequiresSession) {
		rn.Stop()
		return Result{}, r.finish(failure.New(failure.CodeInvalidArgument, target,
			"entity requires sessions: a session id is needed to fetch deferred messages"))
	}
	if err == nil {
		for _, m := range msgs {
			if err = r.deliver(ctx, rcv, m); err != nil {
				break
			}
		}
	}
	if lost := rn.Stop(); lost != nil {
		err = multierr.Append(err, failure.Wrap(failure.CodeSessionLockLost, r.sessionTarget(req.SessionID), lost))
	}
	return r.res, r.finish(resolver.Classify(err, target))
}

// openScoped opens a receiver on r.entity, scoped to session when one is
// named and the entity supports sessions. A session receiver comes with a
// running renewer; otherwise the renewer is a no-op.
func (r *run) openScoped(ctx context.Context, session string) (broker.Receiver, *renew.Renewer, error) {
	if session != "" {
		sr, err := r.e.Client.AcceptSession(ctx, r.entity, session)
		switch {
		case err == nil:
			r.res.Sessions++
			r.m.SessionsAccepted.Inc(r.target)
			rn := renew.Start(ctx, sr, renew.Options{
				RenewAhead: r.opts.RenewAhead,
				MinDelay:   r.opts.RenewMinDelay,
				Entity:     r.target,
				Logger:     r.base,
				Metrics:    r.m,
			})
			return sr, rn, nil
		case !errors.Is(err, broker.ErrSessionsNotSupported):
			return nil, nil, resolver.Classify(err, r.target)
		}
		r.log.Debug("entity is not session-enabled, ignoring session id", "session", session)
	}

	rcv, err := r.e.Client.NewReceiver(ctx, r.entity, broker.ReceiverOptions{Mode: types.ModeReceive})
	if errors.Is(err, broker.ErrRequiresSession) {
		return nil, nil, failure.New(failure.CodeInvalidArgument, r.target,
			"entity requires sessions: a session id is needed")
	}
	if err != nil {
		return nil, nil, resolver.Classify(err, r.target)
	}
	return rcv, renew.Noop(), nil
}

// ─── Settle ──────────────────────────────────────────────────────────────────

// SettleGroups applies one action to messages received earlier, typically
// read back from a receive run's output. Messages are grouped by session id:
// each session is accepted and settled as a unit, session-less messages go
// through a plain receiver. It returns the number of messages settled.
func (e *Engine) SettleGroups(ctx context.Context, entity types.EntityRef, msgs []*types.ReceivedMessage, action types.Settlement, dl broker.DeadLetterOptions) (int, error) {
	target := entity.String()
	switch {
	case len(msgs) == 0:
		return 0, failure.New(failure.CodeEmptyInput, target, "no messages to settle")
	case action == types.SettleNone:
		return 0, failure.New(failure.CodeInvalidArgument, target, "a settlement action is required")
	}

	r := e.newRun(entity, Request{Mode: types.ModeReceive, Settle: action, DeadLetter: dl}, nil)

	var (
		order  []string
		groups = make(map[string][]*types.ReceivedMessage)
	)
	for _, m := range msgs {
		if _, ok := groups[m.SessionID]; !ok {
			order = append(order, m.SessionID)
		}
		groups[m.SessionID] = append(groups[m.SessionID], m)
	}

	for _, sid := range order {
		if err := r.settleGroup(ctx, sid, groups[sid]); err != nil {
			return r.res.Settled, r.finish(err)
		}
	}
	return r.res.Settled, nil
}

func (r *run) settleGroup(ctx context.Context, session string, msgs []*types.ReceivedMessage) (err error) {
	rcv, rn, err := r.openScoped(ctx, session)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, rn.Stop(), rcv.Close(context.WithoutCancel(ctx)))
	}()

	for _, m := range msgs {
		if err := r.settle(ctx, rcv, m); err != nil {
			return err
		}
	}
	return nil
}
