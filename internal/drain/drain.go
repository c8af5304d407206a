// Package drain is the receive loop at the heart of pubs: it pulls messages
// out of a queue or subscription, hands each one to the caller and settles
// it, under a Receive Plan, transparently going session by session when the
// entity requires it.
//
// # Loop
//
// Per receiver, until the plan completes:
//
//	window = plan.ComputeWindow(DefaultWindow)      zero ⇒ stop
//	batch  = fetch up to BatchSize within window
//	empty  ⇒ session: session exhausted
//	         plain, unbounded plan without Follow: entity drained
//	         plain, otherwise: idle backoff, retry
//	each   ⇒ emit → settle → plan.OnMessageDelivered
//
// A fetched batch is always drained in full, even when the plan completes
// partway through it; completion only gates the next fetch.
package drain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/plan"
	"github.com/eosfor/pubs/internal/renew"
	"github.com/eosfor/pubs/internal/resolver"
	"github.com/eosfor/pubs/internal/types"
)

// Defaults.
const (
	DefaultBatchSize     = 10
	DefaultWindow        = resolver.DefaultWindow
	DefaultIdleDelay     = time.Second
	DefaultMaxIdleDelay  = 5 * time.Second
	DefaultSettleTimeout = 10 * time.Second
)

// Options tunes an Engine.
type Options struct {
	BatchSize     int
	DefaultWindow time.Duration

	// IdleDelay is the first backoff step after an empty fetch; the delay
	// grows exponentially (with full jitter) up to MaxIdleDelay.
	IdleDelay    time.Duration
	MaxIdleDelay time.Duration

	// SettleTimeout bounds a settlement that must finish after cancellation.
	SettleTimeout time.Duration

	RenewAhead    time.Duration
	RenewMinDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.DefaultWindow <= 0 {
		o.DefaultWindow = DefaultWindow
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = DefaultIdleDelay
	}
	if o.MaxIdleDelay < o.IdleDelay {
		o.MaxIdleDelay = max(DefaultMaxIdleDelay, o.IdleDelay)
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = DefaultSettleTimeout
	}
	return o
}

// Engine drains entities on one broker client.
type Engine struct {
	Client  broker.Client
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Options Options
}

// Emit receives each message. Returning an error stops the drain with that
// error; messages emitted before it stay emitted.
type Emit func(*types.ReceivedMessage) error

// Request describes one drain.
type Request struct {
	Mode types.ReceiveMode

	// Settle is applied to every received message. SettleNone leaves locks
	// to expire. Ignored in peek mode.
	Settle     types.Settlement
	DeadLetter broker.DeadLetterOptions

	// BatchSize overrides Options.BatchSize when positive.
	BatchSize int

	// Plan bounds the drain; nil means unbounded.
	Plan *plan.Plan

	// Follow keeps polling an empty non-session entity instead of stopping.
	// With an unbounded plan the context must be cancellable.
	Follow bool
}

// Result summarises a drain.
type Result struct {
	Emitted  int `json:"emitted"`
	Settled  int `json:"settled"`
	Sessions int `json:"sessions"`
}

// run carries the state of one drain call.
type run struct {
	e      *Engine
	opts   Options
	base   *slog.Logger
	log    *slog.Logger
	m      *metrics.Registry
	entity types.EntityRef
	target string
	req    Request
	batch  int
	emit   Emit
	res    Result

	// emitErr is the caller's own error, returned as is.
	emitErr error
}

func (e *Engine) newRun(entity types.EntityRef, req Request, emit Emit) *run {
	opts := e.Options.withDefaults()
	if req.Plan == nil {
		req.Plan = plan.Unbounded()
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = opts.BatchSize
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	m := e.Metrics
	if m == nil {
		m = &metrics.Registry{}
	}
	return &run{
		e:      e,
		opts:   opts,
		base:   log,
		log:    log.With("entity", entity.String()),
		m:      m,
		entity: entity,
		target: entity.String(),
		req:    req,
		batch:  batch,
		emit:   emit,
	}
}

func (e *Engine) resolver(m *metrics.Registry, log *slog.Logger) *resolver.Resolver {
	return &resolver.Resolver{Client: e.Client, Logger: log, Metrics: m}
}

// Drain pulls messages from entity until req.Plan completes, the entity is
// drained, ctx ends, or a failure occurs. Cancellation returns the context
// error together with the partial Result.
func (e *Engine) Drain(ctx context.Context, entity types.EntityRef, req Request, emit Emit) (Result, error) {
	if err := entity.Validate(); err != nil {
		return Result{}, failure.Wrap(failure.CodeInvalidArgument, entity.String(), err)
	}
	if req.Follow && (req.Plan == nil || req.Plan.Unbounded()) && ctx.Done() == nil {
		return Result{}, failure.New(failure.CodeInvalidArgument, entity.String(),
			"follow without a count or deadline needs a cancellable context")
	}

	r := e.newRun(entity, req, emit)
	err := r.finish(r.drain(ctx))
	return r.res, err
}

// finish maps the loop's outcome to what the caller sees.
func (r *run) finish(err error) error {
	switch {
	case r.emitErr != nil:
		return r.emitErr
	case err == nil, isContextErr(err):
		return err
	}
	r.m.Faults.Inc(string(failure.CodeOf(err)))
	r.log.Error("drain failed", "err", err, "emitted", r.res.Emitted)
	return err
}

func (r *run) drain(ctx context.Context) error {
	res := r.e.resolver(r.m, r.log)
	acc, err := res.Open(ctx, r.entity, r.req.Mode)
	if err != nil {
		return err
	}

	if !acc.RequiresSession {
		err := r.loop(ctx, acc.Receiver, nil, false)
		closeErr := acc.Receiver.Close(context.WithoutCancel(ctx))
		if !errors.Is(err, broker.ErrRequiresSession) {
			if err == nil {
				err = closeErr
			}
			return resolver.Classify(err, r.target)
		}
		// The broker only told us on the first fetch. Switch once.
		r.log.Debug("entity requires sessions, switching to session receivers")
	}

	return r.sessions(ctx, res)
}

// sessions drains session after session until the iterator runs dry.
func (r *run) sessions(ctx context.Context, res *resolver.Resolver) (err error) {
	hold := r.req.Mode == types.ModePeek || r.req.Settle == types.SettleNone
	it := res.Sessions(r.entity, r.req.Plan, resolver.SessionOptions{
		DefaultWindow: r.opts.DefaultWindow,
		Hold:          hold,
	})
	defer func() {
		if cerr := it.Close(context.WithoutCancel(ctx)); err == nil && cerr != nil {
			err = resolver.Classify(cerr, r.target)
		}
	}()

	for {
		sr, err := it.Next(ctx)
		if err != nil || sr == nil {
			return err
		}
		r.res.Sessions++

		err = r.session(ctx, sr)
		if rerr := it.Release(context.WithoutCancel(ctx), sr); err == nil && rerr != nil {
			err = resolver.Classify(rerr, r.target)
		}
		if err != nil {
			return err
		}
	}
}

// session drains one accepted session under a lock renewer.
func (r *run) session(ctx context.Context, sr broker.SessionReceiver) error {
	log := r.log.With("session", sr.SessionID())
	log.Debug("draining session")

	rn := renew.Start(ctx, sr, renew.Options{
		RenewAhead: r.opts.RenewAhead,
		MinDelay:   r.opts.RenewMinDelay,
		Entity:     r.target,
		Logger:     r.base,
		Metrics:    r.m,
	})
	loopErr := r.loop(ctx, sr, rn.Faulted(), true)
	if err := rn.Stop(); err != nil {
		log.Error("session lock lost", "err", err)
		return failure.Wrap(failure.CodeSessionLockLost, r.sessionTarget(sr.SessionID()), err)
	}
	return resolver.Classify(loopErr, r.target)
}

// loop runs the fetch/emit/settle cycle on one receiver. It returns nil when
// the receiver is exhausted or the plan completes.
func (r *run) loop(ctx context.Context, rcv broker.Receiver, faulted <-chan struct{}, session bool) error {
	p := r.req.Plan
	idle := backoff.Counter{Strategy: r.idleStrategy()}

	for {
		if p.IsComplete() {
			return nil
		}
		select {
		case <-faulted:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		window := p.ComputeWindow(r.opts.DefaultWindow)
		if window <= 0 {
			return nil
		}

		var (
			msgs []*types.ReceivedMessage
			err  error
		)
		if r.req.Mode == types.ModePeek {
			msgs, err = rcv.Peek(ctx, r.batch)
		} else {
			msgs, err = rcv.Receive(ctx, r.batch, window)
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}

		if len(msgs) == 0 {
			if session {
				return nil
			}
			if p.Unbounded() && !r.req.Follow {
				return nil
			}
			if err := r.idle(ctx, &idle); err != nil {
				return err
			}
			continue
		}
		idle.Reset()

		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.deliver(ctx, rcv, m); err != nil {
				return err
			}
		}
	}
}

// deliver emits one message, settles it, and charges it to the plan.
func (r *run) deliver(ctx context.Context, rcv broker.Receiver, m *types.ReceivedMessage) error {
	if err := r.emit(m); err != nil {
		r.emitErr = err
		return err
	}
	r.res.Emitted++
	r.m.Emitted.Inc(r.target)

	if r.req.Mode != types.ModePeek && r.req.Settle != types.SettleNone {
		if err := r.settle(ctx, rcv, m); err != nil {
			return err
		}
	}
	r.req.Plan.OnMessageDelivered()
	return nil
}

// settle applies the requested settlement. It runs on a context detached from
// ctx's cancellation, so a settlement that has started finishes, bounded by
// SettleTimeout.
func (r *run) settle(ctx context.Context, rcv broker.Receiver, m *types.ReceivedMessage) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SettleTimeout)
	defer cancel()

	if err := broker.Settle(sctx, rcv, m, r.req.Settle, r.req.DeadLetter); err != nil {
		if errors.Is(err, broker.ErrSessionLockLost) {
			return failure.Wrap(failure.CodeSessionLockLost, r.sessionTarget(m.SessionID), err)
		}
		return failure.Wrap(failure.CodeSettleFailed, m.MessageID, err)
	}
	r.res.Settled++
	r.m.Settled.Inc(metrics.Key(r.target, r.req.Settle.String()))
	return nil
}

// sessionTarget names a session of the drained entity in errors.
func (r *run) sessionTarget(session string) string {
	if session == "" {
		return r.target
	}
	return r.target + "/" + session
}

// idleStrategy is the backoff used between empty fetches.
func (r *run) idleStrategy() backoff.Strategy {
	return backoff.WithTransforms(
		backoff.Exponential(r.opts.IdleDelay),
		linger.FullJitter,
		linger.Limiter(0, r.opts.MaxIdleDelay),
	)
}

// idle sleeps one backoff step, never past the plan deadline. Only the
// caller's cancellation is an error.
func (r *run) idle(ctx context.Context, c *backoff.Counter) error {
	sctx := ctx
	if dl, ok := r.req.Plan.Deadline(); ok {
		var cancel context.CancelFunc
		sctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	_ = c.Sleep(sctx, nil)
	return ctx.Err()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
