// Package resolver decides how an entity must be read: through a plain
// receiver, or session by session.
//
// The decision is made once per entity. A client that implements
// broker.Prober is asked up front; otherwise a plain receiver is opened and
// the broker's "requires session" answer, at creation or on the first fetch,
// switches the caller to the session path.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/plan"
	"github.com/eosfor/pubs/internal/types"
)

// DefaultWindow bounds a single accept-next-session wait when the plan has no
// tighter deadline.
const DefaultWindow = 30 * time.Second

// Access is the outcome of Open. Exactly one of Receiver and RequiresSession
// is set.
type Access struct {
	Receiver        broker.Receiver
	RequiresSession bool
}

// Resolver opens entities on a broker client.
type Resolver struct {
	Client  broker.Client
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Open resolves how entity must be accessed in mode.
func (r *Resolver) Open(ctx context.Context, entity types.EntityRef, mode types.ReceiveMode) (Access, error) {
	target := entity.String()

	if p, ok := r.Client.(broker.Prober); ok {
		need, err := p.RequiresSession(ctx, entity)
		if err != nil {
			return Access{}, Classify(err, target)
		}
		if need {
			r.logger().Debug("entity requires sessions", "entity", target, "how", "probe")
			return Access{RequiresSession: true}, nil
		}
	}

	rcv, err := r.Client.NewReceiver(ctx, entity, broker.ReceiverOptions{Mode: mode})
	if errors.Is(err, broker.ErrRequiresSession) {
		r.logger().Debug("entity requires sessions", "entity", target, "how", "receiver")
		return Access{RequiresSession: true}, nil
	}
	if err != nil {
		return Access{}, Classify(err, target)
	}
	return Access{Receiver: rcv}, nil
}

// Classify attaches a failure code to a broker error. Context errors pass
// through untouched: cancellation is not a failure.
func Classify(err error, target string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, broker.ErrEntityNotFound):
		return failure.Wrap(failure.CodeEntityNotFound, target, err)
	case errors.Is(err, broker.ErrSessionLockLost):
		return failure.Wrap(failure.CodeSessionLockLost, target, err)
	case errors.Is(err, broker.ErrMessageTooLarge):
		return failure.Wrap(failure.CodeMessageTooLarge, target, err)
	}
	return failure.Wrap(failure.CodeReceiveFailed, target, err)
}

// ─── Session iteration ───────────────────────────────────────────────────────

// SessionOptions configures a SessionIterator.
type SessionOptions struct {
	// DefaultWindow caps each accept wait. Defaults to DefaultWindow.
	DefaultWindow time.Duration

	// Hold keeps every released session open until Close. Use it when the
	// caller does not consume what it reads (peek, or receive without
	// settlement): otherwise the broker may hand the same session straight
	// back.
	Hold bool
}

// SessionIterator hands out the sessions of one entity, one at a time, until
// none is offered within the plan's window. Each session is handed out at
// most once: a session id offered a second time (say, after its messages
// were abandoned) ends the iteration.
type SessionIterator struct {
	client  broker.Client
	entity  types.EntityRef
	plan    *plan.Plan
	opts    SessionOptions
	log     *slog.Logger
	metrics *metrics.Registry

	seen map[string]struct{}
	held []broker.SessionReceiver
	done bool
}

// Sessions returns an iterator over the sessions of entity.
func (r *Resolver) Sessions(entity types.EntityRef, p *plan.Plan, opts SessionOptions) *SessionIterator {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = DefaultWindow
	}
	if p == nil {
		p = plan.Unbounded()
	}
	m := r.Metrics
	if m == nil {
		m = &metrics.Registry{}
	}
	return &SessionIterator{
		client:  r.Client,
		entity:  entity,
		plan:    p,
		opts:    opts,
		log:     r.logger(),
		metrics: m,
		seen:    make(map[string]struct{}),
	}
}

// Next accepts the next available session. It returns nil, nil once the
// entity is drained: the plan is complete, its window is used up, or no
// session was offered in time.
func (it *SessionIterator) Next(ctx context.Context) (broker.SessionReceiver, error) {
	if it.done || it.plan.IsComplete() {
		it.done = true
		return nil, nil
	}

	window := it.plan.ComputeWindow(it.opts.DefaultWindow)
	if window <= 0 {
		it.done = true
		return nil, nil
	}

	sr, err := it.client.AcceptNextSession(ctx, it.entity, window)
	if err != nil {
		return nil, Classify(err, it.entity.String())
	}
	if sr == nil {
		it.log.Debug("no session offered", "entity", it.entity.String(), "window", window)
		it.done = true
		return nil, nil
	}

	id := sr.SessionID()
	if _, dup := it.seen[id]; dup {
		it.log.Debug("session offered again, stopping", "entity", it.entity.String(), "session", id)
		it.done = true
		return nil, sr.Close(ctx)
	}
	it.seen[id] = struct{}{}
	it.metrics.SessionsAccepted.Inc(it.entity.String())
	it.log.Debug("session accepted", "entity", it.entity.String(), "session", id, "locked_until", sr.LockedUntil())
	return sr, nil
}

// Release hands a session back. In hold mode the session stays open until
// Close; otherwise it is closed now.
func (it *SessionIterator) Release(ctx context.Context, sr broker.SessionReceiver) error {
	if it.opts.Hold {
		it.held = append(it.held, sr)
		return nil
	}
	return sr.Close(ctx)
}

// Visited returns the number of distinct sessions handed out.
func (it *SessionIterator) Visited() int { return len(it.seen) }

// Close closes every held session.
func (it *SessionIterator) Close(ctx context.Context) error {
	var err error
	for _, sr := range it.held {
		err = multierr.Append(err, sr.Close(ctx))
	}
	it.held = nil
	it.done = true
	return err
}
