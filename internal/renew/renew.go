// Package renew keeps a session lock alive while its owner works through the
// session.
//
// A Renewer sleeps until RenewAhead before the current LockedUntil, renews,
// and repeats. The first renewal failure ends the task; it is published once
// on Faulted and re-raised by Stop. Cancellation is the normal way to end and
// is never reported as a failure.
package renew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/metrics"
)

// Defaults.
const (
	DefaultRenewAhead = 10 * time.Second
	DefaultMinDelay   = time.Second
)

// Options configures a Renewer.
type Options struct {
	RenewAhead time.Duration
	MinDelay   time.Duration

	// Entity labels log lines and metrics.
	Entity  string
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Now is used for delay computation. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RenewAhead <= 0 {
		o.RenewAhead = DefaultRenewAhead
	}
	if o.MinDelay <= 0 {
		o.MinDelay = DefaultMinDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = &metrics.Registry{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Renewer is a handle on a background renewal task. A Renewer returned for a
// non-session receiver does nothing; all of its methods are still safe.
type Renewer struct {
	cancel context.CancelFunc
	done   chan struct{}
	fault  chan error    // single slot; written at most once
	fired  chan struct{} // closed together with the fault write

	once sync.Once
	err  error
}

// Start begins renewing the session lock held by r. Any receiver that is not
// a broker.SessionReceiver yields a no-op Renewer.
func Start(ctx context.Context, r broker.Receiver, opts Options) *Renewer {
	sr, ok := r.(broker.SessionReceiver)
	if !ok {
		return Noop()
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	rn := &Renewer{
		cancel: cancel,
		done:   make(chan struct{}),
		fault:  make(chan error, 1),
		fired:  make(chan struct{}),
	}
	go rn.run(ctx, sr, opts)
	return rn
}

// Noop returns a Renewer with no background task.
func Noop() *Renewer {
	done := make(chan struct{})
	close(done)
	return &Renewer{
		cancel: func() {},
		done:   done,
		fault:  make(chan error, 1),
		fired:  make(chan struct{}),
	}
}

func (rn *Renewer) run(ctx context.Context, sr broker.SessionReceiver, opts Options) {
	defer close(rn.done)

	log := opts.Logger.With("entity", opts.Entity, "session", sr.SessionID())
	for {
		d := Delay(sr.LockedUntil(), opts.Now(), opts.RenewAhead, opts.MinDelay)
		if err := linger.Sleep(ctx, d); err != nil {
			return
		}

		if err := sr.RenewSessionLock(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("session lock renewal failed", "err", err)
			rn.fault <- err
			close(rn.fired)
			return
		}

		opts.Metrics.LockRenewals.Inc(metrics.Key(opts.Entity, sr.SessionID()))
		log.Debug("session lock renewed", "locked_until", sr.LockedUntil())
	}
}

// Delay returns how long to wait before the next renewal: lockedUntil minus
// now minus renewAhead, but never less than minDelay. A zero lockedUntil
// yields minDelay.
func Delay(lockedUntil, now time.Time, renewAhead, minDelay time.Duration) time.Duration {
	if lockedUntil.IsZero() {
		return minDelay
	}
	d := lockedUntil.Sub(now) - renewAhead
	if d < minDelay {
		return minDelay
	}
	return d
}

// Faulted is closed when the renewal task has failed. Owners select on it to
// stop early.
func (rn *Renewer) Faulted() <-chan struct{} { return rn.fired }

// Stop cancels the task, waits for it to finish and returns the captured
// fault, if any, as a failure.CodeSessionLockLost error.
// Stop may be called more than once; later calls return the same result.
func (rn *Renewer) Stop() error {
	rn.once.Do(func() {
		rn.cancel()
		<-rn.done

		select {
		case err := <-rn.fault:
			rn.err = classify(err)
		default:
		}
	})
	return rn.err
}

// classify reports every renewal failure as lock loss: once a renewal fails
// the session can no longer be relied on, whatever the cause.
func classify(err error) error {
	if !errors.Is(err, broker.ErrSessionLockLost) {
		err = fmt.Errorf("%w: %w", broker.ErrSessionLockLost, err)
	}
	return &failure.Error{Code: failure.CodeSessionLockLost, Err: err}
}
