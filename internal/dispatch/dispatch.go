// Package dispatch sends prepared messages to a queue or topic, grouped by
// session.
//
// Three strategies are available:
//
//   - sequential (the default): one shared sender, arrival order;
//   - Auto: one sender per session, strictly ordered within a session,
//     sessions in parallel;
//   - Workers N: per session, N workers with their own senders pull from a
//     shared FIFO queue. Order within a session is not preserved.
//
// Every strategy packs messages into size-bounded batches.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/message"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/types"
)

// DefaultMaxBatch caps the number of messages per batch.
const DefaultMaxBatch = 100

// Strategy selects how messages are spread over senders.
type Strategy struct {
	// Auto runs one sender per session.
	Auto bool

	// Workers runs that many senders per session over a shared queue.
	// Mutually exclusive with Auto.
	Workers int

	// MaxBatch caps messages per batch; the broker's size limit may cut a
	// batch shorter. Defaults to DefaultMaxBatch.
	MaxBatch int

	// MaxConcurrentSessions bounds how many sessions are sent in parallel.
	// Zero means no bound.
	MaxConcurrentSessions int
}

func (s Strategy) parallel() bool { return s.Auto || s.Workers > 0 }

// Report summarises a Send. It counts what reached the broker even when Send
// also returns an error.
type Report struct {
	Sent     int `json:"sent"`
	Batches  int `json:"batches"`
	Sessions int `json:"sessions"`
}

// Dispatcher sends messages through one broker client.
type Dispatcher struct {
	Client  broker.Client
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Limiter throttles sends, one token per message. Nil means no limit.
	Limiter *rate.Limiter
}

// group is the messages of one session, in submission order.
type group struct {
	session string
	msgs    []*types.OutgoingMessage
}

// send carries the state of one Send call.
type send struct {
	d       *Dispatcher
	log     *slog.Logger
	m       *metrics.Registry
	target  types.EntityRef
	name    string
	max     int
	sent    atomic.Int64
	batches atomic.Int64

	mu   sync.Mutex
	errs error
}

// Send validates msgs against st and sends them to target. Validation
// failures are reported before any message is sent. A failure in one session
// does not stop the others; all failures are combined in the returned error.
func (d *Dispatcher) Send(ctx context.Context, target types.EntityRef, msgs []*types.PreparedMessage, st Strategy) (Report, error) {
	name := target.Queue
	if name == "" {
		name = target.Topic
	}
	if err := validate(name, msgs, st); err != nil {
		return Report{}, err
	}

	s := &send{
		d:      d,
		log:    d.Logger,
		m:      d.Metrics,
		target: target,
		name:   name,
		max:    st.MaxBatch,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("target", name)
	if s.m == nil {
		s.m = &metrics.Registry{}
	}
	if s.max <= 0 {
		s.max = DefaultMaxBatch
	}

	groups := groupBySession(msgs)
	switch {
	case st.Auto:
		s.parallel(ctx, groups, st.MaxConcurrentSessions, 1)
	case st.Workers > 0:
		s.parallel(ctx, groups, st.MaxConcurrentSessions, st.Workers)
	default:
		all := make([]*types.OutgoingMessage, 0, len(msgs))
		for _, p := range msgs {
			all = append(all, message.Outgoing(p))
		}
		s.record(s.sequential(ctx, "", all))
	}

	rep := Report{
		Sent:     int(s.sent.Load()),
		Batches:  int(s.batches.Load()),
		Sessions: sessionCount(groups),
	}
	if s.errs != nil {
		for _, err := range multierr.Errors(s.errs) {
			s.m.Faults.Inc(string(failure.CodeOf(err)))
		}
		s.log.Error("send failed", "err", s.errs, "sent", rep.Sent)
	} else {
		s.log.Info("send complete", "sent", rep.Sent, "batches", rep.Batches, "sessions", rep.Sessions)
	}
	return rep, s.errs
}

func validate(target string, msgs []*types.PreparedMessage, st Strategy) error {
	switch {
	case target == "":
		return failure.New(failure.CodeInvalidArgument, "", "a queue or topic is required")
	case len(msgs) == 0:
		return failure.New(failure.CodeEmptyInput, target, "no messages to send")
	case st.Auto && st.Workers > 0:
		return failure.New(failure.CodeParallelConflict, target, "auto and a worker count are mutually exclusive")
	case st.Workers < 0 || st.MaxBatch < 0 || st.MaxConcurrentSessions < 0:
		return failure.New(failure.CodeInvalidArgument, target, "counts must not be negative")
	}
	if st.parallel() {
		for i, m := range msgs {
			if m.SessionID == "" {
				return failure.New(failure.CodeSessionMissing, target,
					fmt.Sprintf("message %d has no session id; per-session sending needs one on every message", i))
			}
		}
	}
	return nil
}

func groupBySession(msgs []*types.PreparedMessage) []*group {
	var (
		out   []*group
		index = make(map[string]*group)
	)
	for _, p := range msgs {
		g, ok := index[p.SessionID]
		if !ok {
			g = &group{session: p.SessionID}
			index[p.SessionID] = g
			out = append(out, g)
		}
		g.msgs = append(g.msgs, message.Outgoing(p))
	}
	return out
}

func sessionCount(groups []*group) int {
	n := 0
	for _, g := range groups {
		if g.session != "" {
			n++
		}
	}
	return n
}

// record adds err to the combined error.
func (s *send) record(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.errs = multierr.Append(s.errs, err)
	s.mu.Unlock()
}

// parallel sends every group concurrently, with workers senders per group.
func (s *send) parallel(ctx context.Context, groups []*group, limit, workers int) {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, grp := range groups {
		g.Go(func() error {
			if workers == 1 {
				s.record(s.sequential(ctx, grp.session, grp.msgs))
			} else {
				s.workers(ctx, grp, workers)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sequential sends msgs in order through one sender.
func (s *send) sequential(ctx context.Context, session string, msgs []*types.OutgoingMessage) error {
	i := 0
	return s.withSender(ctx, session, func(snd broker.Sender) error {
		return s.pack(ctx, snd, session, func() (*types.OutgoingMessage, bool) {
			if i == len(msgs) {
				return nil, false
			}
			i++
			return msgs[i-1], true
		})
	})
}

// workers drains grp through n senders pulling from one queue.
func (s *send) workers(ctx context.Context, grp *group, n int) {
	queue := make(chan *types.OutgoingMessage, len(grp.msgs))
	for _, m := range grp.msgs {
		queue <- m
	}
	close(queue)

	var wg sync.WaitGroup
	for range min(n, len(grp.msgs)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.withSender(ctx, grp.session, func(snd broker.Sender) error {
				return s.pack(ctx, snd, grp.session, func() (*types.OutgoingMessage, bool) {
					m, ok := <-queue
					return m, ok
				})
			})
			s.record(err)
		}()
	}
	wg.Wait()
}

func (s *send) withSender(ctx context.Context, session string, fn func(broker.Sender) error) (err error) {
	snd, err := s.d.Client.NewSender(ctx, s.target)
	if err != nil {
		return s.classify(session, err)
	}
	defer func() {
		if cerr := snd.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierr.Append(err, s.classify(session, cerr))
		}
	}()
	return fn(snd)
}

// pack fills batches from next and sends each as it fills up.
func (s *send) pack(ctx context.Context, snd broker.Sender, session string, next func() (*types.OutgoingMessage, bool)) error {
	var batch broker.Batch
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok := next()
		if !ok {
			break
		}

		if batch == nil {
			b, err := snd.NewBatch(ctx)
			if err != nil {
				return s.classify(session, err)
			}
			batch = b
		}
		added, err := batch.TryAdd(m)
		if err != nil {
			return s.classify(session, err)
		}
		if !added {
			if batch.Len() == 0 {
				return s.tooLarge(session, m)
			}
			if err := s.flush(ctx, snd, session, batch); err != nil {
				return err
			}
			if batch, err = snd.NewBatch(ctx); err != nil {
				return s.classify(session, err)
			}
			if added, err = batch.TryAdd(m); err != nil {
				return s.classify(session, err)
			} else if !added {
				return s.tooLarge(session, m)
			}
		}

		if batch.Len() >= s.max {
			if err := s.flush(ctx, snd, session, batch); err != nil {
				return err
			}
			batch = nil
		}
	}

	if batch != nil && batch.Len() > 0 {
		return s.flush(ctx, snd, session, batch)
	}
	return nil
}

func (s *send) flush(ctx context.Context, snd broker.Sender, session string, batch broker.Batch) error {
	n := batch.Len()
	if err := s.throttle(ctx, n); err != nil {
		return err
	}
	if err := snd.SendBatch(ctx, batch); err != nil {
		return s.classify(session, err)
	}
	s.sent.Add(int64(n))
	s.batches.Add(1)
	s.m.Sent.Add(metrics.Key(s.name, session), int64(n))
	s.log.Debug("batch sent", "session", session, "count", n)
	return nil
}

// throttle takes n tokens from the limiter, at most a burst at a time.
func (s *send) throttle(ctx context.Context, n int) error {
	l := s.d.Limiter
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	burst := max(l.Burst(), 1)
	for n > 0 {
		take := min(n, burst)
		if err := l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

func (s *send) where(session string) string {
	if session == "" {
		return s.name
	}
	return s.name + "/" + session
}

func (s *send) tooLarge(session string, m *types.OutgoingMessage) error {
	return failure.Wrap(failure.CodeMessageTooLarge, s.where(session),
		fmt.Errorf("%w: %d bytes do not fit an empty batch", broker.ErrMessageTooLarge, m.Size()))
}

func (s *send) classify(session string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, broker.ErrEntityNotFound):
		return failure.Wrap(failure.CodeEntityNotFound, s.name, err)
	case errors.Is(err, broker.ErrMessageTooLarge):
		return failure.Wrap(failure.CodeMessageTooLarge, s.where(session), err)
	}
	return failure.Wrap(failure.CodeSendFailed, s.where(session), err)
}
