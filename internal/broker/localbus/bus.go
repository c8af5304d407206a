// Package localbus is an in-process, session-capable message broker that
// implements broker.Client.
//
// It exists so pubs can be developed, demonstrated and tested without a
// cloud namespace: it has the same peek-lock, session, deferral and
// dead-letter semantics the engine expects of a real broker. State is
// persisted to a single bbolt file when Options.Path is set, and kept in
// memory otherwise.
//
// Entities are declared up front through Options.Entities; the bus never
// creates or deletes them at runtime.
package localbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/ident"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/types"
)

// Defaults.
const (
	DefaultMaxMessageBytes = 256 * 1024
	DefaultReapInterval    = 500 * time.Millisecond

	// ReasonMaxDeliveryCount is the dead-letter reason recorded when a message
	// exhausts its delivery attempts.
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
)

// Options configures a Bus.
type Options struct {
	// Path is the bbolt file. Empty keeps everything in memory.
	Path string

	// MaxMessageBytes bounds the total size of one send batch.
	MaxMessageBytes int

	Entities []EntityConfig

	// ReapInterval is how often expired locks are released.
	ReapInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Bus is the in-process broker. All methods are safe for concurrent use.
type Bus struct {
	opts  Options
	log   *slog.Logger
	store *store

	mu       sync.Mutex
	entities map[string]*entity   // path (incl. dead-letter suffix) → entity
	topics   map[string][]*entity // topic → subscriptions
	nextSeq  int64
	closed   bool

	reaperDone chan struct{}
	reaperWG   sync.WaitGroup
}

var (
	_ broker.Client = (*Bus)(nil)
	_ broker.Prober = (*Bus)(nil)
)

// Open creates a Bus, rebuilds its state from Options.Path when set, and
// starts the background lock reaper.
//
// Call Close when the bus is no longer needed.
func Open(opts Options) (*Bus, error) {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.Registry{}
	}

	b := &Bus{
		opts:       opts,
		log:        opts.Logger.With("component", "localbus"),
		entities:   make(map[string]*entity),
		topics:     make(map[string][]*entity),
		nextSeq:    1,
		reaperDone: make(chan struct{}),
	}

	for _, cfg := range opts.Entities {
		if err := b.declare(cfg); err != nil {
			return nil, err
		}
	}

	if opts.Path != "" {
		st, err := openStore(opts.Path)
		if err != nil {
			return nil, err
		}
		b.store = st
		if err := b.loadFromStorage(); err != nil {
			_ = st.close()
			return nil, err
		}
	}

	b.startReaper()
	return b, nil
}

// declare registers an entity and its dead-letter sub-queue.
func (b *Bus) declare(cfg EntityConfig) error {
	ref := types.EntityRef{Queue: cfg.Queue, Topic: cfg.Topic, Subscription: cfg.Subscription}
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("localbus: declare %q: %w", ref.Path(), err)
	}
	path := ref.String()
	if _, dup := b.entities[path]; dup {
		return fmt.Errorf("localbus: entity %q declared twice", path)
	}

	e := newEntity(path, cfg)
	e.dlq = newEntity(ref.DeadLetter().String(), EntityConfig{
		LockDuration:     cfg.LockDuration,
		MaxDeliveryCount: -1,
	})
	b.entities[path] = e
	b.entities[e.dlq.path] = e.dlq
	if ref.IsSubscription() {
		b.topics[cfg.Topic] = append(b.topics[cfg.Topic], e)
	}
	return nil
}

// loadFromStorage rebuilds every entity from the store. Messages that were
// locked when the previous process stopped are released without counting
// the lost delivery against them.
func (b *Bus) loadFromStorage() error {
	next, err := b.store.nextSeq()
	if err != nil {
		return fmt.Errorf("localbus: load sequence: %w", err)
	}
	b.nextSeq = next

	// bbolt does not allow a write transaction while the read transaction of
	// ForEach is open, so rewrites are applied after the scan.
	var rewrites []func() error

	err = b.store.forEachRecord(func(path string, rec *record) error {
		e, ok := b.entities[path]
		if !ok {
			b.log.Warn("dropping messages of undeclared entity", "entity", path)
			return nil
		}
		if rec.Status == statusLocked {
			rec.Status, rec.LockToken, rec.LockedUntil = statusReady, "", time.Time{}
			if rec.Deferred {
				rec.Status = statusDeferred
			}
			r := rec
			rewrites = append(rewrites, func() error { return b.store.putRecord(path, r) })
		}
		e.records[rec.Seq] = rec
		if rec.Status == statusReady {
			e.pushReady(rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, w := range rewrites {
		if err := w(); err != nil {
			return fmt.Errorf("localbus: recover locked message: %w", err)
		}
	}

	return b.store.forEachState(func(path, session string, blob []byte) error {
		if e, ok := b.entities[path]; ok {
			e.states[session] = blob
		}
		return nil
	})
}

// ─── broker.Client ───────────────────────────────────────────────────────────

// RequiresSession reports whether entity only allows session-scoped access.
// Dead-letter sub-queues never do.
func (b *Bus) RequiresSession(_ context.Context, ref types.EntityRef) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.lookup(ref)
	if err != nil {
		return false, err
	}
	return e.cfg.RequiresSession, nil
}

// NewReceiver opens a non-session receiver. Like a real broker, the bus only
// reports a session-enabled entity on the first Receive or Peek.
func (b *Bus) NewReceiver(_ context.Context, ref types.EntityRef, opts broker.ReceiverOptions) (broker.Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	e, err := b.lookup(ref)
	if err != nil {
		return nil, err
	}
	return &receiver{bus: b, e: e, mode: opts.Mode, id: uuid.NewString()}, nil
}

// AcceptNextSession locks the unlocked session whose oldest ready message is
// oldest, waiting up to wait for one to appear.
func (b *Bus) AcceptNextSession(ctx context.Context, ref types.EntityRef, wait time.Duration) (broker.SessionReceiver, error) {
	e, err := b.sessionEntity(ref)
	if err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	var sr *sessionReceiver
	err = b.waitFor(ctx, e, wait, func(now time.Time) bool {
		session, ok := e.nextFreeSession(now)
		if !ok {
			return false
		}
		sr = b.lockSession(e, session, owner, now)
		return true
	})
	if err != nil || sr == nil {
		return nil, err
	}
	return sr, nil
}

// AcceptSession locks the named session, waiting while another receiver
// holds it.
func (b *Bus) AcceptSession(ctx context.Context, ref types.EntityRef, sessionID string) (broker.SessionReceiver, error) {
	if sessionID == "" {
		return nil, errors.New("localbus: empty session id")
	}
	e, err := b.sessionEntity(ref)
	if err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	var sr *sessionReceiver
	for sr == nil {
		err = b.waitFor(ctx, e, e.cfg.LockDuration, func(now time.Time) bool {
			if e.sessionHeld(sessionID, owner, now) {
				return false
			}
			sr = b.lockSession(e, sessionID, owner, now)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// NewSender opens a sender for a queue or a topic.
func (b *Bus) NewSender(_ context.Context, target types.EntityRef) (broker.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	switch {
	case target.Queue != "":
		e, ok := b.entities[target.Queue]
		if !ok {
			return nil, fmt.Errorf("%w: %s", broker.ErrEntityNotFound, target.Queue)
		}
		return &sender{bus: b, name: target.Queue, targets: []*entity{e}}, nil
	case target.Topic != "":
		subs, ok := b.topics[target.Topic]
		if !ok {
			return nil, fmt.Errorf("%w: %s", broker.ErrEntityNotFound, target.Topic)
		}
		return &sender{bus: b, name: target.Topic, targets: subs}, nil
	}
	return nil, fmt.Errorf("%w: send target needs a queue or a topic", types.ErrInvalidEntity)
}

// Close stops the reaper and closes the store.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, e := range b.entities {
		e.notify()
	}
	b.mu.Unlock()

	close(b.reaperDone)
	b.reaperWG.Wait()
	return b.store.close()
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Counts returns the number of ready, locked and deferred messages of ref.
func (b *Bus) Counts(ref types.EntityRef) (ready, locked, deferred int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.lookup(ref)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, rec := range e.records {
		switch rec.Status {
		case statusReady:
			ready++
		case statusLocked:
			locked++
		case statusDeferred:
			deferred++
		}
	}
	return ready, locked, deferred, nil
}

// ─── Internal helpers (callers hold b.mu unless noted) ───────────────────────

func (b *Bus) lookup(ref types.EntityRef) (*entity, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	e, ok := b.entities[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrEntityNotFound, ref)
	}
	return e, nil
}

// sessionEntity looks up a session-enabled entity. Takes b.mu.
func (b *Bus) sessionEntity(ref types.EntityRef) (*entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	e, err := b.lookup(ref)
	if err != nil {
		return nil, err
	}
	if !e.cfg.RequiresSession {
		return nil, fmt.Errorf("%w: %s", broker.ErrSessionsNotSupported, ref)
	}
	return e, nil
}

// waitFor calls try under b.mu until it reports true, wait elapses, or ctx
// ends. try is re-run whenever e changes. Takes b.mu.
func (b *Bus) waitFor(ctx context.Context, e *entity, wait time.Duration, try func(now time.Time) bool) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return broker.ErrClosed
		}
		done := try(time.Now())
		changed := e.changed
		b.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-changed:
		}
	}
}

func (b *Bus) lockSession(e *entity, session, owner string, now time.Time) *sessionReceiver {
	until := now.Add(e.cfg.LockDuration)
	e.sessions[session] = &sessionLock{owner: owner, until: until}
	return &sessionReceiver{
		receiver: receiver{bus: b, e: e, id: owner, session: &session},
	}
}

// enqueue stores a new ready message in e.
func (b *Bus) enqueue(e *entity, m *types.OutgoingMessage, now time.Time) error {
	id := m.MessageID
	if id == "" {
		id = ident.MustNew()
	}
	rec := &record{
		Seq:        b.nextSeq,
		MessageID:  id,
		SessionID:  m.SessionID,
		Body:       append([]byte(nil), m.Body...),
		Props:      cloneProps(m.ApplicationProperties),
		EnqueuedAt: now.UTC(),
		Status:     statusReady,
	}
	if err := b.store.putRecord(e.path, rec); err != nil {
		return err
	}
	b.nextSeq++
	e.records[rec.Seq] = rec
	e.pushReady(rec)
	e.notify()
	return nil
}

// lock moves rec to LOCKED for one delivery.
func (b *Bus) lock(e *entity, rec *record, until time.Time) error {
	prev := rec.clone()
	if err := rec.transition(statusLocked); err != nil {
		return err
	}
	rec.LockToken = uuid.NewString()
	rec.LockedUntil = until
	rec.DeliveryCount++
	if err := b.store.putRecord(e.path, rec); err != nil {
		*rec = *prev
		return err
	}
	e.locks[rec.LockToken] = rec.Seq
	return nil
}

// release gives up the lock on rec: the message returns to READY (or to
// DEFERRED), or is dead-lettered once its deliveries are exhausted.
func (b *Bus) release(e *entity, rec *record) error {
	delete(e.locks, rec.LockToken)
	if max := e.cfg.MaxDeliveryCount; max > 0 && int(rec.DeliveryCount) >= max {
		return b.deadLetter(e, rec, ReasonMaxDeliveryCount, fmt.Sprintf("delivered %d times", rec.DeliveryCount))
	}

	to := statusReady
	if rec.Deferred {
		to = statusDeferred
	}
	if err := rec.transition(to); err != nil {
		return err
	}
	if err := b.store.putRecord(e.path, rec); err != nil {
		return err
	}
	if to == statusReady {
		e.pushReady(rec)
		e.notify()
	}
	return nil
}

// complete removes rec for good.
func (b *Bus) complete(e *entity, rec *record) error {
	if err := rec.transition(statusCompleted); err != nil {
		return err
	}
	delete(e.locks, rec.LockToken)
	delete(e.records, rec.Seq)
	return b.store.deleteRecord(e.path, rec.Seq)
}

// deferMessage sets rec aside for fetch by sequence number.
func (b *Bus) deferMessage(e *entity, rec *record) error {
	token := rec.LockToken
	if err := rec.transition(statusDeferred); err != nil {
		return err
	}
	rec.Deferred = true
	delete(e.locks, token)
	return b.store.putRecord(e.path, rec)
}

// deadLetter moves rec into e's dead-letter sub-queue as a new READY record
// with the same sequence number.
func (b *Bus) deadLetter(e *entity, rec *record, reason, description string) error {
	if e.dlq == nil {
		return fmt.Errorf("localbus: %s: dead-letter sub-queue has no dead-letter queue", e.path)
	}
	token := rec.LockToken
	if err := rec.transition(statusDeadLettered); err != nil {
		return err
	}
	delete(e.locks, token)
	delete(e.records, rec.Seq)

	moved := rec.clone()
	moved.Status = statusReady
	moved.Deferred = false
	moved.DeadLetterReason = reason
	moved.DeadLetterDescription = description
	if err := b.store.deleteRecord(e.path, rec.Seq); err != nil {
		return err
	}
	if err := b.store.putRecord(e.dlq.path, moved); err != nil {
		return err
	}
	e.dlq.records[moved.Seq] = moved
	e.dlq.pushReady(moved)
	e.dlq.notify()

	b.opts.Metrics.DeadLettered.Inc(metrics.Key(e.path, reason))
	b.log.Debug("message dead-lettered", "entity", e.path, "seq", rec.Seq, "reason", reason)
	return nil
}

// releaseSession drops owner's lock on session. Messages still locked in the
// session keep their locks until they expire, so a later holder of the same
// session can settle them by lock token.
func (b *Bus) releaseSession(e *entity, session, owner string) {
	if sl, ok := e.sessions[session]; !ok || sl.owner != owner {
		return
	}
	delete(e.sessions, session)
	e.notify()
}

// ─── Lock reaper ─────────────────────────────────────────────────────────────

func (b *Bus) startReaper() {
	b.reaperWG.Add(1)
	go b.reaperLoop()
}

func (b *Bus) reaperLoop() {
	defer b.reaperWG.Done()
	ticker := time.NewTicker(b.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.reaperDone:
			return
		case <-ticker.C:
			b.reapExpired(time.Now())
		}
	}
}

// reapExpired drops expired session locks and releases expired message locks.
func (b *Bus) reapExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entities {
		for session, sl := range e.sessions {
			if !now.Before(sl.until) {
				b.releaseSession(e, session, sl.owner)
			}
		}
		for _, seq := range e.locks {
			rec := e.records[seq]
			if rec == nil || now.Before(rec.LockedUntil) {
				continue
			}
			if err := b.release(e, rec); err != nil {
				b.log.Warn("lock expiry release failed", "entity", e.path, "seq", seq, "err", err)
			}
		}
	}
}

func cloneProps(p map[string]any) map[string]any {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
