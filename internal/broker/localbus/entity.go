package localbus

import (
	"container/list"
	"sort"
	"time"
)

// EntityConfig declares one queue or topic subscription of a Bus.
type EntityConfig struct {
	Queue        string
	Topic        string
	Subscription string

	RequiresSession bool

	// LockDuration is how long a message or session lock lasts before it
	// must be renewed or settled. Defaults to DefaultLockDuration.
	LockDuration time.Duration

	// MaxDeliveryCount is how many times a message may be delivered before it
	// is moved to the dead-letter sub-queue. Defaults to
	// DefaultMaxDeliveryCount; a negative value disables the limit.
	MaxDeliveryCount int
}

// Entity defaults.
const (
	DefaultLockDuration     = 60 * time.Second
	DefaultMaxDeliveryCount = 10
)

// sessionLock marks a session as held by one receiver.
type sessionLock struct {
	owner string
	until time.Time
}

// entity is the in-memory state of one addressable path: a queue, a topic
// subscription, or the dead-letter sub-queue of either.
//
// Architecture:
//   - "records" holds every live message (ready, locked or deferred) by seq.
//   - "ready" is one FIFO list of seqs per session id ("" for non-session
//     entities), kept in sequence order so a released message goes back to
//     where it was.
//   - "locks" maps lock token → seq for O(1) settlement.
//   - "sessions" holds the session locks; "states" the session state blobs.
//
// An entity has no mutex of its own; every method runs under Bus.mu.
type entity struct {
	path string
	cfg  EntityConfig
	dlq  *entity // nil for a dead-letter sub-queue

	records  map[int64]*record
	ready    map[string]*list.List // session id → seqs (int64)
	locks    map[string]int64
	sessions map[string]*sessionLock
	states   map[string][]byte

	// changed is closed and replaced whenever a message becomes ready, and
	// whenever a session lock is released.
	changed chan struct{}
}

func newEntity(path string, cfg EntityConfig) *entity {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.MaxDeliveryCount == 0 {
		cfg.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	return &entity{
		path:     path,
		cfg:      cfg,
		records:  make(map[int64]*record),
		ready:    make(map[string]*list.List),
		locks:    make(map[string]int64),
		sessions: make(map[string]*sessionLock),
		states:   make(map[string][]byte),
		changed:  make(chan struct{}),
	}
}

// notify wakes every waiter on e.
func (e *entity) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// readyKey returns the ready-list key for a message's session id.
func (e *entity) readyKey(sessionID string) string {
	if e.cfg.RequiresSession {
		return sessionID
	}
	return ""
}

// pushReady inserts seq into its ready list, keeping sequence order.
func (e *entity) pushReady(rec *record) {
	key := e.readyKey(rec.SessionID)
	l, ok := e.ready[key]
	if !ok {
		l = list.New()
		e.ready[key] = l
	}
	for el := l.Back(); el != nil; el = el.Prev() {
		if el.Value.(int64) < rec.Seq {
			l.InsertAfter(rec.Seq, el)
			return
		}
	}
	l.PushFront(rec.Seq)
}

// popReady removes and returns up to n ready records of one session.
func (e *entity) popReady(sessionID string, n int) []*record {
	key := e.readyKey(sessionID)
	l := e.ready[key]
	if l == nil {
		return nil
	}
	var out []*record
	for l.Len() > 0 && len(out) < n {
		front := l.Front()
		l.Remove(front)
		if rec, ok := e.records[front.Value.(int64)]; ok && rec.Status == statusReady {
			out = append(out, rec)
		}
	}
	if l.Len() == 0 {
		delete(e.ready, key)
	}
	return out
}

// hasReady reports whether the session has ready messages.
func (e *entity) hasReady(sessionID string) bool {
	l := e.ready[e.readyKey(sessionID)]
	return l != nil && l.Len() > 0
}

// sessionHeld reports whether a live lock other than owner's holds session.
func (e *entity) sessionHeld(session, owner string, now time.Time) bool {
	sl, ok := e.sessions[session]
	return ok && sl.owner != owner && now.Before(sl.until)
}

// nextFreeSession returns the unlocked session whose oldest ready message is
// oldest overall, or "" when there is none.
func (e *entity) nextFreeSession(now time.Time) (string, bool) {
	var (
		best    string
		bestSeq int64
		found   bool
	)
	for session, l := range e.ready {
		if l.Len() == 0 || e.sessionHeld(session, "", now) {
			continue
		}
		if seq := l.Front().Value.(int64); !found || seq < bestSeq {
			best, bestSeq, found = session, seq, true
		}
	}
	return best, found
}

// peekFrom returns up to n live records of scope with seq ≥ from, in order.
// A nil session scope covers the whole entity.
func (e *entity) peekFrom(session *string, from int64, n int) []*record {
	var out []*record
	for _, rec := range e.records {
		if rec.Seq < from || (session != nil && rec.SessionID != *session) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// lockedIn returns the records locked in session, in sequence order.
func (e *entity) lockedIn(session string) []*record {
	var out []*record
	for _, seq := range e.locks {
		if rec := e.records[seq]; rec != nil && rec.SessionID == session {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
