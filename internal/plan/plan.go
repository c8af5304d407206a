// Package plan bounds an otherwise unbounded receive or peek loop.
//
// A Plan carries an optional remaining-message budget and an optional
// absolute deadline:
//
//	IsComplete ⇔ (remaining is set ∧ remaining ≤ 0) ∨ deadline reached
//
// remaining is decremented once per message delivered to the caller, not
// per message fetched. A batch that crosses the broker is always drained to
// the caller in full, so remaining may go negative; completion only gates
// whether another fetch is issued.
//
// A Plan is owned by a single drain loop and is not safe for concurrent use.
package plan

import "time"

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Plan is the mutable receive budget.
type Plan struct {
	remaining *int
	deadline  *time.Time
	now       Clock
}

// New builds a plan. A nil max means no count bound; a nil wait means no
// deadline. The deadline is computed from wait at construction time.
func New(max *int, wait *time.Duration) *Plan {
	return NewWithClock(max, wait, time.Now)
}

// NewWithClock is New with an explicit clock.
func NewWithClock(max *int, wait *time.Duration, now Clock) *Plan {
	if now == nil {
		now = time.Now
	}
	p := &Plan{now: now}
	if max != nil {
		n := *max
		p.remaining = &n
	}
	if wait != nil {
		d := now().Add(*wait)
		p.deadline = &d
	}
	return p
}

// Unbounded returns a plan with neither bound.
func Unbounded() *Plan { return New(nil, nil) }

// WithCount returns a plan bounded by n delivered messages.
func WithCount(n int) *Plan { return New(&n, nil) }

// WithDeadline returns a plan bounded by a wall-clock budget.
func WithDeadline(wait time.Duration) *Plan { return New(nil, &wait) }

// Remaining returns the remaining budget and whether one is set.
func (p *Plan) Remaining() (int, bool) {
	if p.remaining == nil {
		return 0, false
	}
	return *p.remaining, true
}

// HasDeadline reports whether the plan carries a deadline.
func (p *Plan) HasDeadline() bool { return p.deadline != nil }

// Deadline returns the absolute deadline, if any.
func (p *Plan) Deadline() (time.Time, bool) {
	if p.deadline == nil {
		return time.Time{}, false
	}
	return *p.deadline, true
}

// Unbounded reports whether the plan has neither a count nor a deadline.
func (p *Plan) Unbounded() bool { return p.remaining == nil && p.deadline == nil }

// DeadlineReached reports whether the deadline exists and has passed.
func (p *Plan) DeadlineReached() bool {
	return p.deadline != nil && !p.now().Before(*p.deadline)
}

// IsComplete reports whether the plan allows no further fetch.
func (p *Plan) IsComplete() bool {
	return (p.remaining != nil && *p.remaining <= 0) || p.DeadlineReached()
}

// ComputeWindow returns how long the next fetch (or session accept) may wait:
// the smaller of the time left to the deadline and defaultWindow, or
// defaultWindow when there is no deadline. It returns zero once the deadline
// has passed; callers must treat zero as "stop now", never as "wait zero".
func (p *Plan) ComputeWindow(defaultWindow time.Duration) time.Duration {
	if p.deadline == nil {
		return defaultWindow
	}
	left := p.deadline.Sub(p.now())
	if left <= 0 {
		return 0
	}
	if left < defaultWindow {
		return left
	}
	return defaultWindow
}

// OnMessageDelivered records one message handed to the caller.
func (p *Plan) OnMessageDelivered() {
	if p.remaining != nil {
		*p.remaining--
	}
}
