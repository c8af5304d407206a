package localbus

import (
	"fmt"
	"maps"
	"time"

	"github.com/eosfor/pubs/internal/types"
)

// record is one stored message. It is persisted as JSON, keyed by sequence
// number inside its entity's bucket.
type record struct {
	Seq        int64          `json:"seq"`
	MessageID  string         `json:"id"`
	SessionID  string         `json:"sid,omitempty"`
	Body       []byte         `json:"body"`
	Props      map[string]any `json:"props,omitempty"`
	EnqueuedAt time.Time      `json:"enq"`

	Status        status `json:"st"`
	Deferred      bool   `json:"def,omitempty"` // survives a lock on a deferred message
	DeliveryCount uint32 `json:"dc"`

	LockToken   string    `json:"lt,omitempty"`
	LockedUntil time.Time `json:"lu,omitzero"`

	DeadLetterReason      string `json:"dlr,omitempty"`
	DeadLetterDescription string `json:"dld,omitempty"`
}

// transition moves r to the given status, rejecting illegal changes.
func (r *record) transition(to status) error {
	if !validTransition(r.Status, to) {
		return fmt.Errorf("localbus: message %d: illegal transition %s → %s", r.Seq, r.Status, to)
	}
	r.Status = to
	if to != statusLocked {
		r.LockToken = ""
		r.LockedUntil = time.Time{}
	}
	return nil
}

// clone returns a copy that shares no mutable state with r.
func (r *record) clone() *record {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	c.Props = maps.Clone(r.Props)
	return &c
}

// toReceived renders r for a caller.
func (r *record) toReceived(peek bool) *types.ReceivedMessage {
	m := &types.ReceivedMessage{
		MessageID:                  r.MessageID,
		SessionID:                  r.SessionID,
		SequenceNumber:             r.Seq,
		Body:                       append([]byte(nil), r.Body...),
		ApplicationProperties:      maps.Clone(r.Props),
		DeliveryCount:              r.DeliveryCount,
		EnqueuedAt:                 r.EnqueuedAt,
		State:                      types.StateActive,
		DeadLetterReason:           r.DeadLetterReason,
		DeadLetterErrorDescription: r.DeadLetterDescription,
	}
	if r.Deferred {
		m.State = types.StateDeferred
	}
	if !peek {
		m.LockToken = r.LockToken
		m.LockedUntil = r.LockedUntil
	}
	return m
}
