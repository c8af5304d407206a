package sessionstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/renew"
	"github.com/eosfor/pubs/internal/types"
)

// Store reads and writes session state blobs through a broker client.
type Store struct {
	Client  broker.Client
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Snapshot is what Get returns: the raw blob and, when it is an ordering
// checkpoint, its decoded form.
type Snapshot struct {
	SessionID string `json:"sessionId"`
	Raw       []byte `json:"-"`
	State     *State `json:"state"`
}

// Get reads the state of one session.
func (s *Store) Get(ctx context.Context, entity types.EntityRef, sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := s.withSession(ctx, entity, sessionID, func(sr broker.SessionReceiver) error {
		raw, err := sr.SessionState(ctx)
		if err != nil {
			return err
		}
		snap = Snapshot{SessionID: sessionID, Raw: raw, State: Deserialize(raw)}
		return nil
	})
	return snap, err
}

// Set overwrites the state of one session with Encode(value).
func (s *Store) Set(ctx context.Context, entity types.EntityRef, sessionID string, value any) error {
	blob, err := Encode(value)
	if err != nil {
		return failure.Wrap(failure.CodeInvalidArgument, sessionID, err)
	}
	return s.withSession(ctx, entity, sessionID, func(sr broker.SessionReceiver) error {
		return sr.SetSessionState(ctx, blob)
	})
}

// withSession accepts sessionID, keeps its lock renewed while fn runs, and
// closes it.
func (s *Store) withSession(ctx context.Context, entity types.EntityRef, sessionID string, fn func(broker.SessionReceiver) error) (err error) {
	target := entity.String()
	if sessionID == "" {
		return failure.New(failure.CodeSessionMissing, target, "a session id is required")
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	m := s.Metrics
	if m == nil {
		m = &metrics.Registry{}
	}

	sr, err := s.Client.AcceptSession(ctx, entity, sessionID)
	if err != nil {
		return classify(err, target)
	}
	m.SessionsAccepted.Inc(target)
	rn := renew.Start(ctx, sr, renew.Options{Entity: target, Logger: log, Metrics: m})
	defer func() {
		err = multierr.Combine(err, rn.Stop(), sr.Close(context.WithoutCancel(ctx)))
		if err != nil {
			m.Faults.Inc(string(failure.CodeOf(err)))
		}
	}()

	if err := fn(sr); err != nil {
		return classify(err, sessionID)
	}
	log.Debug("session state accessed", "entity", target, "session", sessionID)
	return nil
}

func classify(err error, target string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, broker.ErrEntityNotFound):
		return failure.Wrap(failure.CodeEntityNotFound, target, err)
	case errors.Is(err, broker.ErrSessionsNotSupported):
		return failure.Wrap(failure.CodeInvalidArgument, target, err)
	case errors.Is(err, broker.ErrSessionLockLost):
		return failure.Wrap(failure.CodeSessionLockLost, target, err)
	}
	return failure.Wrap(failure.CodeStateFailed, target, err)
}

// Encode turns a caller-supplied value into a state blob: an ordering
// checkpoint canonically, a string or byte slice as is, nil as an empty blob
// (clearing the state), anything else as JSON.
func Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *State:
		return Serialize(v), nil
	case State:
		return Serialize(&v), nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("sessionstate: encode %T: %w", value, err)
	}
	return b, nil
}

// New builds a checkpoint from loosely typed deferred entries, as they come
// from the command line or a decoded JSON document. Each entry is an
// [order, seq] pair (any slice or array of two integers) or a map with
// "order" and "seq" keys, in either casing.
func New(lastSeen int, deferred ...any) (*State, error) {
	if lastSeen < 0 {
		return nil, fmt.Errorf("sessionstate: last seen order number %d is negative", lastSeen)
	}
	s := &State{LastSeenOrderNum: lastSeen}
	for i, d := range deferred {
		e, err := toOrderSeq(d)
		if err != nil {
			return nil, fmt.Errorf("sessionstate: deferred entry %d: %w", i, err)
		}
		s.Deferred = append(s.Deferred, e)
	}
	return s, nil
}

func toOrderSeq(d any) (types.OrderSeq, error) {
	switch v := d.(type) {
	case types.OrderSeq:
		return v, nil
	case [2]int:
		return types.OrderSeq{Order: v[0], Seq: int64(v[1])}, nil
	case [2]int64:
		return types.OrderSeq{Order: int(v[0]), Seq: v[1]}, nil
	case []int:
		if len(v) != 2 {
			return types.OrderSeq{}, fmt.Errorf("want two elements, got %d", len(v))
		}
		return types.OrderSeq{Order: v[0], Seq: int64(v[1])}, nil
	case []int64:
		if len(v) != 2 {
			return types.OrderSeq{}, fmt.Errorf("want two elements, got %d", len(v))
		}
		return types.OrderSeq{Order: int(v[0]), Seq: v[1]}, nil
	case []any:
		if len(v) != 2 {
			return types.OrderSeq{}, fmt.Errorf("want two elements, got %d", len(v))
		}
		return pair(v[0], v[1])
	case map[string]any:
		order, ok := lookup(v, "order", "Order")
		if !ok {
			return types.OrderSeq{}, errors.New(`missing "order"`)
		}
		seq, ok := lookup(v, "seq", "Seq")
		if !ok {
			return types.OrderSeq{}, errors.New(`missing "seq"`)
		}
		return pair(order, seq)
	}
	return types.OrderSeq{}, fmt.Errorf("unsupported entry type %T", d)
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func pair(order, seq any) (types.OrderSeq, error) {
	o, err := integer(order)
	if err != nil {
		return types.OrderSeq{}, fmt.Errorf("order: %w", err)
	}
	s, err := integer(seq)
	if err != nil {
		return types.OrderSeq{}, fmt.Errorf("seq: %w", err)
	}
	return types.OrderSeq{Order: int(o), Seq: s}, nil
}

func integer(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("%T is not an integer", v)
}
