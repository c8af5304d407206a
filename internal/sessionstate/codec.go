// Package sessionstate encodes the ordering-recovery checkpoint kept in a
// session's state blob, and reads and writes that blob on a broker.
//
// The canonical encoding is compact JSON:
//
//	{"lastSeenOrderNum":5,"deferred":[{"order":6,"seq":1001},{"order":8,"seq":1003}]}
//
// with "deferred" omitted when empty. Blobs written by other tools may use
// PascalCase keys or [order, seq] pairs; Deserialize accepts those too.
package sessionstate

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/eosfor/pubs/internal/types"
)

// State is the ordering checkpoint.
type State = types.SessionOrderingState

// Serialize returns the canonical encoding of s. A nil s encodes as nil.
func Serialize(s *State) []byte {
	if s == nil {
		return nil
	}
	out := State{LastSeenOrderNum: s.LastSeenOrderNum}
	if len(s.Deferred) > 0 {
		out.Deferred = s.Deferred
	}
	// Cannot fail: the type holds only ints.
	b, _ := json.Marshal(out)
	return b
}

// Deserialize decodes a state blob. It returns nil for an empty blob and for
// one that is not a recognisable ordering checkpoint; nil means "no
// recoverable state", never an error.
func Deserialize(b []byte) *State {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	s, ok := canonical(b)
	if !ok {
		s, ok = permissive(b)
	}
	if !ok || s.LastSeenOrderNum < 0 {
		return nil
	}
	return s
}

func canonical(b []byte) (*State, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, false
	}
	if _, ok := raw["lastSeenOrderNum"]; !ok {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var s State
	if err := dec.Decode(&s); err != nil {
		return nil, false
	}
	if len(s.Deferred) == 0 {
		s.Deferred = nil
	}
	return &s, true
}

// permissive walks the document structurally, accepting either key casing
// and either shape of deferred entry.
func permissive(b []byte) (*State, bool) {
	if !gjson.ValidBytes(b) {
		return nil, false
	}
	doc := gjson.ParseBytes(b)
	if !doc.IsObject() {
		return nil, false
	}

	last := field(doc, "lastSeenOrderNum", "LastSeenOrderNum")
	if last.Type != gjson.Number {
		return nil, false
	}
	s := &State{LastSeenOrderNum: int(last.Int())}

	deferred := field(doc, "deferred", "Deferred")
	switch {
	case !deferred.Exists(), deferred.Type == gjson.Null:
		return s, true
	case !deferred.IsArray():
		return nil, false
	}

	ok := true
	deferred.ForEach(func(_, entry gjson.Result) bool {
		var e types.OrderSeq
		if e, ok = orderSeq(entry); ok {
			s.Deferred = append(s.Deferred, e)
		}
		return ok
	})
	if !ok {
		return nil, false
	}
	return s, true
}

// orderSeq reads [order, seq] or {"order":..,"seq":..} in either casing.
func orderSeq(r gjson.Result) (types.OrderSeq, bool) {
	var order, seq gjson.Result
	switch {
	case r.IsArray():
		parts := r.Array()
		if len(parts) != 2 {
			return types.OrderSeq{}, false
		}
		order, seq = parts[0], parts[1]
	case r.IsObject():
		order = field(r, "order", "Order")
		seq = field(r, "seq", "Seq")
	default:
		return types.OrderSeq{}, false
	}
	if order.Type != gjson.Number || seq.Type != gjson.Number {
		return types.OrderSeq{}, false
	}
	return types.OrderSeq{Order: int(order.Int()), Seq: seq.Int()}, true
}

func field(r gjson.Result, names ...string) gjson.Result {
	for _, n := range names {
		if v := r.Get(n); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
