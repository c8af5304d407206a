package types

// OrderSeq pairs a logical order number with the broker sequence number of a
// message that arrived out of order and was deferred.
type OrderSeq struct {
	Order int   `json:"order"`
	Seq   int64 `json:"seq"`
}

// SessionOrderingState is the ordering-recovery checkpoint kept in a
// session's state blob.
//
// Everything up to and including LastSeenOrderNum has been processed, except
// the Deferred pairs, which were received early and deferred for later fetch
// by sequence number. Duplicates in Deferred are the caller's to reconcile.
type SessionOrderingState struct {
	LastSeenOrderNum int        `json:"lastSeenOrderNum"`
	Deferred         []OrderSeq `json:"deferred,omitempty"`
}

// DeferredSeqs returns the sequence numbers of all deferred entries.
func (s *SessionOrderingState) DeferredSeqs() []int64 {
	out := make([]int64, len(s.Deferred))
	for i, d := range s.Deferred {
		out[i] = d.Seq
	}
	return out
}
