package localbus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketEntities = []byte("entities") // one nested bucket per entity path
	bucketState    = []byte("state")    // entity path \x00 session id → blob
	bucketMeta     = []byte("meta")
	keyNextSeq     = []byte("next_seq")
)

// store is the bbolt-backed persistence layer of a Bus.
//
// Every mutation is written through before the call that caused it returns,
// so a crashed process loses at most the locks it held, never messages.
// A nil *store is valid and persists nothing; the Bus then runs in memory.
type store struct {
	db *bbolt.DB
}

// openStore opens (or creates) the bbolt file at path.
func openStore(path string) (*store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("localbus: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntities, bucketState, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localbus: init buckets: %w", err)
	}

	return &store{db: db}, nil
}

// putRecord upserts rec under entity and advances the persisted sequence
// counter past it.
func (s *store) putRecord(entity string, rec *record) error {
	if s == nil {
		return nil
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("localbus: marshal message %d: %w", rec.Seq, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketEntities).CreateBucketIfNotExists([]byte(entity))
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(rec.Seq), val); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if next := decodeSeq(meta.Get(keyNextSeq)); rec.Seq >= next {
			return meta.Put(keyNextSeq, seqKey(rec.Seq+1))
		}
		return nil
	})
}

// deleteRecord removes the message with seq from entity.
func (s *store) deleteRecord(entity string, seq int64) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntities).Bucket([]byte(entity))
		if b == nil {
			return nil
		}
		return b.Delete(seqKey(seq))
	})
}

// putState stores (or, for an empty blob, clears) a session state.
func (s *store) putState(entity, session string, blob []byte) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketState)
		if len(blob) == 0 {
			return b.Delete(stateKey(entity, session))
		}
		return b.Put(stateKey(entity, session), blob)
	})
}

// nextSeq returns the first unused sequence number.
func (s *store) nextSeq() (int64, error) {
	if s == nil {
		return 1, nil
	}
	next := int64(1)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := decodeSeq(tx.Bucket(bucketMeta).Get(keyNextSeq)); v > next {
			next = v
		}
		return nil
	})
	return next, err
}

// forEachRecord calls fn for every stored message, entity by entity, in
// sequence order.
func (s *store) forEachRecord(fn func(entity string, rec *record) error) error {
	if s == nil {
		return nil
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketEntities)
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			entity := string(name)
			return root.Bucket(name).ForEach(func(_, v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("localbus: %s: decode message: %w", entity, err)
				}
				return fn(entity, &rec)
			})
		})
	})
}

// forEachState calls fn for every stored session state.
func (s *store) forEachState(fn func(entity, session string, blob []byte) error) error {
	if s == nil {
		return nil
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).ForEach(func(k, v []byte) error {
			entity, session := splitStateKey(k)
			return fn(entity, session, append([]byte(nil), v...))
		})
	})
}

func (s *store) close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// ---- key helpers -----------------------------------------------------------
// Sequence keys are big-endian so bbolt's byte ordering is sequence ordering.

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func decodeSeq(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func stateKey(entity, session string) []byte {
	return []byte(entity + "\x00" + session)
}

func splitStateKey(k []byte) (string, string) {
	for i, c := range k {
		if c == 0 {
			return string(k[:i]), string(k[i+1:])
		}
	}
	return string(k), ""
}
