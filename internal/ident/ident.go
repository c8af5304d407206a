// Package ident generates the time-ordered identifiers pubs stamps on things
// it creates: message ids for locally built messages and run ids that tie the
// log lines of one invocation together.
//
// Identifiers are ULIDs: lexicographically sortable by creation time, so a
// listing of ids is also a listing in arrival order.
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// New calls, so ids stay ordered even within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh ULID string.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New but panics on error.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNew: %v", err))
	}
	return id
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time returns the creation time encoded in a ULID.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
