package ident_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosfor/pubs/internal/ident"
)

func TestNew_IsValidAndMonotonic(t *testing.T) {
	prev := ident.MustNew()
	require.True(t, ident.Valid(prev))

	for i := 0; i < 1000; i++ {
		id := ident.MustNew()
		require.True(t, ident.Valid(id), "id %q", id)
		require.Greater(t, id, prev, "ids must sort by creation")
		prev = id
	}
}

func TestValid_RejectsGarbage(t *testing.T) {
	assert.False(t, ident.Valid(""))
	assert.False(t, ident.Valid("not-a-ulid"))
}

func TestTime_RoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := ident.MustNew()

	ts, err := ident.Time(id)
	require.NoError(t, err)
	assert.False(t, ts.Before(before.Truncate(time.Millisecond)))
	assert.WithinDuration(t, time.Now(), ts, time.Second)
}
