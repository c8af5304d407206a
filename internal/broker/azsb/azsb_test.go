package azsb

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/types"
)

func ptr[T any](v T) *T { return &v }

func TestConvert(t *testing.T) {
	enq := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := &azservicebus.ReceivedMessage{
		MessageID:                  "m-1",
		SessionID:                  ptr("A"),
		SequenceNumber:             ptr(int64(42)),
		Body:                       []byte("hello"),
		ApplicationProperties:      map[string]any{"k": "v"},
		DeliveryCount:              3,
		EnqueuedTime:               &enq,
		LockedUntil:                ptr(enq.Add(time.Minute)),
		LockToken:                  [16]byte{0x01, 0x02},
		State:                      azservicebus.MessageStateDeferred,
		DeadLetterReason:           ptr("bad"),
		DeadLetterErrorDescription: ptr("really bad"),
	}

	got := convert(in)

	want := &types.ReceivedMessage{
		MessageID:                  "m-1",
		SessionID:                  "A",
		SequenceNumber:             42,
		Body:                       []byte("hello"),
		ApplicationProperties:      map[string]any{"k": "v"},
		DeliveryCount:              3,
		EnqueuedAt:                 enq,
		LockedUntil:                enq.Add(time.Minute),
		LockToken:                  "01020000-0000-0000-0000-000000000000",
		State:                      types.StateDeferred,
		DeadLetterReason:           "bad",
		DeadLetterErrorDescription: "really bad",
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(types.ReceivedMessage{}, "Handle")); diff != "" {
		t.Errorf("convert mismatch (-want +got):\n%s", diff)
	}
	assert.Same(t, in, got.Handle)
}

func TestConvert_SparseMessage(t *testing.T) {
	got := convert(&azservicebus.ReceivedMessage{MessageID: "m"})
	assert.Empty(t, got.SessionID)
	assert.Empty(t, got.LockToken, "a zero lock token is not rendered")
	assert.True(t, got.EnqueuedAt.IsZero())
	assert.Equal(t, types.StateActive, got.State)
	assert.Nil(t, convertAll(nil))
}

func TestHandle(t *testing.T) {
	sdk := &azservicebus.ReceivedMessage{MessageID: "m"}
	h, err := handle(&types.ReceivedMessage{MessageID: "m", Handle: sdk})
	require.NoError(t, err)
	assert.Same(t, sdk, h)

	_, err = handle(&types.ReceivedMessage{MessageID: "m", LockToken: "tok"})
	assert.ErrorIs(t, err, broker.ErrMessageLockLost)
	assert.Contains(t, err.Error(), "not received by this process")
}

func TestDeadLetterOptions(t *testing.T) {
	assert.Nil(t, deadLetterOptions(broker.DeadLetterOptions{}))

	o := deadLetterOptions(broker.DeadLetterOptions{Reason: "r"})
	require.NotNil(t, o)
	assert.Equal(t, "r", *o.Reason)
	assert.Nil(t, o.ErrorDescription)

	o = deadLetterOptions(broker.DeadLetterOptions{Reason: "r", Description: "d"})
	assert.Equal(t, "d", *o.ErrorDescription)
}

func TestToMessage(t *testing.T) {
	m := toMessage(&types.OutgoingMessage{
		MessageID:             "id-1",
		SessionID:             "A",
		ApplicationProperties: map[string]any{"n": 1},
		Body:                  []byte("x"),
	})
	assert.Equal(t, "id-1", *m.MessageID)
	assert.Equal(t, "A", *m.SessionID)
	assert.Equal(t, []byte("x"), m.Body)
	assert.Equal(t, map[string]any{"n": 1}, m.ApplicationProperties)

	bare := toMessage(&types.OutgoingMessage{Body: []byte("y")})
	assert.Nil(t, bare.MessageID)
	assert.Nil(t, bare.SessionID)
}

func TestCodeSentinel(t *testing.T) {
	assert.Equal(t, broker.ErrMessageLockLost, codeSentinel(azservicebus.CodeLockLost, broker.ErrMessageLockLost))
	assert.Equal(t, broker.ErrSessionLockLost, codeSentinel(azservicebus.CodeLockLost, broker.ErrSessionLockLost))
	assert.Equal(t, broker.ErrEntityNotFound, codeSentinel(azservicebus.CodeNotFound, nil))
	assert.Equal(t, broker.ErrClosed, codeSentinel(azservicebus.CodeClosed, nil))
	assert.Nil(t, codeSentinel(azservicebus.CodeConnectionLost, nil))
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, mapErr(nil))

	tooLarge := fmt.Errorf("adding: %w", azservicebus.ErrMessageTooLarge)
	assert.ErrorIs(t, mapErr(tooLarge), broker.ErrMessageTooLarge)
	assert.ErrorIs(t, mapErr(tooLarge), azservicebus.ErrMessageTooLarge, "the SDK error stays in the chain")

	link := errors.New("amqp: It is not possible for an entity that requires sessions to create a non-sessionful message receiver")
	assert.ErrorIs(t, mapErr(link), broker.ErrRequiresSession)

	plain := errors.New("amqp: The queue does not require sessions")
	assert.ErrorIs(t, mapSessionErr(plain), broker.ErrSessionsNotSupported)

	other := errors.New("connection reset")
	assert.Same(t, other, mapErr(other))
}
