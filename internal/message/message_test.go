package message_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/message"
	"github.com/eosfor/pubs/internal/types"
)

func TestByParts(t *testing.T) {
	shared := map[string]any{"kind": "order"}

	msgs, err := message.ByParts([]string{"a", "b"}, "S", shared)
	require.NoError(t, err)
	want := []*types.PreparedMessage{
		{SessionID: "S", Body: "a", ApplicationProperties: map[string]any{"kind": "order"}},
		{SessionID: "S", Body: "b", ApplicationProperties: map[string]any{"kind": "order"}},
	}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	msgs[0].ApplicationProperties["kind"] = "changed"
	assert.Equal(t, "order", shared["kind"], "properties are copied")

	msgs, err = message.ByParts([]string{"a", "b"}, "", map[string]any{"n": 1}, map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, msgs[1].ApplicationProperties["n"])

	msgs, err = message.ByParts([]string{"a"}, "")
	require.NoError(t, err)
	assert.Nil(t, msgs[0].ApplicationProperties)
}

func TestByParts_Errors(t *testing.T) {
	_, err := message.ByParts(nil, "")
	assert.True(t, failure.Is(err, failure.CodeEmptyInput), "got %v", err)

	_, err = message.ByParts([]string{"a", "b", "c"}, "", map[string]any{}, map[string]any{})
	assert.True(t, failure.Is(err, failure.CodeInvalidArgument), "got %v", err)
}

func TestFromMaps(t *testing.T) {
	msgs, err := message.FromMaps([]map[string]any{
		{"body": "x", "sessionId": "A", "customProperties": map[string]any{"k": "v"}},
		{"Body": "y", "SessionID": "B"},
	}, false)
	require.NoError(t, err)
	want := []*types.PreparedMessage{
		{SessionID: "A", Body: "x", ApplicationProperties: map[string]any{"k": "v"}},
		{SessionID: "B", Body: "y"},
	}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	msgs, err = message.FromMaps([]map[string]any{{"body": "x"}, {"body": "y", "sessionId": nil}}, false)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFromMaps_Errors(t *testing.T) {
	cases := []struct {
		name   string
		tables []map[string]any
		need   bool
		code   failure.Code
	}{
		{"empty", nil, false, failure.CodeEmptyInput},
		{"no body", []map[string]any{{"sessionId": "A"}}, false, failure.CodeInvalidArgument},
		{"body not string", []map[string]any{{"body": 3}}, false, failure.CodeInvalidArgument},
		{"props not map", []map[string]any{{"body": "x", "customProperties": "k=v"}}, false, failure.CodeInvalidArgument},
		{"mixed", []map[string]any{{"body": "x", "sessionId": "A"}, {"body": "y"}}, false, failure.CodeMixedSessionID},
		{"session required", []map[string]any{{"body": "x"}}, true, failure.CodeSessionMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := message.FromMaps(tc.tables, tc.need)
			require.Error(t, err)
			assert.Equal(t, tc.code, failure.CodeOf(err), "got %v", err)
		})
	}
}

func TestFromReceivedAndOutgoing(t *testing.T) {
	rm := &types.ReceivedMessage{
		MessageID:             "m-1",
		SessionID:             "A",
		Body:                  []byte("payload"),
		ApplicationProperties: map[string]any{"k": "v"},
		EnqueuedAt:            time.Now(),
	}

	p := message.FromReceived(rm)
	assert.Equal(t, &types.PreparedMessage{
		SessionID:             "A",
		Body:                  "payload",
		ApplicationProperties: map[string]any{"k": "v", types.MessageIDProperty: "m-1"},
	}, p)
	assert.NotContains(t, rm.ApplicationProperties, types.MessageIDProperty, "source is not modified")

	out := message.Outgoing(p)
	assert.Equal(t, &types.OutgoingMessage{
		MessageID:             "m-1",
		SessionID:             "A",
		ApplicationProperties: map[string]any{"k": "v"},
		Body:                  []byte("payload"),
	}, out)
	assert.Contains(t, p.ApplicationProperties, types.MessageIDProperty, "template is not modified")
}

func TestOutgoing_NoMessageID(t *testing.T) {
	out := message.Outgoing(&types.PreparedMessage{Body: "b", ApplicationProperties: map[string]any{types.MessageIDProperty: 7}})
	assert.Empty(t, out.MessageID, "only string ids are promoted")
	assert.Equal(t, 7, out.ApplicationProperties[types.MessageIDProperty])

	out = message.Outgoing(&types.PreparedMessage{Body: "b", ApplicationProperties: map[string]any{types.MessageIDProperty: "id"}})
	assert.Equal(t, "id", out.MessageID)
	assert.Nil(t, out.ApplicationProperties)
}
