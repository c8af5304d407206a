// Package message builds outbound message templates from loosely shaped
// input and converts them to what a broker sender transmits.
package message

import (
	"fmt"
	"maps"
	"strings"

	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/types"
)

// ByParts builds one message per body. props holds either nothing, one map
// applied to every message, or exactly one map per body.
func ByParts(bodies []string, sessionID string, props ...map[string]any) ([]*types.PreparedMessage, error) {
	if len(bodies) == 0 {
		return nil, failure.New(failure.CodeEmptyInput, "", "no message bodies given")
	}
	if n := len(props); n > 1 && n != len(bodies) {
		return nil, failure.New(failure.CodeInvalidArgument, "",
			fmt.Sprintf("%d property sets for %d bodies: give none, one, or one per body", n, len(bodies)))
	}

	out := make([]*types.PreparedMessage, len(bodies))
	for i, body := range bodies {
		m := &types.PreparedMessage{SessionID: sessionID, Body: body}
		switch len(props) {
		case 0:
		case 1:
			m.ApplicationProperties = maps.Clone(props[0])
		default:
			m.ApplicationProperties = maps.Clone(props[i])
		}
		out[i] = m
	}
	return out, nil
}

// FromMaps builds messages from decoded documents such as JSON lines. Each
// table needs a string "body" and may carry a string "sessionId" and a
// "customProperties" map; keys match case-insensitively. Either every message
// has a session id or none has, and needSessionID requires every one to.
func FromMaps(tables []map[string]any, needSessionID bool) ([]*types.PreparedMessage, error) {
	if len(tables) == 0 {
		return nil, failure.New(failure.CodeEmptyInput, "", "no messages given")
	}

	out := make([]*types.PreparedMessage, 0, len(tables))
	withSession := 0
	for i, t := range tables {
		m, err := fromMap(t)
		if err != nil {
			return nil, failure.Wrap(failure.CodeInvalidArgument, fmt.Sprintf("message %d", i), err)
		}
		if m.SessionID != "" {
			withSession++
		}
		out = append(out, m)
	}

	switch {
	case needSessionID && withSession < len(out):
		return nil, failure.New(failure.CodeSessionMissing, "",
			fmt.Sprintf("%d of %d messages have no session id", len(out)-withSession, len(out)))
	case withSession > 0 && withSession < len(out):
		return nil, failure.New(failure.CodeMixedSessionID, "",
			"either every message carries a session id or none does")
	}
	return out, nil
}

func fromMap(t map[string]any) (*types.PreparedMessage, error) {
	var m types.PreparedMessage

	body, ok := get(t, "body")
	if !ok {
		return nil, fmt.Errorf(`missing "body"`)
	}
	if m.Body, ok = body.(string); !ok {
		return nil, fmt.Errorf(`"body" must be a string, got %T`, body)
	}

	if sid, ok := get(t, "sessionId"); ok && sid != nil {
		s, ok := sid.(string)
		if !ok {
			return nil, fmt.Errorf(`"sessionId" must be a string, got %T`, sid)
		}
		m.SessionID = s
	}

	if p, ok := get(t, "customProperties"); ok && p != nil {
		props, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf(`"customProperties" must be a map, got %T`, p)
		}
		m.ApplicationProperties = maps.Clone(props)
	}
	return &m, nil
}

func get(t map[string]any, key string) (any, bool) {
	if v, ok := t[key]; ok {
		return v, true
	}
	for k, v := range t {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// FromReceived turns a received message back into a template for
// re-injection. The session id and application properties are kept, and the
// original message id travels as the MessageId property.
func FromReceived(msg *types.ReceivedMessage) *types.PreparedMessage {
	props := maps.Clone(msg.ApplicationProperties)
	if msg.MessageID != "" {
		if props == nil {
			props = make(map[string]any, 1)
		}
		props[types.MessageIDProperty] = msg.MessageID
	}
	return &types.PreparedMessage{
		SessionID:             msg.SessionID,
		ApplicationProperties: props,
		Body:                  string(msg.Body),
	}
}

// Outgoing converts a template to a broker message. A string MessageId
// property becomes the broker message id and is removed from the properties.
func Outgoing(p *types.PreparedMessage) *types.OutgoingMessage {
	m := &types.OutgoingMessage{
		SessionID:             p.SessionID,
		ApplicationProperties: maps.Clone(p.ApplicationProperties),
		Body:                  []byte(p.Body),
	}
	if id, ok := m.ApplicationProperties[types.MessageIDProperty].(string); ok && id != "" {
		m.MessageID = id
		delete(m.ApplicationProperties, types.MessageIDProperty)
		if len(m.ApplicationProperties) == 0 {
			m.ApplicationProperties = nil
		}
	}
	return m
}
