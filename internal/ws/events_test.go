package ws

import (
	"encoding/json"
	"testing"

	"rentsync/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	msg, err := parseInbound([]byte(`{"event":"join-chat","data":{"chatId":"chat123"}}`))
	require.NoError(t, err)
	assert.Equal(t, &JoinChat{ChatID: "chat123"}, msg)

	msg, err = parseInbound([]byte(`{"event":"subscribe-notifications","data":{"userId":42}}`))
	require.NoError(t, err)
	assert.Equal(t, &SubscribeNotifications{UserID: "42"}, msg)

	msg, err = parseInbound([]byte(`{"event":"send-message","data":{"chatId":"c","message":{"text":"hi"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.(*SendMessage).Message))
}

func TestParseInboundRejects(t *testing.T) {
	_, err := parseInbound([]byte(`{"event":"dance"}`))
	assert.ErrorIs(t, err, errs.ErrUnknownEvent)

	for name, raw := range map[string]string{
		"not json":        `nope`,
		"missing chat id": `{"event":"join-chat","data":{}}`,
		"bool id":         `{"event":"subscribe-property","data":{"propertyId":true}}`,
		"empty message":   `{"event":"send-message","data":{"chatId":"c"}}`,
		"no recipient":    `{"event":"private-message","data":{"message":"x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseInbound([]byte(raw))
			assert.ErrorIs(t, err, errs.ErrInvalidFrame)
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	raw, err := EncodeFrame(PropertyUpdate{PropertyID: "p1", Data: json.RawMessage(`{"rent":900}`), Operation: "update"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"property-update","data":{"propertyId":"p1","data":{"rent":900},"operation":"update"}}`, string(raw))
}
