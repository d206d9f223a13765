package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecPreservesEnvelope(t *testing.T) {
	ev := Event{
		Topic:     "bookings",
		Type:      "update",
		Payload:   json.RawMessage(`{"id":"b1","status":"confirmed"}`),
		Timestamp: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
		Origin:    "node-a",
		Targets:   []string{"node-b"},
	}

	data, err := encode(ev)
	require.NoError(t, err)
	got, err := decode(data)
	require.NoError(t, err)

	assert.Equal(t, ev.Topic, got.Topic)
	assert.Equal(t, ev.Origin, got.Origin)
	assert.Equal(t, ev.Targets, got.Targets)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
}

func TestDecodeGarbage(t *testing.T) {
	_, err := decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestAddressed(t *testing.T) {
	assert.True(t, Event{}.Addressed("a"))
	assert.True(t, Event{Targets: []string{"a", "b"}}.Addressed("b"))
	assert.False(t, Event{Targets: []string{"a"}}.Addressed("c"))
}
