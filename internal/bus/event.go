package bus

import (
	"encoding/json"
	"slices"
	"time"
)

// Event is the envelope carried on the bus and across relays.
type Event struct {
	Topic     string          `json:"topic" msgpack:"topic"`
	Type      string          `json:"type" msgpack:"type"`
	Payload   json.RawMessage `json:"payload" msgpack:"payload"`
	Timestamp time.Time       `json:"timestamp" msgpack:"timestamp"`
	Origin    string          `json:"origin" msgpack:"origin"`
	// Targets restricts which instances act on the event. Empty means all.
	Targets []string `json:"targets,omitempty" msgpack:"targets,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Addressed reports whether the instance is allowed to act on e.
func (e Event) Addressed(instanceID string) bool {
	return len(e.Targets) == 0 || slices.Contains(e.Targets, instanceID)
}
