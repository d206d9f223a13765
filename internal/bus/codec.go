package bus

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

func encode(ev Event) ([]byte, error) {
	b, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s/%s: %w", ev.Topic, ev.Type, err)
	}
	return b, nil
}

func decode(b []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
