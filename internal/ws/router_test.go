package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(c *Conn) []Frame {
	var out []Frame
	for {
		select {
		case raw := <-c.send:
			var f Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func TestRouterJoinEmitLeave(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	c := newConn(nil)
	room := PropertyRoom("p1")

	require.True(t, rt.Join(c, room))
	assert.Equal(t, 1, rt.EmitToRoom(room, PropertyUpdate{PropertyID: "p1", Operation: "insert"}))

	frames := drain(c)
	require.Len(t, frames, 1)
	assert.Equal(t, EventPropertyUpdate, frames[0].Event)

	rt.Leave(c, room)
	assert.Equal(t, 0, rt.EmitToRoom(room, PropertyUpdate{PropertyID: "p1", Operation: "update"}))
	assert.Empty(t, drain(c))
}

func TestRouterJoinIsIdempotent(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	c := newConn(nil)

	rt.Join(c, "chat:1")
	rt.Join(c, "chat:1")
	assert.Equal(t, 1, rt.EmitToRoom("chat:1", NewMessage{ChatID: "1"}))
	assert.Len(t, drain(c), 1)
}

func TestRouterLeaveTwice(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	c := newConn(nil)
	rt.Join(c, "chat:1")
	rt.Join(c, "chat:2")

	rt.Leave(c, "chat:1")
	once := rt.Rooms(c)
	rt.Leave(c, "chat:1")
	assert.Equal(t, once, rt.Rooms(c))
	assert.Equal(t, []string{"chat:2"}, rt.Rooms(c))

	assert.NotPanics(t, func() { rt.Leave(newConn(nil), "nowhere") })
}

func TestRouterLeaveAll(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	c := newConn(nil)
	rt.Join(c, ChatRoom("1"))
	rt.Join(c, PropertyRoom("1"))
	rt.Join(c, UserRoom("1"))

	rt.LeaveAll(c)
	assert.Empty(t, rt.Rooms(c))
	assert.Empty(t, rt.Members(ChatRoom("1")))
}

func TestRouterRefusesClosedConn(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	c := newConn(nil)
	c.Close()
	assert.False(t, rt.Join(c, "chat:1"))
	assert.Empty(t, rt.Members("chat:1"))
}

func TestRouterEmitIsolatesDeadMembers(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	alive, dead, full := newConn(nil), newConn(nil), newConn(nil)
	for _, c := range []*Conn{alive, dead, full} {
		rt.Join(c, "chat:1")
	}
	dead.Close()
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, full.sendFrame([]byte(`{}`)))
	}

	assert.Equal(t, 1, rt.EmitToRoom("chat:1", NewMessage{ChatID: "1"}))
	assert.Len(t, drain(alive), 1)
	assert.True(t, full.Closed(), "slow consumer is disconnected")
}

func TestRouterEmitExcept(t *testing.T) {
	rt := NewRouter(zap.NewNop())
	a, b := newConn(nil), newConn(nil)
	rt.Join(a, "chat:1")
	rt.Join(b, "chat:1")

	assert.Equal(t, 1, rt.EmitToRoom("chat:1", NewMessage{ChatID: "1"}, a.ID()))
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
}
