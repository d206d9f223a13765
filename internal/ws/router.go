package ws

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

func ChatRoom(chatID string) string         { return "chat:" + chatID }
func PropertyRoom(propertyID string) string { return "property:" + propertyID }
func UserRoom(userID string) string         { return "user:" + userID }

// Router tracks room membership. Room ids are opaque.
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{}
	joined map[*Conn]map[string]struct{}
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger: logger.Named("router"),
		rooms:  make(map[string]map[*Conn]struct{}),
		joined: make(map[*Conn]map[string]struct{}),
	}
}

// Join adds c to room. Closed connections are refused.
func (rt *Router) Join(c *Conn, room string) bool {
	if room == "" || c.Closed() {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	members, ok := rt.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		rt.rooms[room] = members
	}
	members[c] = struct{}{}

	rooms, ok := rt.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		rt.joined[c] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

func (rt *Router) Leave(c *Conn, room string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.leave(c, room)
}

// LeaveAll removes c from every room it joined.
func (rt *Router) LeaveAll(c *Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for room := range rt.joined[c] {
		rt.leave(c, room)
	}
}

func (rt *Router) leave(c *Conn, room string) {
	if members, ok := rt.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(rt.rooms, room)
		}
	}
	if rooms, ok := rt.joined[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(rt.joined, c)
		}
	}
}

// EmitToRoom sends ev to every member of room except the connections
// named in except, and returns how many sends were queued.
func (rt *Router) EmitToRoom(room string, ev Outbound, except ...string) int {
	frame, err := EncodeFrame(ev)
	if err != nil {
		rt.logger.Error("encode room event", zap.String("room", room), zap.Error(err))
		return 0
	}
	return rt.emitFrame(room, frame, except)
}

func (rt *Router) emitFrame(room string, frame []byte, except []string) int {
	delivered := 0
	for _, c := range rt.Members(room) {
		if slices.Contains(except, c.ID()) {
			continue
		}
		// one dead member must not stop the others
		if err := c.sendFrame(frame); err != nil {
			rt.logger.Debug("room delivery skipped",
				zap.String("room", room), zap.String("conn_id", c.ID()), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns a snapshot of room's connections.
func (rt *Router) Members(room string) []*Conn {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	members := rt.rooms[room]
	out := make([]*Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// Rooms returns the rooms c has joined, sorted.
func (rt *Router) Rooms(c *Conn) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.joined[c]))
	for room := range rt.joined[c] {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}
