package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"rentsync/internal/bus"
	"rentsync/internal/errs"
	myMiddleware "rentsync/internal/middleware"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	authTimeout = 5 * time.Second
	saveTimeout = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// MessageStore persists chat messages posted through the gateway.
type MessageStore interface {
	SaveMessage(ctx context.Context, chatID, senderID string, body json.RawMessage) error
}

type GatewayOption func(*Gateway)

func WithMessageStore(s MessageStore) GatewayOption {
	return func(g *Gateway) { g.messages = s }
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// Gateway admits websocket connections after authentication and routes
// their events.
type Gateway struct {
	registry *Registry
	router   *Router
	bus      *bus.Bus
	auth     Authenticator
	messages MessageStore
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewGateway(registry *Registry, router *Router, b *bus.Bus, auth Authenticator, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry: registry,
		router:   router,
		bus:      b,
		auth:     auth,
		logger:   logger.Named("gateway"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }
func (g *Gateway) Router() *Router     { return g.router }

// ServeWs upgrades the request. A token on the request authenticates the
// connection immediately; otherwise the client must send authenticate.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConn(ws)
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	go c.writePump()

	if token := myMiddleware.TokenFromRequest(r); token != "" {
		if !g.authenticate(c, token, r.URL.Query().Get("app")) {
			g.forget(c)
			return
		}
	}
	go c.readPump(g.handleFrame, g.handleClose)
}

func (g *Gateway) authenticate(c *Conn, token, app string) bool {
	ctx, cancel := context.WithTimeout(g.ctx, authTimeout)
	defer cancel()

	id, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		g.logger.Warn("connection rejected", zap.String("remote", c.remote))
		c.closeWith(CloseAuthFailed, errs.ErrAuthFailed.Error())
		return false
	}
	if app == "" {
		app = id.Role
	}

	c.bind(id.UserID, app)
	if prev := g.registry.Register(id.UserID, c); prev != nil {
		g.logger.Debug("connection superseded",
			zap.String("user_id", id.UserID), zap.String("conn_id", prev.ID()))
	}
	g.logger.Info("connection authenticated",
		zap.String("user_id", id.UserID), zap.String("app", app), zap.String("conn_id", c.ID()))

	c.Send(Authenticated{UserID: id.UserID, App: app, ConnID: c.ID()})
	return true
}

func (g *Gateway) handleFrame(c *Conn, raw []byte) {
	msg, err := parseInbound(raw)
	if err != nil {
		g.logger.Debug("dropping client frame", zap.String("conn_id", c.ID()), zap.Error(err))
		return
	}

	if auth, ok := msg.(*AuthenticateRequest); ok {
		if c.Authenticated() {
			return
		}
		g.authenticate(c, auth.Token, auth.App)
		return
	}
	if !c.Authenticated() {
		g.logger.Debug("frame before authentication", zap.String("conn_id", c.ID()))
		return
	}

	switch m := msg.(type) {
	case *JoinChat:
		g.router.Join(c, ChatRoom(string(m.ChatID)))
	case *LeaveChat:
		g.router.Leave(c, ChatRoom(string(m.ChatID)))
	case *SubscribeProperty:
		g.router.Join(c, PropertyRoom(string(m.PropertyID)))
	case *UnsubscribeProperty:
		g.router.Leave(c, PropertyRoom(string(m.PropertyID)))
	case *SubscribeNotifications:
		if string(m.UserID) != c.UserID() {
			g.logger.Warn("notification subscription for another user",
				zap.String("user_id", c.UserID()), zap.String("requested", string(m.UserID)))
			return
		}
		g.router.Join(c, UserRoom(c.UserID()))
	case *SendMessage:
		g.postMessage(c, m)
	case *PrivateMessageRequest:
		g.SendDirect(string(m.To), PrivateMessage{
			From:       c.UserID(),
			Message:    m.Message,
			PropertyID: string(m.PropertyID),
			Timestamp:  g.now().UTC(),
		})
	}
}

func (g *Gateway) postMessage(c *Conn, m *SendMessage) {
	chatID := string(m.ChatID)
	if g.messages != nil {
		ctx, cancel := context.WithTimeout(g.ctx, saveTimeout)
		err := g.messages.SaveMessage(ctx, chatID, c.UserID(), m.Message)
		cancel()
		if err != nil {
			g.logger.Error("persist chat message", zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	posted := ChatPosted{
		ChatID:    chatID,
		From:      c.UserID(),
		ConnID:    c.ID(),
		Message:   m.Message,
		Timestamp: g.now().UTC(),
	}
	if err := g.bus.Publish(TopicChat, EventNewMessage, posted); err != nil {
		g.logger.Warn("publish chat message", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func (g *Gateway) handleClose(c *Conn) {
	if userID := c.UserID(); userID != "" {
		g.registry.Unregister(userID, c)
	}
	g.router.LeaveAll(c)
	g.forget(c)
	g.logger.Info("connection closed", zap.String("user_id", c.UserID()), zap.String("conn_id", c.ID()))
}

func (g *Gateway) forget(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// SendDirect delivers ev to the user's connection on this instance, or
// hands it to the other instances. It reports whether it was delivered
// locally; a miss is not an error.
func (g *Gateway) SendDirect(userID string, ev Outbound) bool {
	frame, err := EncodeFrame(ev)
	if err != nil {
		g.logger.Error("encode direct event", zap.String("event", ev.EventName()), zap.Error(err))
		return false
	}
	if g.DeliverLocal(userID, frame) {
		return true
	}
	if err := g.bus.Publish(TopicDirect, ev.EventName(), DirectEnvelope{UserID: userID, Frame: frame}); err != nil {
		g.logger.Debug("forward direct event", zap.String("user_id", userID), zap.Error(err))
	}
	return false
}

// DeliverLocal writes an encoded frame to the user's connection on this
// instance only.
func (g *Gateway) DeliverLocal(userID string, frame []byte) bool {
	c, ok := g.registry.Lookup(userID)
	if !ok {
		return false
	}
	return c.sendFrame(frame) == nil
}

// Broadcast sends ev to every connection, restricted to one application
// variant when app is set, here and on the other instances. It returns the
// local delivery count.
func (g *Gateway) Broadcast(ev Outbound, app string) int {
	frame, err := EncodeFrame(ev)
	if err != nil {
		g.logger.Error("encode broadcast", zap.String("event", ev.EventName()), zap.Error(err))
		return 0
	}
	n := g.BroadcastLocal(frame, app)
	if err := g.bus.Publish(TopicBroadcast, ev.EventName(), BroadcastEnvelope{App: app, Frame: frame}); err != nil {
		g.logger.Debug("forward broadcast", zap.Error(err))
	}
	return n
}

func (g *Gateway) BroadcastLocal(frame []byte, app string) int {
	delivered := 0
	for _, c := range g.registry.ListAll() {
		if app != "" && c.App() != app {
			continue
		}
		if c.sendFrame(frame) == nil {
			delivered++
		}
	}
	return delivered
}

// EmitToRoom delivers ev to the members of room on this instance.
func (g *Gateway) EmitToRoom(room string, ev Outbound, except ...string) int {
	return g.router.EmitToRoom(room, ev, except...)
}

// Close disconnects every connection.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	g.logger.Info("gateway closed", zap.Int("connections", len(conns)))
}
