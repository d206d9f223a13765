package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rentsync/internal/bus"
	"rentsync/internal/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAuth map[string]Identity

func (s stubAuth) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := s[token]
	if !ok {
		return Identity{}, errs.ErrInvalidToken
	}
	return id, nil
}

var testUsers = stubAuth{
	"tenant-token":   {UserID: "1", Username: "alice", Role: "tenant"},
	"landlord-token": {UserID: "2", Username: "bob", Role: "landlord"},
	"other-token":    {UserID: "3", Username: "carol", Role: "tenant"},
}

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New("gateway-test", nil, logger)
	g := NewGateway(NewRegistry(), NewRouter(logger), b, testUsers, logger)

	srv := httptest.NewServer(http.HandlerFunc(g.ServeWs))
	t.Cleanup(func() {
		g.Close()
		srv.Close()
		b.Close()
	})
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(Frame{Event: event, Data: raw}))
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func login(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	c := dial(t, url)
	sendFrame(t, c, EventAuthenticate, AuthenticateRequest{Token: token})
	f := readFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event)
	return c
}

func (g *Gateway) openConns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func TestAuthenticateThenSendDirect(t *testing.T) {
	g, url := newTestGateway(t)
	c := login(t, url, "tenant-token")

	_, ok := g.Registry().Lookup("1")
	require.True(t, ok)

	delivered := g.SendDirect("1", Notification{Type: "message", Content: json.RawMessage(`{"msg":"hi"}`)})
	assert.True(t, delivered)

	f := readFrame(t, c)
	assert.Equal(t, EventNotification, f.Event)
	var n Notification
	require.NoError(t, json.Unmarshal(f.Data, &n))
	assert.JSONEq(t, `{"msg":"hi"}`, string(n.Content))
}

func TestHandshakeToken(t *testing.T) {
	g, url := newTestGateway(t)
	c := dial(t, url+"?token=landlord-token")

	f := readFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event)
	var a Authenticated
	require.NoError(t, json.Unmarshal(f.Data, &a))
	assert.Equal(t, "2", a.UserID)
	assert.Equal(t, "landlord", a.App, "variant defaults to the user's role")

	conn, ok := g.Registry().Lookup("2")
	require.True(t, ok)
	assert.Equal(t, "landlord", conn.App())
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	g, url := newTestGateway(t)
	c := dial(t, url)
	sendFrame(t, c, EventAuthenticate, AuthenticateRequest{Token: "forged"})

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
	assert.Equal(t, errs.ErrAuthFailed.Error(), closeErr.Text)
	assert.Equal(t, 0, g.Registry().Len())
}

func TestInvalidHandshakeTokenClosesConnection(t *testing.T) {
	g, url := newTestGateway(t)
	c := dial(t, url+"?token=forged")

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
	assert.Equal(t, errs.ErrAuthFailed.Error(), closeErr.Text)
	assert.Equal(t, 0, g.Registry().Len())
}

func TestFramesBeforeAuthenticationIgnored(t *testing.T) {
	g, url := newTestGateway(t)
	c := dial(t, url)
	sendFrame(t, c, EventJoinChat, JoinChat{ChatID: "chat123"})
	sendFrame(t, c, EventAuthenticate, AuthenticateRequest{Token: "tenant-token"})
	require.Equal(t, EventAuthenticated, readFrame(t, c).Event)

	assert.Empty(t, g.Router().Members(ChatRoom("chat123")))
}

func TestSendDirectOfflineIsNoop(t *testing.T) {
	g, _ := newTestGateway(t)
	assert.NotPanics(t, func() {
		assert.False(t, g.SendDirect("404", Notification{Type: "message"}))
	})
}

func TestPrivateMessage(t *testing.T) {
	_, url := newTestGateway(t)
	alice := login(t, url, "tenant-token")
	bob := login(t, url, "landlord-token")

	sendFrame(t, alice, EventPrivateMessage, map[string]any{"to": 2, "message": "about the flat", "propertyId": "p9"})

	f := readFrame(t, bob)
	require.Equal(t, EventPrivateMessageTo, f.Event)
	var pm PrivateMessage
	require.NoError(t, json.Unmarshal(f.Data, &pm))
	assert.Equal(t, "1", pm.From)
	assert.Equal(t, "p9", pm.PropertyID)
	assert.JSONEq(t, `"about the flat"`, string(pm.Message))
}

func TestSupersededConnectionKeepsNewer(t *testing.T) {
	g, url := newTestGateway(t)
	first := login(t, url, "tenant-token")
	second := login(t, url, "tenant-token")

	first.Close()
	require.Eventually(t, func() bool { return g.openConns() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, ok := g.Registry().Lookup("1")
	require.True(t, ok)
	require.True(t, g.SendDirect("1", Notification{Type: "ping", Content: json.RawMessage(`1`)}))
	assert.Equal(t, EventNotification, readFrame(t, second).Event)
}

func TestDisconnectCleansUp(t *testing.T) {
	g, url := newTestGateway(t)
	c := login(t, url, "tenant-token")

	sendFrame(t, c, EventJoinChat, JoinChat{ChatID: "chat123"})
	sendFrame(t, c, EventSubscribeNotifications, SubscribeNotifications{UserID: "1"})
	// a private message to ourselves marks the point where both joins are done
	sendFrame(t, c, EventPrivateMessage, PrivateMessageRequest{To: "1", Message: json.RawMessage(`"sync"`)})
	require.Equal(t, EventPrivateMessageTo, readFrame(t, c).Event)

	conn, ok := g.Registry().Lookup("1")
	require.True(t, ok)
	assert.Equal(t, []string{ChatRoom("chat123"), UserRoom("1")}, g.Router().Rooms(conn))

	c.Close()
	require.Eventually(t, func() bool { return g.openConns() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, g.Registry().Len())
	assert.Empty(t, g.Router().Rooms(conn))
	assert.Empty(t, g.Router().Members(ChatRoom("chat123")))
}

func TestSubscribeNotificationsForAnotherUser(t *testing.T) {
	g, url := newTestGateway(t)
	c := login(t, url, "tenant-token")

	sendFrame(t, c, EventSubscribeNotifications, SubscribeNotifications{UserID: "2"})
	sendFrame(t, c, EventPrivateMessage, PrivateMessageRequest{To: "1", Message: json.RawMessage(`"sync"`)})
	require.Equal(t, EventPrivateMessageTo, readFrame(t, c).Event)

	assert.Empty(t, g.Router().Members(UserRoom("2")))
}

func TestBroadcastByVariant(t *testing.T) {
	g, url := newTestGateway(t)
	tenant := login(t, url, "tenant-token")
	landlord := login(t, url, "landlord-token")

	n := g.Broadcast(BroadcastMessage{Message: json.RawMessage(`"maintenance tonight"`)}, "landlord")
	assert.Equal(t, 1, n)
	assert.Equal(t, EventBroadcastMessage, readFrame(t, landlord).Event)

	assert.Equal(t, 2, g.Broadcast(BroadcastMessage{Message: json.RawMessage(`"hello all"`)}, ""))
	f := readFrame(t, tenant)
	require.Equal(t, EventBroadcastMessage, f.Event)
	assert.Contains(t, string(f.Data), "hello all")
}

func TestNotifyHandler(t *testing.T) {
	g, url := newTestGateway(t)
	c := login(t, url, "other-token")
	h := NewHandler(g)

	body := bytes.NewBufferString(`{"userId":3,"type":"booking","content":{"status":"confirmed"}}`)
	w := httptest.NewRecorder()
	h.Notify(w, httptest.NewRequest(http.MethodPost, "/api/notifications", body))
	require.Equal(t, http.StatusAccepted, w.Code)

	f := readFrame(t, c)
	require.Equal(t, EventNotification, f.Event)
	var n Notification
	require.NoError(t, json.Unmarshal(f.Data, &n))
	assert.Equal(t, "booking", n.Type)
	assert.Empty(t, n.From)

	w = httptest.NewRecorder()
	h.Notify(w, httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(`{"type":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcastHandlerRequiresMessage(t *testing.T) {
	g, _ := newTestGateway(t)
	w := httptest.NewRecorder()
	NewHandler(g).Broadcast(w, httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
