package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rentsync/internal/logger"
	"rentsync/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type loadTest struct {
	baseURL  string
	wsURL    string
	msgCount int
	logger   *zap.Logger

	sent     atomic.Int64
	received atomic.Int64
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 250, "number of user pairs; each pair shares one chat")
	msgs := flag.Int("msgs", 20, "messages per user")
	flag.Parse()

	log, err := logger.New("info")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	lt := &loadTest{
		baseURL:  strings.TrimSuffix(*baseURL, "/"),
		wsURL:    "ws" + strings.TrimPrefix(strings.TrimSuffix(*baseURL, "/"), "http") + "/ws",
		msgCount: *msgs,
		logger:   log,
	}

	log.Info("starting load test", zap.Int("users", *pairs*2), zap.Int("messages_per_user", *msgs))
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			lt.runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		zap.Int64("sent", lt.sent.Load()),
		zap.Int64("received", lt.received.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

func (lt *loadTest) runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA := lt.authenticate(userA, pass)
	tokenB := lt.authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	chatID := fmt.Sprintf("loadtest-%d", pairID)
	var wg sync.WaitGroup
	wg.Add(2)
	go lt.chat(&wg, tokenA, chatID, userA)
	go lt.chat(&wg, tokenB, chatID, userB)
	wg.Wait()
}

// authenticate registers (ignores error if exists) and logs in.
func (lt *loadTest) authenticate(username, password string) string {
	if resp, err := lt.postJSON("/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := lt.postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		lt.logger.Error("login failed", zap.String("user", username), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		lt.logger.Error("login rejected", zap.String("user", username), zap.Int("status", resp.StatusCode))
		return ""
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ""
	}
	return data.Token
}

func (lt *loadTest) chat(wg *sync.WaitGroup, token, chatID, user string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(lt.wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		lt.logger.Error("ws connect failed", zap.String("user", user), zap.Error(err))
		return
	}
	defer conn.Close()

	if err := writeFrame(conn, ws.EventJoinChat, ws.JoinChat{ChatID: ws.ID(chatID)}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var f ws.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event == ws.EventNewMessage {
				lt.received.Add(1)
			}
		}
	}()

	// give the peer a moment to join before the first message
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < lt.msgCount; i++ {
		body, _ := json.Marshal(fmt.Sprintf("LoadTest Msg %d from %s", i, user))
		if err := writeFrame(conn, ws.EventSendMessage, ws.SendMessage{ChatID: ws.ID(chatID), Message: body}); err != nil {
			lt.logger.Warn("send failed", zap.String("user", user), zap.Error(err))
			break
		}
		lt.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}
	<-done
}

func writeFrame(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(ws.Frame{Event: event, Data: raw})
}

func (lt *loadTest) postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(lt.baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
