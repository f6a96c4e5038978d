package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func dial(t *testing.T, srv *httptest.Server, businessID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?businessId=" + businessID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, h *Hub, businessID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers(businessID) < n {
		if time.Now().After(deadline) {
			t.Fatalf("%s never reached %d subscribers", businessID, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReachesOnlyThatBusiness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	a := dial(t, srv, "biz-a")
	b := dial(t, srv, "biz-b")
	waitSubscribers(t, hub, "biz-a", 1)
	waitSubscribers(t, hub, "biz-b", 1)

	hub.Publish("biz-a", EventNewMessage, map[string]string{"content": "oi"})

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != EventNewMessage || evt.Data["content"] != "oi" {
		t.Errorf("event = %+v", evt)
	}

	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := b.ReadMessage(); err == nil {
		t.Error("biz-b received biz-a's event")
	}
}

func TestServeWsRequiresBusiness(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	rec := httptest.NewRecorder()
	hub.ServeWs(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}
