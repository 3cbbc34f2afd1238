package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradeboard/tradeboard/internal/prices"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m serverMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func snapshot(vals map[string]string) prices.Prices {
	p := prices.Prices{}
	for id, v := range vals {
		p[id] = map[string]decimal.Decimal{"usd": decimal.RequireFromString(v)}
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSubscribeAndPublish(t *testing.T) {
	h := NewHub(nil, 10, quietLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(clientMessage{Type: "subscribe", IDs: []string{"Bitcoin", "ethereum"}}); err != nil {
		t.Fatal(err)
	}
	ack := readMessage(t, conn)
	if ack.Type != "subscribed" || strings.Join(ack.IDs, ",") != "bitcoin,ethereum" {
		t.Fatalf("ack: got %+v", ack)
	}

	h.Publish(snapshot(map[string]string{"bitcoin": "67000.5", "solana": "150"}))
	m := readMessage(t, conn)
	if m.Type != "prices" {
		t.Fatalf("type: got %q", m.Type)
	}
	if _, ok := m.Data["solana"]; ok {
		t.Error("unsubscribed coin leaked into update")
	}
	if got := m.Data["bitcoin"]["usd"].String(); got != "67000.5" {
		t.Errorf("bitcoin usd: got %q", got)
	}

	if err := conn.WriteJSON(clientMessage{Type: "unsubscribe", IDs: []string{"bitcoin"}}); err != nil {
		t.Fatal(err)
	}
	ack = readMessage(t, conn)
	if strings.Join(ack.IDs, ",") != "ethereum" {
		t.Errorf("ack after unsubscribe: got %+v", ack)
	}

	h.Publish(snapshot(map[string]string{"bitcoin": "1", "ethereum": "3100"}))
	m = readMessage(t, conn)
	if _, ok := m.Data["bitcoin"]; ok || len(m.Data) != 1 {
		t.Errorf("after unsubscribe: got %+v", m.Data)
	}
}

func TestHubSendsSnapshotOnSubscribe(t *testing.T) {
	h := NewHub(nil, 10, quietLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	h.Publish(snapshot(map[string]string{"solana": "150.25"}))

	conn := dial(t, srv)
	_ = conn.WriteJSON(clientMessage{Type: "subscribe", IDs: []string{"solana"}})
	_ = readMessage(t, conn) // ack
	m := readMessage(t, conn)
	if m.Type != "prices" || m.Data["solana"]["usd"].String() != "150.25" {
		t.Errorf("snapshot: got %+v", m)
	}
}

func TestHubRejectsBadMessages(t *testing.T) {
	h := NewHub(nil, 10, quietLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if m := readMessage(t, conn); m.Type != "error" {
		t.Errorf("got %+v", m)
	}
	_ = conn.WriteJSON(map[string]string{"type": "explode"})
	if m := readMessage(t, conn); m.Type != "error" || m.Error != "unknown message type" {
		t.Errorf("got %+v", m)
	}
}

func TestHubConnectionLimit(t *testing.T) {
	h := NewHub(nil, 1, quietLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	_ = dial(t, srv)
	waitFor(t, func() bool { return h.Len() == 1 })

	second := dial(t, srv)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if h.Len() != 1 {
		t.Errorf("Len: got %d, want 1", h.Len())
	}
}

func TestHubRemovesClientOnDisconnect(t *testing.T) {
	h := NewHub(nil, 10, quietLogger())
	var last atomic.Int32
	last.Store(-1)
	h.OnConnChange(func(n int) { last.Store(int32(n)) })
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return h.Len() == 1 })
	waitFor(t, func() bool { return last.Load() == 1 })
	_ = conn.Close()
	waitFor(t, func() bool { return h.Len() == 0 })
	waitFor(t, func() bool { return last.Load() == 0 })
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(nil, 10, quietLogger())
	slow := &client{
		send: make(chan []byte), // no writer: every send would block
		done: make(chan struct{}),
		ids:  map[string]struct{}{"bitcoin": {}},
	}
	h.clients[slow] = struct{}{}

	h.Publish(snapshot(map[string]string{"bitcoin": "1"}))

	if h.Len() != 0 {
		t.Errorf("slow client not dropped, Len=%d", h.Len())
	}
	select {
	case <-slow.done:
	default:
		t.Error("slow client not closed")
	}
}

func TestUpgraderOriginCheck(t *testing.T) {
	u := makeUpgrader([]string{"https://tradeboard.example"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/prices", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	if !u.CheckOrigin(req("https://tradeboard.example")) {
		t.Error("allowed origin rejected")
	}
	if u.CheckOrigin(req("https://evil.example")) {
		t.Error("foreign origin accepted")
	}
	if !u.CheckOrigin(req("")) {
		t.Error("non-browser client rejected")
	}
}

func TestServerMessageShape(t *testing.T) {
	var p prices.Prices
	if err := json.Unmarshal([]byte(`{"bitcoin":{"usd":67012.55,"usd_24h_change":-1.2}}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, err := json.Marshal(serverMessage{Type: "prices", Data: p})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"prices","data":{"bitcoin":{"usd":67012.55,"usd_24h_change":-1.2}}}`
	if string(data) != want {
		t.Errorf("encoding = %s, want %s", data, want)
	}
}
