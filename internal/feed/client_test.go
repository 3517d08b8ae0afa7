package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

type fakeFeed struct {
	srv    *httptest.Server
	frames chan controlFrame
	conns  chan *websocket.Conn
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{frames: make(chan controlFrame, 16), conns: make(chan *websocket.Conn, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- c
		for {
			var fr controlFrame
			if err := wsjson.Read(context.Background(), c, &fr); err != nil {
				return
			}
			f.frames <- fr
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeFeed) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func (f *fakeFeed) nextFrame(t *testing.T) controlFrame {
	t.Helper()
	select {
	case fr := <-f.frames:
		return fr
	case <-time.After(3 * time.Second):
		t.Fatalf("no control frame received")
		return controlFrame{}
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(url, WithLogger(zap.NewNop()), WithReconnect(10, 5*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestSubscribeAndReceive(t *testing.T) {
	f := newFakeFeed(t)
	c := newTestClient(t, f.url())
	events := make(chan ChangeEvent, 4)
	c.OnEvent(func(ev ChangeEvent) { events <- ev })

	if err := c.Subscribe(context.Background(), "m1"); err != nil {
		t.Fatalf("Subscribe before connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srvConn := f.nextConn(t)
	if fr := f.nextFrame(t); fr.Action != "subscribe" || fr.MatchID != "m1" {
		t.Fatalf("unexpected frame: %+v", fr)
	}

	ctx := context.Background()
	_ = srvConn.Write(ctx, websocket.MessageText, []byte(`not json`))
	ev := ChangeEvent{EventType: EventUpdate, Table: TablePlayerStats, MatchID: "m1", Row: Row{TeamID: "home", PlayerID: "p1", Stats: domain.StatDeltas{"points": 4}}}
	if err := wsjson.Write(ctx, srvConn, ev); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case got := <-events:
		if got.MatchID != "m1" || got.Row.PlayerID != "p1" || got.Row.Stats["points"] != 4 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event not delivered")
	}

	if err := c.Unsubscribe(ctx, "m1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if fr := f.nextFrame(t); fr.Action != "unsubscribe" || fr.MatchID != "m1" {
		t.Fatalf("unexpected frame: %+v", fr)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	f := newFakeFeed(t)
	c := newTestClient(t, f.url())

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := f.nextConn(t)
	if err := c.Subscribe(context.Background(), "m2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if fr := f.nextFrame(t); fr.MatchID != "m2" {
		t.Fatalf("unexpected frame: %+v", fr)
	}

	_ = first.Close(websocket.StatusGoingAway, "restart")
	f.nextConn(t)
	if fr := f.nextFrame(t); fr.Action != "subscribe" || fr.MatchID != "m2" {
		t.Fatalf("expected resubscribe, got %+v", fr)
	}

	connected := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, s := range states {
			if s == StateConnected {
				n++
			}
		}
		return n
	}
	deadline := time.Now().Add(3 * time.Second)
	for connected() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := connected(); n != 2 {
		t.Fatalf("expected two connected transitions, got %d", n)
	}
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/feed", WithLogger(zap.NewNop()), WithReconnect(0, 0))
	defer func() { _ = c.Close(context.Background()) }()
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", c.State())
	}
	if err := c.send(context.Background(), controlFrame{Action: "subscribe", MatchID: "x"}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSubscribeDuringAttachIsSent(t *testing.T) {
	f := newFakeFeed(t)
	c := newTestClient(t, f.url())

	conn, err := c.dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	f.nextConn(t)
	// conn installed, subscriptions replayed, state not yet connected
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
	c.setState(StateConnecting)

	if err := c.Subscribe(context.Background(), "m3"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if fr := f.nextFrame(t); fr.Action != "subscribe" || fr.MatchID != "m3" {
		t.Fatalf("unexpected frame: %+v", fr)
	}
}
