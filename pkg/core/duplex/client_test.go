package duplex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stillpoint-app/checkin/pkg/core"
)

// fakeEndpoint is a minimal duplex server: it records inbound frames and
// plays back whatever the test scripts.
type fakeEndpoint struct {
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu       sync.Mutex
	inbound  []map[string]any
	conn     *websocket.Conn
	connOnce chan struct{}
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()
	f := &fakeEndpoint{connOnce: make(chan struct{})}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		close(f.connOnce)
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.mu.Lock()
			f.inbound = append(f.inbound, frame)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEndpoint) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeEndpoint) send(t *testing.T, v any) {
	t.Helper()
	select {
	case <-f.connOnce:
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fakeEndpoint) received() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.inbound))
	copy(out, f.inbound)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestClientConnectIdempotent(t *testing.T) {
	f := newFakeEndpoint(t)
	c := NewClient(f.url(), nil, nil)
	defer c.Disconnect()

	var mu sync.Mutex
	connects := 0
	c.Bind(Handlers{OnConnected: func() { mu.Lock(); connects++; mu.Unlock() }})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Errorf("OnConnected fired %d times, want 1", connects)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want READY", c.State())
	}
}

func TestClientConnectFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/duplex", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx)
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if !core.IsType(err, core.ErrConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state after failure = %v, want DISCONNECTED", c.State())
	}
}

func TestClientSendAudioDropsWhenDisconnected(t *testing.T) {
	c := NewClient("ws://unused", nil, nil)
	// Silent drop: no error, no queueing of stale audio.
	if err := c.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Errorf("SendAudio while disconnected returned %v, want nil", err)
	}
	if _, err := c.requireConn(); err == nil {
		t.Error("requireConn should fail while disconnected")
	}
}

func TestClientSendOrdering(t *testing.T) {
	f := newFakeEndpoint(t)
	c := NewClient(f.url(), nil, nil)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := c.SendText("wrap up"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.EndAudioStream(); err != nil {
		t.Fatalf("EndAudioStream: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.received()) == 3 })

	frames := f.received()
	if _, ok := frames[0]["audio"]; !ok {
		t.Errorf("frame 0 = %v, want audio", frames[0])
	}
	if frames[1]["text"] != "wrap up" {
		t.Errorf("frame 1 = %v, want text", frames[1])
	}
	if frames[2]["endOfAudioStream"] != true {
		t.Errorf("frame 2 = %v, want endOfAudioStream", frames[2])
	}
}

func TestClientWidgetAtMostOnce(t *testing.T) {
	f := newFakeEndpoint(t)
	c := NewClient(f.url(), nil, nil)
	defer c.Disconnect()

	var mu sync.Mutex
	var widgets []string
	turns := 0
	c.Bind(Handlers{
		OnWidget: func(id, widgetType string, args []byte) {
			mu.Lock()
			widgets = append(widgets, id)
			mu.Unlock()
		},
		OnTurnComplete: func() { mu.Lock(); turns++; mu.Unlock() },
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	widget := map[string]any{"widgetCall": map[string]any{"id": "w1", "type": "journal_prompt", "args": map[string]any{"prompt": "hi"}}}
	f.send(t, widget)
	f.send(t, widget) // duplicate id must be dropped
	f.send(t, map[string]any{"widgetCall": map[string]any{"id": "w2", "type": "breathing_exercise", "args": map[string]any{"type": "box", "duration": 60}}})
	f.send(t, map[string]any{"turnComplete": true})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return turns == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(widgets) != 2 || widgets[0] != "w1" || widgets[1] != "w2" {
		t.Errorf("widgets delivered = %v, want [w1 w2] in emission order", widgets)
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	f := newFakeEndpoint(t)
	c := NewClient(f.url(), nil, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", c.State())
	}
}

func TestClientRebindAcrossReconnect(t *testing.T) {
	f := newFakeEndpoint(t)
	c := NewClient(f.url(), nil, nil)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// The same client is rebound and reused, not recreated.
	var mu sync.Mutex
	connected := false
	c.Bind(Handlers{OnConnected: func() { mu.Lock(); connected = true; mu.Unlock() }})

	f2 := newFakeEndpoint(t)
	c.url = f2.url()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !connected {
		t.Error("rebound handler did not observe reconnect")
	}
}
