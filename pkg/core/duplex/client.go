package duplex

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stillpoint-app/checkin/pkg/core"
)

const defaultConnectTimeout = 15 * time.Second

// ConnState is the connection lifecycle state of the client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Handlers are the inbound callbacks. They are invoked from a single read
// goroutine, so delivery follows emission order. Nil fields are skipped.
type Handlers struct {
	OnConnected    func()
	OnAudioChunk   func(pcm []byte)
	OnTranscript   func(role, text string, final bool)
	OnWidget       func(id, widgetType string, args []byte)
	OnTurnComplete func()
	OnError        func(err error)
}

// Client is the long-lived owner of the duplex websocket. An orchestrator
// rebinds handlers across session re-entry rather than recreating the
// client, so the network resource survives remounts.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	mu    sync.Mutex
	state ConnState
	conn  *websocket.Conn
	done  chan struct{}

	handlersMu sync.RWMutex
	handlers   Handlers

	writeMu sync.Mutex
	seq     atomic.Int64
}

// NewClient creates a disconnected client for the given endpoint.
func NewClient(url string, header http.Header, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: logger,
		state:  StateDisconnected,
	}
}

// Bind replaces the inbound handlers. Safe to call while connected; this is
// how a re-entering session reattaches to a live client.
func (c *Client) Bind(h Handlers) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = h
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint. Calls while Connecting or Ready are no-ops.
// The dial is bounded by the caller's context deadline, or a default
// timeout when none is set. Failure is surfaced as a ConnectionError and is
// never retried here.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return core.NewInvalidRequestError("client must not be nil", "client")
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if resp != nil {
			return core.NewConnectionError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return core.NewConnectionError("websocket dial failed", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.state = StateReady
	c.mu.Unlock()

	go c.readLoop(conn, done)

	if h := c.snapshot(); h.OnConnected != nil {
		h.OnConnected()
	}
	return nil
}

// SendAudio forwards one captured PCM frame. When the client is not
// connected the frame is silently dropped, never queued, so reconnects do
// not replay stale audio.
func (c *Client) SendAudio(pcm []byte) error {
	if c == nil || len(pcm) == 0 {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready || conn == nil {
		return nil
	}
	return c.writeJSON(conn, encodeAudioFrame(pcm, c.seq.Add(1)))
}

// SendText sends a discrete text message. The shared write mutex orders it
// after any in-flight audio frame.
func (c *Client) SendText(text string) error {
	conn, err := c.requireConn()
	if err != nil {
		return err
	}
	return c.writeJSON(conn, clientTextFrame{Text: text})
}

// EndAudioStream signals end-of-turn without closing the channel.
func (c *Client) EndAudioStream() error {
	conn, err := c.requireConn()
	if err != nil {
		return err
	}
	return c.writeJSON(conn, clientEndFrame{EndOfAudioStream: true})
}

// Disconnect tears the connection down. Idempotent; a second call is a
// no-op. Any audio buffered in the transport is released with the socket.
func (c *Client) Disconnect() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) requireConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.conn == nil {
		return nil, core.NewConnectionError("client is not connected", nil)
	}
	return c.conn, nil
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return core.NewConnectionError("write frame", err)
	}
	return nil
}

func (c *Client) snapshot() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	// At-most-once widget delivery per id for this connection.
	seenWidgets := make(map[string]struct{})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			active := c.conn == conn
			if active {
				c.conn = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			if active && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if h := c.snapshot(); h.OnError != nil {
					h.OnError(core.NewConnectionError("read frame", err))
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, decodeErr := decodeServerFrame(data)
		if decodeErr != nil {
			// Malformed frames are dropped; the session continues.
			c.logger.Warn("dropping malformed frame", zap.Error(decodeErr))
			continue
		}

		h := c.snapshot()
		switch e := event.(type) {
		case AudioChunkEvent:
			if h.OnAudioChunk != nil {
				h.OnAudioChunk(e.Data)
			}
		case TranscriptEvent:
			if h.OnTranscript != nil {
				h.OnTranscript(e.Role, e.Text, e.Final)
			}
		case WidgetCallEvent:
			if e.ID != "" {
				if _, dup := seenWidgets[e.ID]; dup {
					continue
				}
				seenWidgets[e.ID] = struct{}{}
			}
			if h.OnWidget != nil {
				h.OnWidget(e.ID, e.Type, e.Args)
			}
		case TurnCompleteEvent:
			if h.OnTurnComplete != nil {
				h.OnTurnComplete()
			}
		case ErrorEvent:
			if h.OnError != nil {
				h.OnError(&core.Error{Type: core.ErrConnection, Message: e.Message, Code: e.Code})
			}
		}
	}
}
