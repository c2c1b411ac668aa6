package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gofer-dev/gofer/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxFrameBytes  = 1 << 20
	sendBufferSize = 256
)

// Client is one WebSocket connection. Frames are written only by the write
// pump; everything else goes through the send channel.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	authed   atomic.Bool
	protoVer atomic.Int32

	mu          sync.Mutex
	scopes      map[string]bool
	nonce       string
	nonceIssued time.Time
	remoteAddr  string
	clientName  string
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server, remoteAddr string) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		server:     s,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
		scopes:     map[string]bool{},
		remoteAddr: remoteAddr,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Authenticated reports whether the connect handshake has completed.
func (c *Client) Authenticated() bool { return c.authed.Load() }

// ProtocolVersion returns the negotiated protocol version, 0 before connect.
func (c *Client) ProtocolVersion() int { return int(c.protoVer.Load()) }

// HasScope reports whether the client holds a scope. The wildcard scope
// granted by token and password auth satisfies everything.
func (c *Client) HasScope(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes[protocol.Wildcard] || c.scopes[scope]
}

// Run drives the connection: issues the challenge, then reads frames until
// the peer goes away or the context ends.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.issueChallenge()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway: read error", "client", c.id, "error", err)
			}
			return
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			c.enqueue(encodeErr(&protocol.Request{},
				protocol.NewError(protocol.CodeInvalidRequest, err.Error())))
			continue
		}

		if req.Method == protocol.MethodConnect {
			// Handshake runs inline so auth state is set before the next read.
			c.enqueue(c.server.handleConnect(ctx, c, req))
			continue
		}
		go func(req *protocol.Request) {
			c.enqueue(c.server.registry.Dispatch(ctx, c, req))
		}(req)
	}
}

// issueChallenge sends the connect.challenge event carrying the nonce device
// identities must sign.
func (c *Client) issueChallenge() {
	nonce := uuid.NewString()
	now := time.Now()
	c.mu.Lock()
	c.nonce = nonce
	c.nonceIssued = now
	c.mu.Unlock()

	frame := protocol.NewEventFrame(protocol.EventConnectChallenge, map[string]any{
		"nonce":     nonce,
		"timestamp": now.UTC().Format(time.RFC3339),
	})
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// SendEvent queues a broadcast frame. A client too slow to drain its buffer
// is dropped rather than allowed to stall the publisher.
func (c *Client) SendEvent(frame *protocol.EventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("gateway: marshal event failed", "event", frame.Event, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("gateway: client send buffer full, dropping connection", "client", c.id)
		c.Close()
	}
}

func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
