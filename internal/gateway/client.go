package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/halogate/halogate/pkg/protocol"
)

const (
	defaultMaxBufferedBytes = 4 << 20
	defaultTickInterval     = 30 * time.Second
	writeTimeout            = 10 * time.Second
	deviceAuthSkew          = 5 * time.Minute
)

// queuedFrame is one frame waiting in a client's outbound buffer.
type queuedFrame struct {
	frame    protocol.Frame
	critical bool
	size     int64
}

// Client is one authenticated WebSocket connection. Events are buffered per
// connection; when the buffer overflows, the oldest droppable frames (run
// deltas) are discarded and a gap marker queued so the client knows its seq
// stream has a hole.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	role    string
	scopes  map[protocol.Scope]bool
	limiter *rate.Limiter

	mu          sync.Mutex
	queue       []queuedFrame
	queuedBytes int64
	maxBuffered int64
	dropped     int
	closed      bool
	wake        chan struct{}
	seq         uint64
}

// NewClient wraps an upgraded connection. The client is unusable until its
// hello handshake succeeds inside Run.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	maxBuffered := int64(defaultMaxBufferedBytes)
	var limiter *rate.Limiter
	if rpm := s.cfg().Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		server:      s,
		scopes:      map[protocol.Scope]bool{},
		limiter:     limiter,
		maxBuffered: maxBuffered,
		wake:        make(chan struct{}, 1),
	}
}

// ID returns the connection id assigned at accept time.
func (c *Client) ID() string { return c.id }

// HasScope reports whether the connection holds scope; admin implies all.
func (c *Client) HasScope(s protocol.Scope) bool {
	return c.scopes[protocol.ScopeAdmin] || c.scopes[s]
}

// Run performs the handshake then serves the connection until it drops.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(protocol.MaxPayloadBytes)

	if err := c.handshake(); err != nil {
		slog.Warn("handshake failed", "conn", c.id, "error", err)
		c.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// handshake reads the client's hello frame, authenticates it, and replies
// with hello_ok. Any other first frame, or a failed auth, closes the
// connection with a typed error frame.
func (c *Client) handshake() error {
	deadline := time.Now().Add(15 * time.Second)
	c.conn.SetReadDeadline(deadline)

	var frame protocol.Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if frame.Type != protocol.FrameHello || frame.Hello == nil {
		c.writeNow(protocol.Frame{Type: protocol.FrameErr,
			Error: protocol.NewError(protocol.ErrValidation, "first frame must be hello")})
		return fmt.Errorf("first frame was %q", frame.Type)
	}
	hello := frame.Hello

	if hello.MinProtocol > protocol.Version || (hello.MaxProtocol != 0 && hello.MaxProtocol < protocol.Version) {
		c.writeNow(protocol.Frame{Type: protocol.FrameErr,
			Error: protocol.NewError(protocol.ErrValidation,
				fmt.Sprintf("protocol %d not supported by this server (speaks %d)", hello.MinProtocol, protocol.Version))})
		return fmt.Errorf("incompatible protocol range [%d,%d]", hello.MinProtocol, hello.MaxProtocol)
	}

	role, scopes, err := c.authenticate(hello.Auth)
	if err != nil {
		c.writeNow(protocol.Frame{Type: protocol.FrameErr,
			Error: protocol.NewError(protocol.ErrUnauthorized, "authentication failed")})
		return err
	}
	c.role = role
	for _, s := range scopes {
		c.scopes[s] = true
	}

	tick := c.server.tickInterval()
	scopeStrs := make([]string, len(scopes))
	for i, s := range scopes {
		scopeStrs[i] = string(s)
	}
	snapshot, _ := json.Marshal(c.server.snapshot())

	ok := protocol.Frame{
		Type: protocol.FrameHelloOK,
		HelloOK: &protocol.HelloOKResult{
			Protocol: protocol.Version,
			Server: protocol.ServerInfo{
				Version: c.server.version,
				ConnID:  c.id,
			},
			Features: protocol.Features{
				Methods: c.server.router.Methods(),
				Events:  knownEvents(),
			},
			Snapshot: snapshot,
			Auth:     protocol.AuthResult{Role: role, Scopes: scopeStrs},
			Policy: protocol.Policy{
				MaxPayload:     protocol.MaxPayloadBytes,
				MaxBuffered:    c.maxBuffered,
				TickIntervalMS: tick.Milliseconds(),
			},
		},
	}
	if err := c.writeNow(ok); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * tick))
	return nil
}

// authenticate validates one of the supported credentials: the shared
// gateway token, or a signed device assertion from a previously paired
// device.
func (c *Client) authenticate(auth protocol.HelloAuth) (string, []protocol.Scope, error) {
	token := c.server.cfg().Gateway.Token

	if auth.Token != "" {
		if token == "" {
			return "", nil, fmt.Errorf("token auth not configured")
		}
		if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(token)) != 1 {
			return "", nil, fmt.Errorf("bad token")
		}
		return "operator", []protocol.Scope{protocol.ScopeAdmin}, nil
	}

	if d := auth.Device; d != nil {
		if c.server.pairing == nil {
			return "", nil, fmt.Errorf("device auth not configured")
		}
		registered, ok := c.server.pairing.DevicePublicKey(d.ID)
		if !ok {
			return "", nil, fmt.Errorf("device %s not paired", d.ID)
		}
		if subtle.ConstantTimeCompare([]byte(registered), []byte(d.PublicKey)) != 1 {
			return "", nil, fmt.Errorf("device %s key mismatch", d.ID)
		}
		signedAt := time.UnixMilli(d.SignedAt)
		if drift := time.Since(signedAt); drift > deviceAuthSkew || drift < -deviceAuthSkew {
			return "", nil, fmt.Errorf("device assertion stale")
		}
		pub, err := base64.StdEncoding.DecodeString(d.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return "", nil, fmt.Errorf("malformed device public key")
		}
		sig, err := base64.StdEncoding.DecodeString(d.Signature)
		if err != nil {
			return "", nil, fmt.Errorf("malformed device signature")
		}
		msg := fmt.Sprintf("%s|%d", d.ID, d.SignedAt)
		if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
			return "", nil, fmt.Errorf("device signature invalid")
		}
		return "device", []protocol.Scope{protocol.ScopeRead, protocol.ScopeWrite, protocol.ScopeApproval}, nil
	}

	if token == "" {
		// No token configured: local-trust mode, full access.
		return "operator", []protocol.Scope{protocol.ScopeAdmin}, nil
	}
	return "", nil, fmt.Errorf("no credentials presented")
}

// readPump consumes request frames until the connection drops.
func (c *Client) readPump(ctx context.Context) {
	tick := c.server.tickInterval()
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * tick))
		return nil
	})

	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "conn", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(2 * tick))

		switch frame.Type {
		case protocol.FrameReq:
			if c.limiter != nil && !c.limiter.Allow() {
				c.SendResponse(protocol.NewErrRes(frame.ID,
					(&protocol.Error{Code: protocol.ErrRateLimited, Message: "too many requests", Retryable: true, RetryAfterMS: 1000})))
				continue
			}
			c.server.router.Dispatch(ctx, c, frame)
		case protocol.FrameHello:
			c.SendResponse(protocol.NewErrRes(frame.ID,
				protocol.NewError(protocol.ErrValidation, "hello already completed")))
		default:
			// Events and responses are server->client only; ignore.
		}
	}
}

// SendResponse queues a response frame. Responses are never dropped by
// backpressure.
func (c *Client) SendResponse(frame protocol.Frame) {
	c.enqueue(frame, true)
}

// SendEvent queues an event frame; critical marks it undroppable
// (lifecycle/final/error events, shutdown).
func (c *Client) SendEvent(frame protocol.Frame, critical bool) {
	c.enqueue(frame, critical)
}

func (c *Client) enqueue(frame protocol.Frame, critical bool) {
	size := int64(len(frame.Payload) + len(frame.Params) + 256)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, queuedFrame{frame: frame, critical: critical, size: size})
	c.queuedBytes += size

	// Shed oldest droppable frames until the buffer fits again.
	for c.queuedBytes > c.maxBuffered {
		idx := -1
		for i, q := range c.queue {
			if !q.critical {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		c.queuedBytes -= c.queue[idx].size
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
		c.dropped++
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writePump drains the queue in order, assigning the per-connection seq as
// each frame hits the wire. A pending drop count becomes a gap event ahead
// of the next frame.
func (c *Client) writePump(ctx context.Context) {
	pingTicker := time.NewTicker(c.server.tickInterval() / 2)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.wake:
			for {
				c.mu.Lock()
				if c.closed {
					c.mu.Unlock()
					return
				}
				if c.dropped > 0 {
					payload, _ := json.Marshal(map[string]int{"dropped": c.dropped})
					c.dropped = 0
					gap := protocol.NewEventFrame("gap", payload)
					c.queue = append([]queuedFrame{{frame: gap, critical: true, size: 64}}, c.queue...)
				}
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				q := c.queue[0]
				c.queue = c.queue[1:]
				c.queuedBytes -= q.size
				frame := q.frame
				if frame.Type == protocol.FrameEvent {
					c.seq++
					frame.Seq = c.seq
				}
				c.mu.Unlock()

				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteJSON(frame); err != nil {
					slog.Debug("client write failed", "conn", c.id, "error", err)
					c.Close()
					return
				}
			}
		}
	}
}

// writeNow writes synchronously, bypassing the queue. Only used during the
// handshake, before the write pump starts.
func (c *Client) writeNow(frame protocol.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

// knownEvents enumerates every event name this server emits.
func knownEvents() []string {
	return []string{
		protocol.EventAgent, protocol.EventChat, protocol.EventHealth,
		protocol.EventCron, protocol.EventPresence, protocol.EventTick,
		protocol.EventShutdown, protocol.EventExecApprovalReq,
		protocol.EventExecApprovalRes, protocol.EventDevicePairReq,
		protocol.EventDevicePairRes, "gap", "snapshot",
	}
}
