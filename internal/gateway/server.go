// Package gateway implements the RPC Dispatcher: the WebSocket listener,
// per-connection frame handling, method routing with scope enforcement, and
// event fan-out from the bus to every connected client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halogate/halogate/internal/agent"
	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/channels"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/cron"
	"github.com/halogate/halogate/internal/media"
	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/store"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/pkg/protocol"
)

// Options carries everything the server needs; fields left nil disable the
// corresponding method groups rather than failing startup.
type Options struct {
	Config     *config.Store
	Bus        *bus.MessageBus
	Agents     *agent.Router
	Dispatcher *Dispatcher
	Sessions   store.SessionStore
	Pairing    store.PairingStore
	Channels   *channels.Manager
	Media      *media.Store
	Cron       *cron.Service
	Tools      *tools.Registry
	Approvals  *tools.ExecApprovalManager
	Providers  *providers.Registry
	Version    string
	ConfigPath string
	LogBuffer  *LogBuffer
}

// Server is the gateway's RPC endpoint.
type Server struct {
	opts   Options
	router *MethodRouter

	version string

	pairing  store.PairingStore
	eventPub bus.EventPublisher

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer wires the method surface around opts.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:     opts,
		router:   NewMethodRouter(),
		version:  opts.Version,
		pairing:  opts.Pairing,
		eventPub: opts.Bus,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerMethods()
	return s
}

// Router exposes the method router (tests register fakes through it).
func (s *Server) Router() *MethodRouter { return s.router }

func (s *Server) cfg() *config.Config { return s.opts.Config.Current() }

func (s *Server) tickInterval() time.Duration {
	return defaultTickInterval
}

// snapshot is the state blob sent inside hello_ok so a client can render
// immediately without a burst of list calls.
func (s *Server) snapshot() map[string]any {
	cfg := s.cfg()
	agents := make([]string, 0, len(cfg.Agents.List))
	for id := range cfg.Agents.List {
		agents = append(agents, id)
	}
	snap := map[string]any{
		"agents":        agents,
		"default_agent": cfg.ResolveDefaultAgentID(),
	}
	if s.opts.Channels != nil {
		snap["channels"] = s.opts.Channels.GetStatus()
	}
	return snap
}

// checkOrigin validates browser origins against the configured allowlist.
// Absent config or absent Origin header (CLI/SDK clients) passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// Start listens until ctx is done, then broadcasts shutdown and drains.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	cfg := s.cfg()
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go s.tickLoop(ctx)

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.BroadcastShutdown(2000)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.Version)
}

// tickLoop sends the heartbeat event to every connection.
func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			payload, _ := json.Marshal(map[string]int64{"ts": now.UnixMilli()})
			s.broadcast(protocol.NewEventFrame(protocol.EventTick, payload), false)
		}
	}
}

// BroadcastShutdown tells every client to reconnect after restartMS.
func (s *Server) BroadcastShutdown(restartMS int64) {
	payload, _ := json.Marshal(map[string]int64{"restart_expected_ms": restartMS})
	s.broadcast(protocol.NewEventFrame(protocol.EventShutdown, payload), true)
}

func (s *Server) broadcast(frame protocol.Frame, critical bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.HasScope(protocol.ScopeRead) {
			c.SendEvent(frame, critical)
		}
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if event.Name == protocol.EventCacheInvalidate {
			return // internal event, not for the wire
		}
		if !c.HasScope(protocol.ScopeRead) {
			return
		}
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return
		}
		c.SendEvent(protocol.NewEventFrame(event.Name, payload), isCriticalEvent(event))
	})

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.eventPub.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// isCriticalEvent reports whether an event may never be shed under
// backpressure. Run deltas and thoughts are droppable; run lifecycle edges,
// finals, and errors are not.
func isCriticalEvent(event bus.Event) bool {
	if event.Name != protocol.EventAgent {
		return true
	}
	re, ok := event.Payload.(agent.RunEvent)
	if !ok {
		return true
	}
	switch re.Type {
	case protocol.RunEventTextDelta, protocol.RunEventThought:
		return false
	}
	return true
}

// StartTestServer listens on an ephemeral localhost port and returns the
// bound address plus a start function; integration tests dial addr directly.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
