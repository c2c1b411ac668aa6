// Package gateway serves the WebSocket RPC surface: handshake, method
// dispatch, and fan-out of bus events to connected clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gofer-dev/gofer/internal/agent"
	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/channels"
	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/internal/logbuf"
	"github.com/gofer-dev/gofer/internal/queue"
	"github.com/gofer-dev/gofer/internal/sessions"
	"github.com/gofer-dev/gofer/internal/usage"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

const eventSource = "gateway"

func newGatewayEvent(kind string, data map[string]any) bus.Event {
	return bus.NewEvent(kind, eventSource, data)
}

// Deps wires the server's collaborators. Nil fields degrade the matching
// methods rather than failing construction, which keeps tests small.
type Deps struct {
	Bus      *bus.Bus
	Sessions *sessions.Manager
	Channels *channels.Manager
	Queue    *queue.Manager
	Runtimes map[string]*agent.Runtime
	Default  string // default agent id
	Logs     *logbuf.Buffer
	Usage    *usage.Ledger
	Version  string
}

// Server is the WebSocket RPC gateway.
type Server struct {
	cfg      *config.Config
	events   *bus.Bus
	sessions *sessions.Manager
	channels *channels.Manager
	queue    *queue.Manager
	runtimes map[string]*agent.Runtime
	defAgent string
	logs     *logbuf.Buffer
	usage    *usage.Ledger
	version  string

	registry *MethodRegistry
	limiter  *RateLimiter
	devices  *DeviceRegistry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	wizards map[string]*wizardState
	seq     atomic.Uint64

	httpServer *http.Server
	mux        *http.ServeMux
	busSubID   string
}

// NewServer builds the gateway and registers the core method set.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		events:   deps.Bus,
		sessions: deps.Sessions,
		channels: deps.Channels,
		queue:    deps.Queue,
		runtimes: deps.Runtimes,
		defAgent: deps.Default,
		logs:     deps.Logs,
		usage:    deps.Usage,
		version:  deps.Version,
		clients:  map[string]*Client{},
		wizards:  map[string]*wizardState{},
	}
	if s.runtimes == nil {
		s.runtimes = map[string]*agent.Runtime{}
	}
	s.limiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	s.registry = NewMethodRegistry(s.limiter)
	s.devices = NewDeviceRegistry(deviceRegistryPath(cfg.Path()))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerCoreMethods()

	if s.events != nil {
		s.busSubID = s.events.Subscribe(protocol.Wildcard, s.broadcast)
	}
	return s
}

// Registry exposes the method registry so callers can add methods.
func (s *Server) Registry() *MethodRegistry { return s.registry }

// checkOrigin admits non-browser clients (no Origin header) always, browsers
// only when their origin is allowlisted. No allowlist means allow all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
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
	slog.Warn("security.origin_rejected", "origin", origin)
	return false
}

// broadcast forwards a bus event to every authenticated client, stamping a
// monotonic sequence number. Internal events never leave the process.
func (s *Server) broadcast(e bus.Event) {
	if protocol.InternalEvent(e.Type) {
		return
	}
	frame := protocol.NewEventFrame(e.Type, e.ToDict())
	frame.Seq = s.seq.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Authenticated() {
			c.SendEvent(frame)
		}
	}
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// bindHost maps the configured bind policy to a listen host.
func (s *Server) bindHost() string {
	switch s.cfg.Gateway.Bind {
	case "lan":
		return "0.0.0.0"
	case "auto":
		// Open up only when some credential guards the socket.
		if s.cfg.Gateway.Auth.Mode == "token" || s.cfg.Gateway.Auth.Mode == "password" {
			return "0.0.0.0"
		}
		return "127.0.0.1"
	default: // "loopback"
		return "127.0.0.1"
	}
}

// Start listens until ctx ends. A configured tailnet hostname adds a second
// listener when the binary is built with tsnet support.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.bindHost(), s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "auth", s.cfg.Gateway.Auth.Mode)

	if s.cfg.Gateway.Tailscale.Hostname != "" {
		ln, err := tailscaleListener(s.cfg.Gateway.Tailscale, s.cfg.Gateway.Port)
		if err != nil {
			slog.Warn("gateway: tailscale listener unavailable", "error", err)
		} else {
			go func() {
				if serveErr := s.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
					slog.Error("gateway: tailscale serve failed", "error", serveErr)
				}
			}()
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s, r.RemoteAddr)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	delete(s.wizards, c.id)
	s.mu.Unlock()
	s.limiter.Forget(c.id)
	slog.Debug("gateway: client disconnected", "client", c.id)
}

// runtimeFor resolves an agent id, empty meaning the default agent.
func (s *Server) runtimeFor(agentID string) (*agent.Runtime, error) {
	if agentID == "" {
		agentID = s.defAgent
	}
	rt, ok := s.runtimes[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	return rt, nil
}

// StartTestServer listens on a random loopback port and returns the address
// plus a start function. Integration tests dial ws://<addr>/ws.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
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
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}
	return addr, start
}
