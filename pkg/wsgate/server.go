// Package wsgate exposes the pipe broker over websockets. A websocket session either
// dials a pipe server by name and version, or serves one connection as a pipe server;
// either way the session becomes a byte stream bridged to a pipe connection.
package wsgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipeconn"
	"github.com/sammck-go/wspipe/pkg/pipesvc"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
)

// BuildVersion is reported by /version; it is set at link time
var BuildVersion = "0.0.0-src"

// Route names a pipe server for /dial/<route>
type Route struct {
	Name    string `mapstructure:"name" json:"name"`
	Version string `mapstructure:"version" json:"version"`
}

// ServerConfig is the configuration of the gateway
type ServerConfig struct {
	// Routes maps route names to pipe servers
	Routes map[string]Route

	// DefaultVersion is used when a request names no version
	DefaultVersion string

	// LogRequests wraps the handler with an HTTP request logger
	LogRequests bool
}

// SnapshotSource is anything that can describe the broker registry
type SnapshotSource interface {
	Snapshot() *pipesvc.Snapshot
}

// Server is the websocket gateway. Each session runs in a task of its own, terminated
// when the session ends, so pipe servers a session registered never outlive it.
type Server struct {
	*asyncobj.Helper
	cfg       ServerConfig
	requestor sysservice.Requestor
	tasks     *task.LocalRegistry
	registry  SnapshotSource
	handler   http.Handler
	stats     sessionStats
	sessions  sync.WaitGroup

	// routes and httpServer are guarded by Helper.Lock
	routes     map[string]Route
	httpServer *HTTPServer

	// ctx is cancelled on shutdown, ending every session
	ctx    context.Context
	cancel context.CancelFunc
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates a gateway. requestor reaches the broker, tasks creates the session
// tasks, and registry, which may be nil, serves /endpoints.
func NewServer(log logger.Logger, cfg *ServerConfig, requestor sysservice.Requestor, tasks *task.LocalRegistry, registry SnapshotSource) *Server {
	s := &Server{
		requestor: requestor,
		tasks:     tasks,
		registry:  registry,
	}
	if cfg != nil {
		s.cfg = *cfg
	}
	if s.cfg.DefaultVersion == "" {
		s.cfg.DefaultVersion = "0.0"
	}
	s.routes = copyRoutes(s.cfg.Routes)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.Helper = asyncobj.NewHelper(log.ForkLogStr("Gateway"), s)
	s.handler = http.HandlerFunc(s.serveHTTP)
	if s.cfg.LogRequests {
		s.handler = requestlog.Wrap(s.handler)
	}
	s.SetIsActivated()
	return s
}

func copyRoutes(routes map[string]Route) map[string]Route {
	m := make(map[string]Route, len(routes))
	for k, v := range routes {
		m[k] = v
	}
	return m
}

func (s *Server) String() string {
	return "Gateway"
}

// Handler returns the gateway's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetRoutes replaces the route table. Sessions already running are not affected.
func (s *Server) SetRoutes(routes map[string]Route) {
	m := copyRoutes(routes)
	s.Lock.Lock()
	s.routes = m
	s.Lock.Unlock()
	s.ILogf("Route table now has %d routes", len(m))
}

func (s *Server) route(name string) (Route, bool) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	r, ok := s.routes[name]
	return r, ok
}

// Serve serves the gateway on l until ctx is done or the gateway is closed
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.ShutdownOnContext(ctx)
	s.Lock.Lock()
	if s.httpServer != nil || s.IsStartedShutdown() {
		s.Lock.Unlock()
		l.Close()
		return s.Errorf("Gateway is already serving or shut down")
	}
	hs := NewHTTPServer(s.Logger)
	s.httpServer = hs
	s.Lock.Unlock()
	s.ILogf("Listening on %s", l.Addr())
	err := hs.Serve(s.ctx, l, s.handler)
	s.StartShutdown(err)
	return s.WaitShutdown()
}

// ListenAndServe listens on addr, which is a TCP host:port or "unix:" followed by a socket
// path, and serves the gateway there
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var l net.Listener
	var err error
	if path := strings.TrimPrefix(addr, "unix:"); path != addr {
		l, err = ListenUnix(s.Logger, path)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return s.Errorf("Listen failed: %s", err)
	}
	return s.Serve(ctx, l)
}

// HandleOnceShutdown is called exactly once by asyncobj.Helper, in its own goroutine. It
// stops the HTTP server and ends every session.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	s.cancel()
	s.Lock.Lock()
	hs := s.httpServer
	s.Lock.Unlock()
	if hs != nil {
		hs.StartShutdown(completionErr)
		hs.WaitShutdown()
	}
	s.sessions.Wait()
	return completionErr
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebsocket(w, r)
		return
	}
	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(BuildVersion))
		return
	case "/endpoints":
		if s.registry != nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(s.registry.Snapshot())
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func hasSubprotocol(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == Subprotocol {
			return true
		}
	}
	return false
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if !hasSubprotocol(r) {
		s.ILogf("Websocket client did not offer subprotocol %q", Subprotocol)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	version := q.Get("version")
	serve := false
	switch {
	case r.URL.Path == "/dial":
	case r.URL.Path == "/serve":
		serve = true
	case strings.HasPrefix(r.URL.Path, "/dial/"):
		rt, ok := s.route(strings.TrimPrefix(r.URL.Path, "/dial/"))
		if !ok {
			http.Error(w, "No such route", http.StatusNotFound)
			return
		}
		name = rt.Name
		if version == "" {
			version = rt.Version
		}
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if name == "" {
		http.Error(w, "Missing pipe name", http.StatusBadRequest)
		return
	}
	if version == "" {
		version = s.cfg.DefaultVersion
	}

	if err := s.DeferShutdown(); err != nil {
		s.UndeferShutdown()
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.UndeferShutdown()
	defer s.sessions.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	n := s.stats.New()
	s.stats.Open()
	defer s.stats.Close()
	log := s.Logger.ForkLogStr(fmt.Sprintf("Session#%d", n))
	log.DLogf("%v %s %s@%s from %s", &s.stats, r.URL.Path, name, version, r.RemoteAddr)

	tk := s.tasks.NewTask(fmt.Sprintf("ws-session-%d", n))
	defer tk.Terminate()
	client := pipesvc.NewServiceClient(log, s.requestor, tk.ID())
	defer client.Close()
	wsb := newWSBipipe(log, ws)

	var conn *pipeconn.Conn
	if serve {
		conn, err = s.acceptOne(log, client, wsb, name, version)
	} else {
		conn, err = pipeconn.Dial(s.ctx, log, client, name, version)
	}
	if err != nil {
		log.DLogf("Session failed: %s", err)
		wsb.closeWithReason(CloseNotFound, err.Error())
		return
	}

	br := pipeconn.NewBridge(log, wsb, conn, 0)
	br.ShutdownOnContext(s.ctx)
	err = br.WaitShutdown()
	log.DLogf("%v Closed (ws sent %s, received %s) err=%v", &s.stats,
		sizestr.ToString(int64(br.NumBytesWritten(0))), sizestr.ToString(int64(br.NumBytesWritten(1))), err)
}

// acceptOne registers a pipe server for the session, waits for exactly one client, and
// deregisters the server again. It gives up if the websocket peer goes away first.
func (s *Server) acceptOne(log logger.Logger, client *pipesvc.ServiceClient, wsb *wsBipipe, name string, version string) (*pipeconn.Conn, error) {
	l, err := pipeconn.Listen(s.ctx, log, client, name, version)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		if err := wsb.awaitFirstMessage(); err != nil {
			cancel()
		}
	}()
	return l.Accept(ctx)
}
