package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/guseggert/diagstream/agent/stream"
	"github.com/guseggert/diagstream/session"
	"github.com/guseggert/diagstream/terminal"
	"github.com/guseggert/diagstream/tools"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is the HTTP service that hosts the streaming WebSocket endpoint,
// along with the static frontend and a few small JSON endpoints.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr     string
	staticDir      string
	certPEM        []byte
	keyPEM         []byte
	originPatterns []string

	tools        *tools.Registry
	registry     *session.Registry
	streamServer *stream.Server

	mut        sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithStaticDir serves the frontend from dir. The directory must contain index.html.
func WithStaticDir(dir string) Option {
	return func(a *Agent) {
		a.staticDir = dir
	}
}

// WithTLS serves HTTPS using the given PEM-encoded cert and key.
func WithTLS(certPEM, keyPEM []byte) Option {
	return func(a *Agent) {
		a.certPEM = certPEM
		a.keyPEM = keyPEM
	}
}

func WithTools(r *tools.Registry) Option {
	return func(a *Agent) {
		a.tools = r
	}
}

func WithTerminalOptions(o terminal.Options) Option {
	return func(a *Agent) {
		a.streamServer.TerminalOptions = o
	}
}

func WithOriginPatterns(patterns ...string) Option {
	return func(a *Agent) {
		a.originPatterns = patterns
	}
}

func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:       logger.Named("agent").Sugar(),
		listenAddr:   "0.0.0.0:8000",
		tools:        tools.Default(),
		streamServer: &stream.Server{},
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.registry = session.NewRegistry(a.logger.Named("session_registry"))
	a.streamServer.Log = a.logger.Named("stream_server")
	a.streamServer.Tools = a.tools
	a.streamServer.Registry = a.registry
	a.streamServer.OriginPatterns = a.originPatterns
	if a.streamServer.TerminalOptions.Logger == nil {
		a.streamServer.TerminalOptions.Logger = a.logger.Named("terminal")
	}
	return a, nil
}

// Handler returns the agent's routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", a.ws)
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/api/client-ip", a.clientIP)
	router.GET("/api/tools", a.listTools)
	if a.staticDir != "" {
		router.GET("/", a.index)
		router.ServeFiles("/static/*filepath", http.Dir(a.staticDir))
	}
	return router
}

func (a *Agent) runHTTPServer() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	if a.certPEM != nil {
		tlsConfig, err := ServerTLSConfig(a.certPEM, a.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	server := &http.Server{Handler: a.Handler()}
	a.mut.Lock()
	a.httpServer = server
	a.listener = listener
	a.mut.Unlock()
	close(a.ready)

	a.logger.Infow("listening", "Addr", listener.Addr().String(), "TLS", a.certPEM != nil)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	return a.runHTTPServer()
}

// Ready is closed once the agent is listening.
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the address the agent is listening on, or nil before it's ready.
func (a *Agent) Addr() net.Addr {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Agent) Stop() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *Agent) ws(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.streamServer.ServeHTTP(w, r)
}

func (a *Agent) index(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	path := filepath.Join(a.staticDir, "index.html")
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

type HeartbeatResponse struct {
	Status string `json:"status"`
	session.Stats
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, HeartbeatResponse{Status: "ok", Stats: a.registry.Stats()})
}

type ClientIPResponse struct {
	ClientIP string `json:"client_ip"`
}

func (a *Agent) clientIP(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, ClientIPResponse{ClientIP: stream.ClientIP(r)})
}

func (a *Agent) listTools(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, a.tools.Describe())
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
