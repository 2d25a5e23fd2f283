package stream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/diagstream/session"
	"github.com/guseggert/diagstream/terminal"
	"github.com/guseggert/diagstream/tools"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const defaultCleanupTimeout = 5 * time.Second

// Server accepts WebSocket connections and runs a coordinator for each one.
type Server struct {
	Log      *zap.SugaredLogger
	Tools    *tools.Registry
	Registry *session.Registry
	// TerminalOptions are the base options for every session's terminal. Size and Output are set per session.
	TerminalOptions terminal.Options
	// OriginPatterns are passed through to websocket.Accept, for frontends served from another origin.
	OriginPatterns []string
	CleanupTimeout time.Duration
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  s.OriginPatterns,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)

	connID := uuid.NewString()
	log := s.Log.Named("conn").With("ConnectionID", connID)
	log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)

	toolRegistry := s.Tools
	if toolRegistry == nil {
		toolRegistry = tools.Default()
	}
	registry := s.Registry
	if registry == nil {
		registry = session.NewRegistry(s.Log.Named("session_registry"))
	}
	cleanupTimeout := s.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = defaultCleanupTimeout
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &conn{
		log:            log,
		id:             connID,
		ws:             wsConn,
		ctx:            ctx,
		cancel:         cancel,
		tools:          toolRegistry,
		registry:       registry,
		termOpts:       s.TerminalOptions,
		clientIP:       ClientIP(r),
		cleanupTimeout: cleanupTimeout,
		events:         make(chan any),
	}
	c.run()

	err = wsConn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		log.Debugf("error closing conn: %s", err)
	}
	log.Debug("connection closed")
}

// ClientIP returns the host part of the request's remote address, or "localhost" if there isn't one.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" && err != nil {
			return r.RemoteAddr
		}
		return "localhost"
	}
	return host
}
