package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/diagstream/terminal"
	"go.uber.org/zap"
)

// Session is one run of a tool, owning exactly one terminal for its whole life.
type Session struct {
	ID           string
	ConnectionID string
	Tool         string
	Target       string
	Params       map[string]any
	Argv         []string
	Terminal     *terminal.Terminal
	CreatedAt    time.Time
}

type CreateRequest struct {
	Tool     string
	Target   string
	Params   map[string]any
	Argv     []string
	Terminal terminal.Options
}

// Registry tracks sessions per connection.
// A connection has an entry only while it holds at least one session.
type Registry struct {
	log *zap.SugaredLogger

	mut    sync.Mutex
	byConn map[string]map[string]*Session
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		log:    log,
		byConn: map[string]map[string]*Session{},
	}
}

// CreateSession allocates a new session ID and stores a session with an unstarted terminal.
func (r *Registry) CreateSession(connID string, req CreateRequest) *Session {
	id := uuid.NewString()
	opts := req.Terminal
	if opts.Logger == nil {
		opts.Logger = r.log.Named("terminal").With("SessionID", id)
	}
	s := &Session{
		ID:           id,
		ConnectionID: connID,
		Tool:         req.Tool,
		Target:       req.Target,
		Params:       req.Params,
		Argv:         append([]string(nil), req.Argv...),
		Terminal:     terminal.New(req.Argv, opts),
		CreatedAt:    time.Now(),
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	bucket, ok := r.byConn[connID]
	if !ok {
		bucket = map[string]*Session{}
		r.byConn[connID] = bucket
	}
	bucket[id] = s
	r.log.Debugw("created session", "ConnectionID", connID, "SessionID", id, "Argv", req.Argv)
	return s
}

// Get returns the session, or nil if the connection has no such session.
func (r *Registry) Get(connID, sessionID string) *Session {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.byConn[connID][sessionID]
}

// List returns the connection's sessions, oldest first.
func (r *Registry) List(connID string) []*Session {
	r.mut.Lock()
	bucket := r.byConn[connID]
	sessions := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		sessions = append(sessions, s)
	}
	r.mut.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Stop stops the session's terminal, leaving the session registered until it's removed.
// It returns false if there is no such session.
func (r *Registry) Stop(connID, sessionID string) (bool, error) {
	s := r.Get(connID, sessionID)
	if s == nil {
		return false, nil
	}
	return true, s.Terminal.Stop()
}

// Remove drops a session, and the connection entry with it if it was the last one.
func (r *Registry) Remove(connID, sessionID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	bucket, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(bucket, sessionID)
	if len(bucket) == 0 {
		delete(r.byConn, connID)
	}
}

// CleanupConnection stops and removes every session of the connection.
// Errors stopping one session are logged and don't affect the others.
// The removed sessions are returned so callers can wait for their terminals to finish.
func (r *Registry) CleanupConnection(connID string) []*Session {
	r.mut.Lock()
	bucket := r.byConn[connID]
	delete(r.byConn, connID)
	r.mut.Unlock()

	sessions := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		if err := s.Terminal.Stop(); err != nil {
			r.log.Warnw("error stopping session during cleanup", "ConnectionID", connID, "SessionID", s.ID, "Error", err)
		}
		sessions = append(sessions, s)
	}
	return sessions
}

type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

func (r *Registry) Stats() Stats {
	r.mut.Lock()
	defer r.mut.Unlock()
	st := Stats{Connections: len(r.byConn)}
	for _, bucket := range r.byConn {
		st.Sessions += len(bucket)
	}
	return st
}
