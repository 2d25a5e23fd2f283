package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/diagstream/session"
	"github.com/guseggert/diagstream/terminal"
	"github.com/guseggert/diagstream/tools"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type phase int

const (
	idle phase = iota
	active
)

// connState is the protocol state of a connection: idle, or active with exactly one current session.
// It's only touched by the connection's event loop.
type connState struct {
	phase     phase
	sessionID string
}

func (s *connState) activate(id string) {
	s.phase = active
	s.sessionID = id
}

// release goes back to idle if id is the current session.
func (s *connState) release(id string) {
	if s.phase == active && s.sessionID == id {
		s.phase = idle
		s.sessionID = ""
	}
}

// events consumed by the connection's loop
type (
	inboundEvent struct {
		req Request
		err error
	}
	sessionClosedEvent struct {
		sessionID string
	}
	disconnectEvent struct {
		err error
	}
)

// conn coordinates one WebSocket connection.
// Control messages and session completions are applied one at a time by run(), in the order they arrive.
// Process output is written by each terminal's read loop, concurrently with run().
type conn struct {
	log    *zap.SugaredLogger
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel func()

	tools          *tools.Registry
	registry       *session.Registry
	termOpts       terminal.Options
	clientIP       string
	cleanupTimeout time.Duration

	events chan any
	state  connState
}

func (c *conn) run() {
	defer c.cleanup()
	go c.readMessages()

	for {
		var ev any
		select {
		case ev = <-c.events:
		case <-c.ctx.Done():
			c.log.Debugf("context done: %s", c.ctx.Err())
			return
		}
		switch ev := ev.(type) {
		case disconnectEvent:
			c.log.Debugf("peer disconnected: %s", ev.err)
			return
		case inboundEvent:
			c.handle(ev)
		case sessionClosedEvent:
			c.sessionClosed(ev.sessionID)
		}
	}
}

func (c *conn) enqueue(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) readMessages() {
	for {
		typ, b, err := c.ws.Read(c.ctx)
		if err != nil {
			c.enqueue(disconnectEvent{err: err})
			return
		}
		if typ != websocket.MessageText {
			c.log.Debugf("ignoring %s message of %d bytes", typ, len(b))
			continue
		}
		var req Request
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		err = dec.Decode(&req)
		if !c.enqueue(inboundEvent{req: req, err: err}) {
			return
		}
	}
}

func (c *conn) handle(ev inboundEvent) {
	if ev.err != nil {
		c.replyError(fmt.Sprintf("Invalid message: %s", ev.err))
		return
	}
	c.log.Debugw("got message", "Message", ev.req)
	switch ev.req.Action {
	case ActionStartTool:
		c.startTool(ev.req)
	case ActionStopTool:
		c.stopTool(ev.req)
	case ActionResizeTerminal:
		c.resizeTerminal(ev.req)
	default:
		c.replyError(fmt.Sprintf("Unknown action: '%s'", ev.req.Action))
	}
}

func (c *conn) startTool(req Request) {
	if c.state.phase == active {
		c.replyError("A session is already running.")
		return
	}

	tool := strings.ToLower(req.Tool)
	if tool == "" {
		tool = DefaultTool
	}
	target := c.clientIP
	if req.Target != nil {
		target = *req.Target
	}
	argv, err := c.tools.Build(tool, target, req.Params)
	if err != nil {
		c.replyError(err.Error())
		return
	}

	fwd := &outputForwarder{
		ctx:   c.ctx,
		ready: make(chan struct{}),
		w:     &wsBinaryWriter{log: c.log.Named("output_writer"), ctx: c.ctx, conn: c.ws},
		log:   c.log,
	}
	opts := c.termOpts
	opts.Size = termSize(req.TermCols, req.TermRows)
	opts.Output = fwd.forward

	s := c.registry.CreateSession(c.id, session.CreateRequest{
		Tool:     tool,
		Target:   target,
		Params:   req.Params,
		Argv:     argv,
		Terminal: opts,
	})
	if err := s.Terminal.Start(); err != nil {
		c.log.Debugf("error starting session %s: %s", s.ID, err)
		c.registry.Remove(c.id, s.ID)
		c.replyError(fmt.Sprintf("Failed to start process: %s", err))
		return
	}

	c.state.activate(s.ID)
	c.log.Infow("session started", "SessionID", s.ID, "Argv", argv)
	c.reply(Status{
		Status:    StatusRunning,
		Message:   fmt.Sprintf("Started %s %s", tool, target),
		SessionID: s.ID,
	})
	// output goes out only after the peer has the session ID
	close(fwd.ready)
	go c.watch(s)
}

func (c *conn) stopTool(req Request) {
	id := req.SessionID
	if id == "" {
		id = c.state.sessionID
	}
	if id == "" {
		return
	}
	found, err := c.registry.Stop(c.id, id)
	if err != nil {
		c.log.Warnw("error stopping session", "SessionID", id, "Error", err)
	}
	if !found {
		c.log.Debugf("stop for unknown session %s", id)
		return
	}
	// release right away, so a start_tool queued behind this message is accepted even though teardown is still in flight
	c.state.release(id)
}

func (c *conn) resizeTerminal(req Request) {
	id := req.SessionID
	if id == "" {
		id = c.state.sessionID
	}
	if id == "" {
		return
	}
	s := c.registry.Get(c.id, id)
	if s == nil {
		return
	}
	size := termSize(req.TermCols, req.TermRows)
	s.Terminal.Resize(size.Cols, size.Rows)
}

// watch turns a terminal's completion into an event for the loop.
func (c *conn) watch(s *session.Session) {
	select {
	case <-s.Terminal.Done():
	case <-c.ctx.Done():
		return
	}
	c.enqueue(sessionClosedEvent{sessionID: s.ID})
}

func (c *conn) sessionClosed(id string) {
	s := c.registry.Get(c.id, id)
	c.registry.Remove(c.id, id)
	c.state.release(id)

	status := Status{
		Status:    StatusStopped,
		Message:   "Process finished.",
		SessionID: id,
	}
	if s != nil {
		if code, ok := s.Terminal.ExitCode(); ok {
			status.ExitCode = &code
		}
	}
	c.log.Infow("session stopped", "SessionID", id, "ExitCode", status.ExitCode)
	c.reply(status)
}

func (c *conn) reply(st Status) {
	err := wsjson.Write(c.ctx, c.ws, st)
	if err != nil {
		// the peer is gone, the disconnect will be handled by the loop
		c.log.Debugf("error sending %q status: %s", st.Status, err)
	}
}

func (c *conn) replyError(msg string) {
	c.reply(Status{Status: StatusError, Message: msg})
}

// cleanup stops every session of the connection and waits for them to finish.
func (c *conn) cleanup() {
	c.cancel()
	sessions := c.registry.CleanupConnection(c.id)
	if len(sessions) == 0 {
		return
	}
	c.log.Debugf("cleaning up %d sessions", len(sessions))
	timeout := time.NewTimer(c.cleanupTimeout)
	defer timeout.Stop()
	for _, s := range sessions {
		select {
		case <-s.Terminal.Done():
		case <-timeout.C:
			c.log.Warnw("timed out waiting for sessions to finish", "SessionID", s.ID)
			return
		}
	}
}

// outputForwarder sends a session's output to the peer once the session's "running" status has been sent.
type outputForwarder struct {
	ctx   context.Context
	ready chan struct{}
	w     *wsBinaryWriter
	log   *zap.SugaredLogger
}

func (f *outputForwarder) forward(b []byte) {
	select {
	case <-f.ready:
	case <-f.ctx.Done():
		return
	}
	if _, err := f.w.Write(b); err != nil {
		f.log.Debugf("error forwarding output: %s", err)
	}
}

func termSize(cols, rows int) terminal.Size {
	if cols <= 0 || cols > 0xffff {
		cols = DefaultTermCols
	}
	if rows <= 0 || rows > 0xffff {
		rows = DefaultTermRows
	}
	return terminal.Size{Cols: uint16(cols), Rows: uint16(rows)}
}
