package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrClosed is returned by Next once the server has closed the connection normally.
var ErrClosed = errors.New("connection closed")

type DialOptions struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Client speaks the control protocol to a Server.
// Next must not be called concurrently with itself or with StartTool.
type Client struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	// pending holds events read by StartTool while it waited for its reply
	pending []Event

	closeConnOnce sync.Once
}

func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("dialing WebSocket", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      opts.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Client{log: log, conn: wsConn}, nil
}

func (c *Client) Send(ctx context.Context, req Request) error {
	return wsjson.Write(ctx, c.conn, req)
}

// StartTool sends a start_tool request and waits for the server's reply.
// A reply with status "error" is returned as an error.
func (c *Client) StartTool(ctx context.Context, req Request) (Status, error) {
	req.Action = ActionStartTool
	if err := c.Send(ctx, req); err != nil {
		return Status{}, fmt.Errorf("sending start request: %w", err)
	}
	// output or a "stopped" from an earlier session can arrive before the reply
	var skipped []Event
	defer func() { c.pending = append(c.pending, skipped...) }()
	for {
		ev, err := c.read(ctx)
		if err != nil {
			return Status{}, err
		}
		if ev.Status == nil || ev.Status.Status == StatusStopped {
			skipped = append(skipped, ev)
			continue
		}
		if ev.Status.Status == StatusError {
			return *ev.Status, fmt.Errorf("starting %s: %s", req.Tool, ev.Status.Message)
		}
		return *ev.Status, nil
	}
}

func (c *Client) StopTool(ctx context.Context, sessionID string) error {
	return c.Send(ctx, Request{Action: ActionStopTool, SessionID: sessionID})
}

func (c *Client) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return c.Send(ctx, Request{
		Action:    ActionResizeTerminal,
		SessionID: sessionID,
		TermCols:  cols,
		TermRows:  rows,
	})
}

// Next returns the next output chunk or status from the server.
func (c *Client) Next(ctx context.Context) (Event, error) {
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		return ev, nil
	}
	return c.read(ctx)
}

func (c *Client) read(ctx context.Context) (Event, error) {
	typ, b, err := c.conn.Read(ctx)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return Event{}, ErrClosed
	}
	if err != nil {
		return Event{}, fmt.Errorf("reading message: %w", err)
	}
	if typ == websocket.MessageBinary {
		return Event{Output: b}, nil
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return Event{}, fmt.Errorf("decoding status: %w", err)
	}
	return Event{Status: &st}, nil
}

func (c *Client) Close() error {
	var err error
	c.closeConnOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}
