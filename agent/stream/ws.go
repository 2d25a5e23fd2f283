package stream

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

// wsBinaryWriter writes each chunk as one or more binary WebSocket messages.
type wsBinaryWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn
}

func (w *wsBinaryWriter) Write(b []byte) (int, error) {
	w.log.Debugf("writing %d bytes", len(b))
	// keep messages under the peer's read limit
	written := 0
	for written < len(b) {
		end := written + readLimit
		if end > len(b) {
			end = len(b)
		}
		err := w.conn.Write(w.ctx, websocket.MessageBinary, b[written:end])
		if err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}
