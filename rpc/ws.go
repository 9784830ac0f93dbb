package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// errMalformed marks frames that arrived intact but could not be decoded.
// The connection stays usable after one of these.
var errMalformed = errors.New("malformed frame")

// frameConn wraps a WebSocket conn with the framing used by both halves.
type frameConn struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func newFrameConn(log *zap.SugaredLogger, conn *websocket.Conn) *frameConn {
	conn.SetReadLimit(readLimit)
	return &frameConn{log: log, conn: conn}
}

// read returns the next frame. Decode failures are wrapped in errMalformed,
// anything else is a transport error and the conn should be considered dead.
func (f *frameConn) read(ctx context.Context) (*Message, error) {
	typ, b, err := f.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: unexpected message type %v", errMalformed, typ)
	}
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", errMalformed, err)
	}
	return &msg, nil
}

func (f *frameConn) write(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(ctx, f.conn, msg)
	if err != nil {
		return err
	}
	f.log.Debugw("wrote frame", "Request", msg.Request, "RequestID", msg.RequestID, "Command", msg.Command, "Result", msg.Result)
	return nil
}

func (f *frameConn) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	err := f.conn.Close(code, reason)
	if err != nil {
		f.log.Debugf("error closing conn: %s", err)
	}
}
