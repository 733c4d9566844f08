package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/haipio/haip/pkg/protocol"
)

// WebSocket is the primary transport. Envelopes travel as JSON text frames;
// when an envelope declares bin_len, the raw bytes follow immediately as a
// single binary frame.
type WebSocket struct {
	start StartFunc
	log   *slog.Logger
}

func NewWebSocket(start StartFunc, log *slog.Logger) *WebSocket {
	return &WebSocket{start: start, log: orDefault(log)}
}

func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := &wsConn{ws: ws, log: h.log}
	defer conn.Close("handler finished")
	h.start(r.Context(), conn)
}

type wsConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	// writeMu keeps a header envelope and its binary frame adjacent.
	writeMu sync.Mutex

	closeOnce sync.Once
}

func (c *wsConn) Receive(ctx context.Context) (*protocol.Envelope, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, mapWSError(err)
	}
	if typ != websocket.MessageText {
		// Binary frames are only read as the tail of a bin_len envelope
		// below. A stray one has no header to attach to.
		return nil, protocol.Errorf(protocol.CodeProtocolViolation,
			"binary frame of %d bytes arrived without a bin_len header envelope", len(data))
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.BinLen > 0 {
		if err := c.readBinaryTail(ctx, env); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// readBinaryTail consumes the binary frame announced by env.BinLen.
func (c *wsConn) readBinaryTail(ctx context.Context, env *protocol.Envelope) error {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return mapWSError(err)
	}
	if typ != websocket.MessageBinary {
		return protocol.Errorf(protocol.CodeInvalidMessage,
			"envelope %s declares bin_len %d but the next frame is not binary", env.ID, env.BinLen).
			WithRelated(env.ID)
	}
	if int64(len(data)) != env.BinLen {
		return protocol.Errorf(protocol.CodeInvalidMessage,
			"envelope %s binary frame is %d bytes, bin_len declares %d", env.ID, len(data), env.BinLen).
			WithRelated(env.ID)
	}
	env.Binary = data
	return nil
}

func (c *wsConn) Send(ctx context.Context, env *protocol.Envelope) error {
	if len(env.Binary) > 0 && env.BinLen == 0 {
		env.BinLen = int64(len(env.Binary))
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return mapWSError(err)
	}
	if len(env.Binary) > 0 {
		if err := c.ws.Write(ctx, websocket.MessageBinary, env.Binary); err != nil {
			return mapWSError(err)
		}
	}
	return nil
}

func (c *wsConn) SupportsBinary() bool { return true }

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		// Close reasons must fit in the close frame.
		if len(reason) > 100 {
			reason = reason[:100]
		}
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// mapWSError folds orderly websocket shutdowns into io.EOF so the session
// engine treats them as a clean peer disconnect.
func mapWSError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}
