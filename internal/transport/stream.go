package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/haipio/haip/pkg/protocol"
)

// Stream serves a single-request NDJSON duplex exchange: the client POSTs
// an open-ended stream of envelope lines and reads the server's envelope
// lines from the response body. The server HAI is the first response line.
type Stream struct {
	start StartFunc
	log   *slog.Logger
}

func NewStream(start StartFunc, log *slog.Logger) *Stream {
	return &Stream{start: start, log: orDefault(log)}
}

func (h *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 0, lineScanBuffer), maxFrameBytes)

	conn := &streamConn{
		in:     make(chan streamLine),
		w:      w,
		fl:     fl,
		closed: make(chan struct{}),
	}
	// The body scan runs in its own goroutine so a session close can
	// unblock Receive even while the peer is silent. Returning from this
	// handler closes the body, which ends the scan.
	go conn.readLoop(sc)
	defer conn.Close("handler finished")
	h.start(r.Context(), conn)
}

// streamLine is one decoded ingress line, or the error that ended the scan.
type streamLine struct {
	env *protocol.Envelope
	err error
}

type streamConn struct {
	in chan streamLine
	w  io.Writer
	fl http.Flusher

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// readLoop scans request-body lines into envelopes and hands them to
// Receive. Decode failures are delivered as errors so the session can answer
// them; the scan continues with the next line.
func (c *streamConn) readLoop(sc *bufio.Scanner) {
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err == nil {
			err = inflateBinary(env)
		}
		msg := streamLine{env: env, err: err}
		if err != nil {
			msg.env = nil
		}
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case c.in <- streamLine{err: err}:
	case <-c.closed:
	}
}

func (c *streamConn) Receive(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case msg := <-c.in:
		return msg.env, msg.err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamConn) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Encode(deflateBinary(env))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	c.fl.Flush()
	return nil
}

func (c *streamConn) SupportsBinary() bool { return false }

func (c *streamConn) Close(reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
