package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/haipio/haip/pkg/protocol"
)

// SSE pairs a long-lived GET event stream with a POST ingress on the same
// path. Server envelopes are emitted as `data:` events; the client sends
// newline-delimited JSON envelopes tagged with the session id it learned
// from the server HAI. Binary rides as base64 payload data.
type SSE struct {
	start StartFunc
	log   *slog.Logger

	mu    sync.Mutex
	conns map[string]*sseConn
}

func NewSSE(start StartFunc, log *slog.Logger) *SSE {
	return &SSE{start: start, log: orDefault(log), conns: make(map[string]*sseConn)}
}

func (h *SSE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.stream(w, r)
	case http.MethodPost:
		h.ingress(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SSE) stream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	conn := &sseConn{
		h:      h,
		w:      w,
		fl:     fl,
		in:     make(chan sseInbound, 32),
		closed: make(chan struct{}),
	}
	defer h.unregister(conn)
	h.start(r.Context(), conn)
}

func (h *SSE) ingress(w http.ResponseWriter, r *http.Request) {
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 0, lineScanBuffer), maxFrameBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err == nil {
			err = inflateBinary(env)
		}
		if err != nil {
			// The event stream carries the ERROR alongside the HTTP 400,
			// matching what the duplex transports report.
			h.forwardFailure(line, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn := h.lookup(env.Session)
		if conn == nil {
			http.Error(w, "unknown session "+env.Session, http.StatusNotFound)
			return
		}
		select {
		case conn.in <- sseInbound{env: env}:
		case <-conn.closed:
			http.Error(w, "session closed", http.StatusGone)
			return
		case <-r.Context().Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *SSE) register(id string, c *sseConn) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
}

func (h *SSE) unregister(c *sseConn) {
	c.Close("stream finished")
	h.mu.Lock()
	if c.session != "" && h.conns[c.session] == c {
		delete(h.conns, c.session)
	}
	h.mu.Unlock()
}

func (h *SSE) lookup(id string) *sseConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

// forwardFailure hands a decode failure to the session named on the bad
// line, when one can still be read out of the raw JSON.
func (h *SSE) forwardFailure(line []byte, failure error) {
	var partial struct {
		Session string `json:"session"`
	}
	if json.Unmarshal(line, &partial) != nil || partial.Session == "" {
		return
	}
	conn := h.lookup(partial.Session)
	if conn == nil {
		return
	}
	select {
	case conn.in <- sseInbound{err: failure}:
	case <-conn.closed:
	default:
	}
}

// sseInbound is one routed ingress line, or the decode failure it produced.
type sseInbound struct {
	env *protocol.Envelope
	err error
}

type sseConn struct {
	h  *SSE
	w  http.ResponseWriter
	fl http.Flusher

	in chan sseInbound

	writeMu      sync.Mutex
	registerOnce sync.Once
	session      string

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *sseConn) Receive(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case msg := <-c.in:
		return msg.env, msg.err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseConn) Send(ctx context.Context, env *protocol.Envelope) error {
	// The first write is the server HAI, which carries the session id the
	// ingress uses to route envelopes back to this stream.
	c.registerOnce.Do(func() {
		c.session = env.Session
		c.h.register(env.Session, c)
	})

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
	if _, err := c.w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return err
	}
	c.fl.Flush()
	return nil
}

func (c *sseConn) SupportsBinary() bool { return false }

func (c *sseConn) Close(reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
