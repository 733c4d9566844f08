// Package session implements the HAIP session engine: handshake and version
// negotiation, envelope dispatch, credit accounting, replay windows,
// heartbeats, transactions, and agent runs.
//
// Transports adapt their wire format to the [Conn] interface and hand each
// accepted connection to [Session.Run], which owns the connection until the
// session closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haipio/haip/internal/flow"
	"github.com/haipio/haip/internal/observe"
	"github.com/haipio/haip/internal/tools"
	"github.com/haipio/haip/pkg/protocol"
)

// Default session parameters, applied when the corresponding [Config] field
// is zero.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultMaxConcurrentRuns = 10
)

// DefaultCredits is the initial per-channel credit grant used when neither
// the configuration nor the peer's handshake capabilities set one.
var DefaultCredits = flow.Credits{Messages: 1000, Bytes: 1 << 20}

// Conn is the transport-side view of one connection. Adapters translate
// their wire format (WebSocket frames, SSE events, NDJSON lines) into
// envelopes; the engine never touches raw frames.
type Conn interface {
	// Receive blocks until the next inbound envelope arrives. It returns
	// io.EOF or a transport error once the peer goes away.
	Receive(ctx context.Context) (*protocol.Envelope, error)

	// Send writes one envelope to the peer.
	Send(ctx context.Context, env *protocol.Envelope) error

	// SupportsBinary reports whether the wire carries native binary frames.
	SupportsBinary() bool

	// Close tears the connection down. The reason is surfaced to the peer
	// where the wire format allows it.
	Close(reason string) error
}

// Authenticator validates the auth object of an inbound HAI payload and
// returns the authenticated subject. A nil Authenticator accepts every
// handshake with an empty subject.
type Authenticator func(ctx context.Context, auth map[string]any) (subject string, err error)

// TransactionRecord is the archival summary of one closed transaction.
type TransactionRecord struct {
	TransactionID string
	SessionID     string
	Subject       string
	ToolName      string
	Envelopes     int
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// Archiver persists closed transactions. A nil Archiver disables archival.
type Archiver interface {
	RecordTransaction(ctx context.Context, rec TransactionRecord) error
}

// Config assembles the dependencies and tunables of one session.
type Config struct {
	// Conn is the transport connection. Required.
	Conn Conn

	// Authenticator validates HAI auth objects. Nil accepts everything.
	Authenticator Authenticator

	// Tools is the process-wide tool registry. Required.
	Tools *tools.Registry

	// Metrics receives instrument updates. Nil disables recording.
	Metrics *observe.Metrics

	// Archive persists closed transactions. Nil disables archival.
	Archive Archiver

	// Log is the session logger. Nil falls back to slog.Default.
	Log *slog.Logger

	// OnClose is invoked exactly once after the session reaches the closed
	// state. May be nil.
	OnClose func(*Session)

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReplayMaxAge      time.Duration
	ReplayMaxCount    int
	InitialCredits    flow.Credits
	MaxConcurrentRuns int
}

// Session is one live HAIP conversation over a single transport connection.
type Session struct {
	id         string
	conn       Conn
	auth       Authenticator
	tools      *tools.Registry
	metrics    *observe.Metrics
	archive    Archiver
	log        *slog.Logger
	onClose    func(*Session)
	cfg        Config
	acceptedAt time.Time

	mu              sync.Mutex
	state           State
	subject         string
	peerVersion     string
	negotiatedMajor int
	// acceptedEvents is the event set agreed at handshake. It bounds the
	// vocabulary in both directions; nil means the peer advertised no
	// accept_events and the full vocabulary applies.
	acceptedEvents map[protocol.EventType]struct{}
	acct           *flow.Accountant
	txns           map[string]*Transaction
	runs           map[string]*Run
	sessionSeq     uint64
	lastAck        uint64
	lastActivity   time.Time
	envelopesIn    uint64
	envelopesOut   uint64
	protocolErrors uint64
	openedAt       time.Time
	latency        time.Duration
	hbNonce        string
	hbSentAt       time.Time
	hbTimer        *time.Timer

	// writeMu serialises wire writes so the dispatcher, heartbeat loop, and
	// tool goroutines cannot interleave frames.
	writeMu sync.Mutex

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

// New creates a session in the accepted state. Call [Session.Run] to drive it.
func New(cfg Config) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.InitialCredits.Messages <= 0 {
		cfg.InitialCredits.Messages = DefaultCredits.Messages
	}
	if cfg.InitialCredits.Bytes <= 0 {
		cfg.InitialCredits.Bytes = DefaultCredits.Bytes
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Session{
		id:         "sess-" + uuid.NewString(),
		conn:       cfg.Conn,
		auth:       cfg.Authenticator,
		tools:      cfg.Tools,
		metrics:    cfg.Metrics,
		archive:    cfg.Archive,
		log:        log,
		onClose:    cfg.OnClose,
		cfg:        cfg,
		acceptedAt: time.Now(),
		state:      StateAccepted,
		acct:       flow.NewAccountant(cfg.InitialCredits),
		txns:       make(map[string]*Transaction),
		runs:       make(map[string]*Run),
		closed:     make(chan struct{}),
	}
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subject returns the authenticated subject, empty before the handshake.
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Counters returns the cumulative envelope and error counts.
func (s *Session) Counters() (in, out, protoErrors uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envelopesIn, s.envelopesOut, s.protocolErrors
}

// Latency returns the most recent heartbeat round trip, zero before the
// first PONG.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Done is closed when the session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session: it sends the server HAI, then reads and dispatches
// envelopes until the connection drops or a fatal error closes the session.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close("session finished")

	if err := s.sendServerHello(ctx); err != nil {
		return fmt.Errorf("session %s: send server HAI: %w", s.id, err)
	}
	s.setState(StateAwaitingHello)

	for {
		env, err := s.conn.Receive(ctx)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				// The transport could not decode a frame. Report it and
				// keep reading; fatal codes close the session from within.
				s.sendError(ctx, perr)
				select {
				case <-s.closed:
					return nil
				default:
					continue
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				s.Close("peer disconnected")
				return nil
			}
			s.Close("transport error")
			return fmt.Errorf("session %s: receive: %w", s.id, err)
		}
		s.dispatch(ctx, env)

		select {
		case <-s.closed:
			return nil
		default:
		}
	}
}

// Close tears the session down once. Pending outbound envelopes are
// discarded, active runs are marked cancelled, and the connection is closed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.closeReason = reason
		timer := s.hbTimer
		s.hbTimer = nil
		var cancelled int
		for _, r := range s.runs {
			if r.Status == RunActive {
				r.Status = RunCancelled
				r.EndedAt = time.Now()
				cancelled++
			}
		}
		openTxns := len(s.txns)
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.acct.DiscardPending()
		_ = s.conn.Close(reason)

		s.setState(StateClosed)
		close(s.closed)

		if s.metrics != nil {
			ctx := context.Background()
			if openTxns > 0 {
				s.metrics.ActiveTransactions.Add(ctx, -int64(openTxns))
			}
			if cancelled > 0 {
				s.metrics.ActiveRuns.Add(ctx, -int64(cancelled))
			}
		}
		s.log.Info("session closed", "session", s.id, "reason", reason)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// stamp assigns the session-owned envelope fields: session id, seq, the
// negotiated pv, and a fresh id and ts when absent. Seq counters are per
// transaction; envelopes without a transaction draw from the session counter.
func (s *Session) stamp(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.Session = s.id
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.TS == "" {
		env.TS = protocol.FormatMillis(time.Now())
	}
	if env.Seq == "" {
		if txn, ok := s.txns[env.Transaction]; ok && env.Transaction != "" {
			txn.outSeq++
			env.Seq = protocol.FormatSeq(txn.outSeq)
		} else {
			s.sessionSeq++
			env.Seq = protocol.FormatSeq(s.sessionSeq)
		}
	}
	if env.PV == 0 {
		env.PV = s.negotiatedMajor
	}
}

// write puts one stamped envelope on the wire.
func (s *Session) write(ctx context.Context, env *protocol.Envelope) error {
	s.writeMu.Lock()
	err := s.conn.Send(ctx, env)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("session %s: write %s: %w", s.id, env.Type, err)
	}

	s.mu.Lock()
	s.envelopesOut++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordEnvelopeOut(ctx, string(env.Type), string(env.Channel))
	}
	return nil
}

// writeControl stamps and writes env outside credit accounting. Handshake,
// liveness, flow control, and errors must never block on credits.
func (s *Session) writeControl(ctx context.Context, env *protocol.Envelope) error {
	s.stamp(env)
	return s.write(ctx, env)
}

// Send stamps env and submits it to the credited outbound path. Envelopes
// blocked on credit or a paused channel are queued and drained in order once
// the peer grants more; Send returns nil for queued envelopes.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	if isControl(env.Type) {
		return s.writeControl(ctx, env)
	}
	if !s.negotiated(env.Type) {
		s.log.Debug("dropping envelope the peer did not negotiate",
			"session", s.id, "type", env.Type)
		return nil
	}
	s.stamp(env)
	if s.acct.Submit(env.Channel, env) {
		return s.write(ctx, env)
	}
	s.log.Debug("envelope queued awaiting credit",
		"session", s.id, "channel", env.Channel, "type", env.Type)
	return nil
}

// sendError converts perr into an ERROR envelope on SYSTEM. Fatal codes tear
// the session down after the envelope is written.
func (s *Session) sendError(ctx context.Context, perr *protocol.Error) {
	s.mu.Lock()
	s.protocolErrors++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordProtocolError(ctx, string(perr.Code))
	}

	env := protocol.New(protocol.EventError, protocol.ChannelSystem, perr.Payload())
	if err := s.writeControl(ctx, env); err != nil {
		s.log.Warn("failed to deliver protocol error", "session", s.id, "code", perr.Code, "err", err)
		s.Close("error delivery failed")
		return
	}
	if perr.Code.IsFatal() {
		s.Close(string(perr.Code))
	}
}

// negotiated reports whether typ is inside the event set agreed at handshake.
func (s *Session) negotiated(typ protocol.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptedEvents == nil {
		return true
	}
	_, ok := s.acceptedEvents[typ.Canonical()]
	return ok
}
