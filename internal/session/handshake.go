package session

import (
	"context"
	"errors"
	"time"

	"github.com/haipio/haip/internal/flow"
	"github.com/haipio/haip/pkg/protocol"
)

// sendServerHello emits the server HAI: version, supported majors, the full
// event vocabulary, and capability advertisement including the initial
// flow-control grant.
func (s *Session) sendServerHello(ctx context.Context) error {
	events := make([]string, 0, len(protocol.Events))
	for _, e := range protocol.Events {
		events = append(events, string(e))
	}

	payload := map[string]any{
		"haip_version":  protocol.Version,
		"accept_major":  protocol.SupportedMajors,
		"accept_events": events,
		"capabilities": map[string]any{
			"binary_frames": s.conn.SupportsBinary(),
			"flow_control": map[string]any{
				"initial_credit_messages": s.cfg.InitialCredits.Messages,
				"initial_credit_bytes":    s.cfg.InitialCredits.Bytes,
			},
			"max_concurrent_runs": s.cfg.MaxConcurrentRuns,
		},
	}
	return s.writeControl(ctx, protocol.New(protocol.EventHAI, protocol.ChannelSystem, payload))
}

// handleHello processes the peer's HAI: authentication first, then version
// and event negotiation, then the transition to open. A resume request is
// honoured last so that RESUME_FAILED never blocks the handshake.
func (s *Session) handleHello(ctx context.Context, env *protocol.Envelope) {
	var hello protocol.HandshakePayload
	if err := protocol.DecodePayload(env, &hello); err != nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"malformed HAI payload: %v", err).WithRelated(env.ID))
		return
	}

	var subject string
	if s.auth != nil {
		sub, err := s.auth(ctx, hello.Auth)
		if err != nil {
			s.sendError(ctx, protocol.Errorf(protocol.CodeFailedAuth,
				"authentication rejected: %v", err).WithRelated(env.ID))
			return
		}
		subject = sub
	}
	s.setState(StateAuthenticated)

	major, err := protocol.NegotiateMajor(hello.AcceptMajor)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			s.sendError(ctx, perr.WithRelated(env.ID))
		} else {
			s.sendError(ctx, protocol.Errorf(protocol.CodeVersionIncompatible,
				"version negotiation failed: %v", err).WithRelated(env.ID))
		}
		return
	}

	var accepted map[protocol.EventType]struct{}
	if len(hello.AcceptEvents) > 0 {
		negotiated := protocol.IntersectEvents(protocol.Events, hello.AcceptEvents)
		accepted = make(map[protocol.EventType]struct{}, len(negotiated))
		for _, e := range negotiated {
			accepted[e] = struct{}{}
		}
	}

	// The peer may advertise a tighter initial grant than the server default.
	credits := s.cfg.InitialCredits
	if caps := hello.Capabilities; caps != nil && caps.FlowControl != nil {
		if caps.FlowControl.InitialCreditMessages > 0 {
			credits.Messages = caps.FlowControl.InitialCreditMessages
		}
		if caps.FlowControl.InitialCreditBytes > 0 {
			credits.Bytes = caps.FlowControl.InitialCreditBytes
		}
	}

	s.mu.Lock()
	s.subject = subject
	s.peerVersion = hello.HAIPVersion
	s.negotiatedMajor = major
	s.acceptedEvents = accepted
	s.acct = flow.NewAccountant(credits)
	s.state = StateOpen
	s.openedAt = time.Now()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HandshakeDuration.Record(ctx, time.Since(s.acceptedAt).Seconds())
	}
	s.log.Info("session open",
		"session", s.id,
		"subject", subject,
		"peer_version", hello.HAIPVersion,
		"major", major)

	if hello.LastRxSeq != "" {
		s.resume(ctx, hello.LastRxSeq, env.ID)
	}

	go s.heartbeatLoop(ctx)
}

// resume handles a last_rx_seq resume request. A fresh connection retains no
// transaction history, so the request is answered with a non-fatal
// RESUME_FAILED and the session continues with clean state.
func (s *Session) resume(ctx context.Context, lastRxSeq, relatedID string) {
	if _, err := protocol.ParseSeq(lastRxSeq); err != nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"last_rx_seq: %v", err).WithRelated(relatedID))
		return
	}
	s.sendError(ctx, protocol.Errorf(protocol.CodeResumeFailed,
		"no retained history to resume from seq %s; continuing with a fresh session", lastRxSeq).
		WithRelated(relatedID))
}
