package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haipio/haip/pkg/protocol"
)

// heartbeatLoop sends a nonce-bearing PING every interval once the session
// is open. A PONG with the matching nonce must arrive within the timeout or
// the session is presumed dead and closed.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.sendPing(ctx)
		}
	}
}

func (s *Session) sendPing(ctx context.Context) {
	nonce := uuid.NewString()

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.hbNonce = nonce
	s.hbSentAt = time.Now()
	if s.hbTimer != nil {
		s.hbTimer.Stop()
	}
	s.hbTimer = time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		s.heartbeatExpired(nonce)
	})
	s.mu.Unlock()

	env := protocol.New(protocol.EventPing, protocol.ChannelSystem,
		map[string]any{"nonce": nonce})
	if err := s.writeControl(ctx, env); err != nil {
		s.log.Warn("heartbeat write failed", "session", s.id, "err", err)
		s.Close("heartbeat write failed")
	}
}

// heartbeatExpired fires when no matching PONG arrived within the timeout.
func (s *Session) heartbeatExpired(nonce string) {
	s.mu.Lock()
	expired := s.hbNonce == nonce && s.state == StateOpen
	s.mu.Unlock()
	if expired {
		s.log.Warn("heartbeat timed out", "session", s.id)
		s.Close("heartbeat timeout")
	}
}

// handlePing answers a peer PING with a PONG echoing the nonce.
func (s *Session) handlePing(ctx context.Context, env *protocol.Envelope) {
	pong := protocol.New(protocol.EventPong, protocol.ChannelSystem,
		map[string]any{"nonce": env.Payload["nonce"]})
	if err := s.writeControl(ctx, pong); err != nil {
		s.log.Warn("pong write failed", "session", s.id, "err", err)
	}
}

// handlePong matches the nonce against the outstanding PING, disarms the
// liveness timer, and records the round trip. Stale or unsolicited PONGs are
// ignored.
func (s *Session) handlePong(ctx context.Context, env *protocol.Envelope) {
	nonce := payloadString(env.Payload, "nonce")

	s.mu.Lock()
	if nonce == "" || nonce != s.hbNonce {
		s.mu.Unlock()
		return
	}
	s.latency = time.Since(s.hbSentAt)
	s.hbNonce = ""
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	latency := s.latency
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordHeartbeatLatency(ctx, latency)
	}
}
