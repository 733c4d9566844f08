package session

import (
	"context"
	"time"

	"github.com/haipio/haip/pkg/protocol"
)

// controlEvents are exempt from credit accounting in both directions.
// Charging them could deadlock recovery: a channel out of credit could never
// carry the FLOW_UPDATE that refills it.
var controlEvents = map[protocol.EventType]struct{}{
	protocol.EventHAI:           {},
	protocol.EventPing:          {},
	protocol.EventPong:          {},
	protocol.EventError:         {},
	protocol.EventInfo:          {},
	protocol.EventFlowUpdate:    {},
	protocol.EventPauseChannel:  {},
	protocol.EventResumeChannel: {},
	protocol.EventReplayRequest: {},
}

func isControl(typ protocol.EventType) bool {
	_, ok := controlEvents[typ.Canonical()]
	return ok
}

// dispatch routes one inbound envelope according to the session state.
func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) {
	switch s.State() {
	case StateAwaitingHello:
		if env.Type.Canonical() != protocol.EventHAI {
			s.sendError(ctx, protocol.Errorf(protocol.CodeNotHAI,
				"first envelope must be HAI, got %s", env.Type).WithRelated(env.ID))
			return
		}
		s.handleHello(ctx, env)
	case StateOpen:
		s.handleOpen(ctx, env)
	default:
		// Accepted, authenticated mid-handshake, or tearing down: drop.
	}
}

// handleOpen applies the full inbound pipeline: duplicate suppression,
// credit admission, replay insertion, ack bookkeeping, then type routing.
func (s *Session) handleOpen(ctx context.Context, env *protocol.Envelope) {
	seq, err := env.SeqValue()
	if err != nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"%v", err).WithRelated(env.ID))
		return
	}

	s.mu.Lock()
	txn := s.txns[env.Transaction]
	dup := txn != nil && seq <= txn.lastInSeq
	s.mu.Unlock()
	if dup {
		// Redelivery after a replay or retransmit. Gaps are permitted;
		// anything at or below the high-water mark is dropped silently.
		s.log.Debug("duplicate envelope dropped",
			"session", s.id, "transaction", env.Transaction, "seq", env.Seq)
		return
	}

	typ := env.Type.Canonical()
	if !typ.IsValid() {
		s.sendError(ctx, protocol.Errorf(protocol.CodeUnsupportedType,
			"unknown event type %q", env.Type).WithRelated(env.ID))
		return
	}
	if !s.negotiated(typ) {
		s.sendError(ctx, protocol.Errorf(protocol.CodeUnsupportedType,
			"event type %s is outside the negotiated accept_events", typ).WithRelated(env.ID))
		return
	}

	if !isControl(typ) {
		if perr := s.acct.AdmitInbound(env.Channel, env.EffectiveSize()); perr != nil {
			if s.metrics != nil {
				reason := "messages"
				if perr.Code == protocol.CodeFlowControlViolation {
					reason = "bytes"
				}
				s.metrics.RecordCreditDenial(ctx, string(env.Channel), reason)
			}
			s.sendError(ctx, perr.WithRelated(env.ID))
			return
		}
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.envelopesIn++
	// Only data envelopes advance the high-water mark and enter the replay
	// window; replaying a REPLAY_REQUEST back would be meaningless.
	if txn != nil && !isControl(typ) {
		txn.lastInSeq = seq
		txn.envelopes++
		txn.window.Insert(seq, env)
	}
	if env.Ack != "" {
		if ack, err := protocol.ParseSeq(env.Ack); err == nil && ack > s.lastAck {
			s.lastAck = ack
		}
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordEnvelopeIn(ctx, string(typ), string(env.Channel))
	}

	switch typ {
	case protocol.EventHAI:
		// Never re-authenticate; tell the peer and move on.
		s.sendError(ctx, protocol.Errorf(protocol.CodeProtocolViolation,
			"handshake already completed; HAI ignored").WithRelated(env.ID))
	case protocol.EventPing:
		s.handlePing(ctx, env)
	case protocol.EventPong:
		s.handlePong(ctx, env)
	case protocol.EventError:
		s.log.Warn("peer reported error",
			"session", s.id,
			"code", payloadString(env.Payload, "code"),
			"message", payloadString(env.Payload, "message"))
	case protocol.EventInfo:
		s.log.Info("peer info", "session", s.id, "payload", env.Payload)
	case protocol.EventFlowUpdate:
		s.handleFlowUpdate(ctx, env)
	case protocol.EventPauseChannel:
		s.handlePauseChannel(ctx, env)
	case protocol.EventResumeChannel:
		s.handleResumeChannel(ctx, env)
	case protocol.EventTransactionStart:
		s.handleTransactionStart(ctx, env)
	case protocol.EventTransactionEnd:
		s.handleTransactionEnd(ctx, env)
	case protocol.EventReplayRequest:
		s.handleReplayRequest(ctx, env)
	case protocol.EventMessageStart, protocol.EventMessagePart, protocol.EventMessageEnd,
		protocol.EventToolCall, protocol.EventToolUpdate, protocol.EventToolDone:
		s.handleToolMessage(ctx, env)
	case protocol.EventAudioChunk:
		s.handleAudioChunk(ctx, env)
	case protocol.EventToolCancel:
		s.handleToolCancel(ctx, env)
	case protocol.EventToolList:
		s.handleToolList(ctx, env)
	case protocol.EventToolSchema:
		s.handleToolSchema(ctx, env)
	case protocol.EventRunStarted, protocol.EventRunFinished,
		protocol.EventRunCancel, protocol.EventRunError:
		s.handleRunEvent(ctx, env)
	default:
		s.sendError(ctx, protocol.Errorf(protocol.CodeUnsupportedType,
			"event type %s is not handled", typ).WithRelated(env.ID))
	}
}

// handleFlowUpdate grants credit on the named channel and flushes whatever
// the new allowance releases.
func (s *Session) handleFlowUpdate(ctx context.Context, env *protocol.Envelope) {
	ch := protocol.Channel(payloadString(env.Payload, "channel"))
	if !ch.IsValid() {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"FLOW_UPDATE channel %q is not recognised", ch).WithRelated(env.ID))
		return
	}
	addMessages := payloadInt(env.Payload, "add_messages")
	addBytes := payloadInt(env.Payload, "add_bytes")
	if addMessages < 0 || addBytes < 0 {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"FLOW_UPDATE grants must be non-negative").WithRelated(env.ID))
		return
	}

	released := s.acct.Grant(ch, addMessages, addBytes)
	for _, out := range released {
		if err := s.write(ctx, out); err != nil {
			s.log.Warn("flush after credit grant failed", "session", s.id, "err", err)
			return
		}
	}
}

func (s *Session) handlePauseChannel(ctx context.Context, env *protocol.Envelope) {
	ch := protocol.Channel(payloadString(env.Payload, "channel"))
	if !ch.IsValid() {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"PAUSE_CHANNEL channel %q is not recognised", ch).WithRelated(env.ID))
		return
	}
	s.acct.Pause(ch)
	s.log.Debug("channel paused", "session", s.id, "channel", ch)
}

func (s *Session) handleResumeChannel(ctx context.Context, env *protocol.Envelope) {
	ch := protocol.Channel(payloadString(env.Payload, "channel"))
	if !ch.IsValid() {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"RESUME_CHANNEL channel %q is not recognised", ch).WithRelated(env.ID))
		return
	}
	released := s.acct.Resume(ch)
	for _, out := range released {
		if err := s.write(ctx, out); err != nil {
			s.log.Warn("flush after resume failed", "session", s.id, "err", err)
			return
		}
	}
}

// handleReplayRequest re-delivers the stored range for the addressed
// transaction with the original ids and seqs intact.
func (s *Session) handleReplayRequest(ctx context.Context, env *protocol.Envelope) {
	s.mu.Lock()
	txn := s.txns[env.Transaction]
	s.mu.Unlock()
	if txn == nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeTransactionNotFound,
			"transaction %q is not open", env.Transaction).WithRelated(env.ID))
		return
	}

	from := payloadSeq(env.Payload, "from_seq")
	to := payloadSeq(env.Payload, "to_seq")
	stored, perr := txn.window.Range(from, to)
	if perr != nil {
		s.sendError(ctx, perr.WithRelated(env.ID))
		return
	}

	for _, replayed := range stored {
		if err := s.write(ctx, replayed); err != nil {
			s.log.Warn("replay delivery failed", "session", s.id, "err", err)
			return
		}
	}
	if s.metrics != nil && len(stored) > 0 {
		s.metrics.ReplayedEnvelopes.Add(ctx, int64(len(stored)))
	}
}

// handleToolList answers with the registered tool catalogue.
func (s *Session) handleToolList(ctx context.Context, env *protocol.Envelope) {
	descriptors := s.tools.List()
	items := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		items = append(items, map[string]any{
			"name":        d.Name,
			"description": d.Description,
		})
	}
	reply := protocol.New(protocol.EventToolList, protocol.ChannelSystem,
		map[string]any{"tools": items})
	reply.Transaction = env.Transaction
	if err := s.Send(ctx, reply); err != nil {
		s.log.Warn("tool list reply failed", "session", s.id, "err", err)
	}
}

// handleToolSchema answers with one tool's full descriptor.
func (s *Session) handleToolSchema(ctx context.Context, env *protocol.Envelope) {
	name := payloadString(env.Payload, "tool_name")
	if name == "" {
		s.sendError(ctx, protocol.Errorf(protocol.CodeMissingToolName,
			"TOOL_SCHEMA requires payload.tool_name").WithRelated(env.ID))
		return
	}
	h, ok := s.tools.Get(name)
	if !ok {
		s.sendError(ctx, protocol.Errorf(protocol.CodeToolNotFound,
			"tool %q is not registered", name).WithRelated(env.ID))
		return
	}
	d := h.Descriptor()
	payload := map[string]any{
		"tool_name":   d.Name,
		"description": d.Description,
	}
	if d.InputSchema != nil {
		payload["input_schema"] = d.InputSchema
	}
	if d.OutputSchema != nil {
		payload["output_schema"] = d.OutputSchema
	}
	reply := protocol.New(protocol.EventToolSchema, protocol.ChannelSystem, payload)
	reply.Transaction = env.Transaction
	if err := s.Send(ctx, reply); err != nil {
		s.log.Warn("tool schema reply failed", "session", s.id, "err", err)
	}
}

// payloadString reads a string field from a payload object.
func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// payloadInt reads a numeric field, tolerating the float64 the JSON decoder
// produces as well as native integer types from in-process callers.
func payloadInt(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// payloadSeq reads a seq-valued field, which arrives as a decimal string on
// the wire but may be a number from in-process callers.
func payloadSeq(payload map[string]any, key string) uint64 {
	switch v := payload[key].(type) {
	case string:
		n, err := protocol.ParseSeq(v)
		if err != nil {
			return 0
		}
		return n
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return 0
}
