package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/haipio/haip/internal/replay"
	"github.com/haipio/haip/pkg/protocol"
	"github.com/haipio/haip/pkg/tool"
)

// Transaction is one tool-scoped exchange inside a session. It owns the
// inbound high-water mark, the outbound seq counter, and the replay window.
type Transaction struct {
	ID       string
	ToolName string
	Params   map[string]any

	handler   tool.Handler
	window    *replay.Window
	lastInSeq uint64
	outSeq    uint64
	envelopes int
	openedAt  time.Time
}

// handleTransactionStart validates the requested tool, allocates the
// server-side transaction id, and confirms with a TRANSACTION_START whose
// payload references the peer's temporary id.
func (s *Session) handleTransactionStart(ctx context.Context, env *protocol.Envelope) {
	name := payloadString(env.Payload, "tool_name")
	if name == "" {
		s.sendError(ctx, protocol.Errorf(protocol.CodeMissingToolName,
			"TRANSACTION_START requires payload.tool_name").WithRelated(env.ID))
		return
	}
	handler, ok := s.tools.Get(name)
	if !ok {
		s.sendError(ctx, protocol.Errorf(protocol.CodeToolNotFound,
			"tool %q is not registered", name).WithRelated(env.ID))
		return
	}
	params, _ := env.Payload["tool_params"].(map[string]any)
	if err := s.tools.ValidateParams(name, params); err != nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeInvalidMessage,
			"tool_params rejected: %v", err).WithRelated(env.ID))
		return
	}

	txn := &Transaction{
		ID:       "txn-" + uuid.NewString(),
		ToolName: name,
		Params:   params,
		handler:  handler,
		window:   replay.NewWindow(s.cfg.ReplayMaxAge, s.cfg.ReplayMaxCount),
		openedAt: time.Now(),
	}
	s.mu.Lock()
	s.txns[txn.ID] = txn
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveTransactions.Add(ctx, 1)
	}
	s.log.Info("transaction started",
		"session", s.id, "transaction", txn.ID, "tool", name)

	// The reply carries the server-assigned id; referenceId lets the peer
	// correlate it with the temporary id it chose.
	reply := protocol.New(protocol.EventTransactionStart, protocol.ChannelSystem,
		map[string]any{
			"referenceId": env.Transaction,
			"tool_name":   name,
		})
	reply.Transaction = txn.ID
	if err := s.writeControl(ctx, reply); err != nil {
		s.log.Warn("transaction confirmation failed", "session", s.id, "err", err)
	}
}

// handleTransactionEnd closes the addressed transaction, archives its
// summary when an archiver is configured, and drops its replay window.
func (s *Session) handleTransactionEnd(ctx context.Context, env *protocol.Envelope) {
	s.mu.Lock()
	txn := s.txns[env.Transaction]
	if txn != nil {
		delete(s.txns, env.Transaction)
	}
	subject := s.subject
	s.mu.Unlock()

	if txn == nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeTransactionNotFound,
			"transaction %q is not open", env.Transaction).WithRelated(env.ID))
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveTransactions.Add(ctx, -1)
	}
	s.log.Info("transaction ended",
		"session", s.id, "transaction", txn.ID, "tool", txn.ToolName, "envelopes", txn.envelopes)

	if s.archive != nil {
		rec := TransactionRecord{
			TransactionID: txn.ID,
			SessionID:     s.id,
			Subject:       subject,
			ToolName:      txn.ToolName,
			Envelopes:     txn.envelopes,
			OpenedAt:      txn.openedAt,
			ClosedAt:      time.Now(),
		}
		if err := s.archive.RecordTransaction(ctx, rec); err != nil {
			s.log.Warn("transaction archive failed",
				"session", s.id, "transaction", txn.ID, "err", err)
		}
	}
}

// handleToolMessage routes message and tool-progress envelopes to the
// transaction's bound handler. Handler failures surface as a TOOL_DONE with
// status ERROR rather than tearing the session down.
func (s *Session) handleToolMessage(ctx context.Context, env *protocol.Envelope) {
	s.mu.Lock()
	txn := s.txns[env.Transaction]
	s.mu.Unlock()
	if txn == nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeTransactionNotFound,
			"transaction %q is not open", env.Transaction).WithRelated(env.ID))
		return
	}

	sink := &txnSink{s: s, txn: txn}
	start := time.Now()
	err := txn.handler.HandleMessage(ctx, env, sink)
	if s.metrics != nil {
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
		if env.Type.Canonical() == protocol.EventMessageEnd {
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordToolCall(ctx, txn.ToolName, status)
		}
	}
	if err != nil {
		s.reportToolFailure(ctx, txn, env, err)
	}
}

// handleAudioChunk routes audio to the transaction's handler, which must
// implement [tool.AudioHandler].
func (s *Session) handleAudioChunk(ctx context.Context, env *protocol.Envelope) {
	s.mu.Lock()
	txn := s.txns[env.Transaction]
	s.mu.Unlock()
	if txn == nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeTransactionNotFound,
			"transaction %q is not open", env.Transaction).WithRelated(env.ID))
		return
	}
	audio, ok := txn.handler.(tool.AudioHandler)
	if !ok {
		s.sendError(ctx, protocol.Errorf(protocol.CodeUnsupportedType,
			"tool %q does not accept audio", txn.ToolName).WithRelated(env.ID))
		return
	}

	sink := &txnSink{s: s, txn: txn}
	if err := audio.HandleAudioChunk(ctx, env, sink); err != nil {
		s.reportToolFailure(ctx, txn, env, err)
	}
}

// handleToolCancel forwards a cancellation to tools that support it.
// Cancelling a call the tool no longer tracks is a no-op.
func (s *Session) handleToolCancel(ctx context.Context, env *protocol.Envelope) {
	s.mu.Lock()
	txn := s.txns[env.Transaction]
	s.mu.Unlock()
	if txn == nil {
		s.sendError(ctx, protocol.Errorf(protocol.CodeTransactionNotFound,
			"transaction %q is not open", env.Transaction).WithRelated(env.ID))
		return
	}
	canceller, ok := txn.handler.(tool.Canceller)
	if !ok {
		s.log.Debug("tool does not support cancellation",
			"session", s.id, "tool", txn.ToolName)
		return
	}
	callID := payloadString(env.Payload, "call_id")
	sink := &txnSink{s: s, txn: txn}
	if err := canceller.Cancel(ctx, callID, sink); err != nil {
		s.log.Warn("tool cancel failed",
			"session", s.id, "tool", txn.ToolName, "call_id", callID, "err", err)
	}
}

// reportToolFailure surfaces a handler error to the peer. Protocol errors
// pass through unchanged; anything else becomes a terminal TOOL_DONE so the
// peer can distinguish a failed call from a protocol fault.
func (s *Session) reportToolFailure(ctx context.Context, txn *Transaction, env *protocol.Envelope, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		s.sendError(ctx, perr.WithRelated(env.ID))
		return
	}
	s.log.Warn("tool handler failed",
		"session", s.id, "tool", txn.ToolName, "err", err)
	done := protocol.New(protocol.EventToolDone, protocol.ChannelAgent, map[string]any{
		"tool_name": txn.ToolName,
		"status":    "ERROR",
		"error":     err.Error(),
	})
	done.Transaction = txn.ID
	if sendErr := s.Send(ctx, done); sendErr != nil {
		s.log.Warn("tool failure report undeliverable", "session", s.id, "err", sendErr)
	}
}

// txnSink binds tool emissions to one transaction's credited outbound path.
// The session stamps id, seq, ts, and session fields on serialisation.
type txnSink struct {
	s   *Session
	txn *Transaction
}

var _ tool.Sink = (*txnSink)(nil)

func (k *txnSink) Send(ctx context.Context, typ protocol.EventType, ch protocol.Channel, payload map[string]any) error {
	env := protocol.New(typ, ch, payload)
	env.Transaction = k.txn.ID
	return k.s.Send(ctx, env)
}
