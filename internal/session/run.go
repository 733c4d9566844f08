package session

import (
	"context"
	"time"

	"github.com/haipio/haip/pkg/protocol"
)

// RunStatus is the lifecycle state of one agent run.
type RunStatus string

const (
	RunActive    RunStatus = "ACTIVE"
	RunFinished  RunStatus = "FINISHED"
	RunCancelled RunStatus = "CANCELLED"
	RunFailed    RunStatus = "FAILED"
)

// Run tracks one agent run announced by the peer. Runs correlate envelopes
// across transactions via the run_id field; the session enforces the
// concurrency ceiling negotiated in capabilities.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	StartedAt time.Time
	EndedAt   time.Time
	Summary   string
	Err       string
}

// runID extracts the run identifier from the envelope correlator or, failing
// that, the payload.
func runID(env *protocol.Envelope) string {
	if env.RunID != "" {
		return env.RunID
	}
	return payloadString(env.Payload, "run_id")
}

// handleRunEvent maintains the run table for RUN_STARTED, RUN_FINISHED,
// RUN_CANCEL, and RUN_ERROR.
func (s *Session) handleRunEvent(ctx context.Context, env *protocol.Envelope) {
	id := runID(env)
	if id == "" {
		s.sendError(ctx, protocol.Errorf(protocol.CodeMissingRunID,
			"%s requires a run_id", env.Type).WithRelated(env.ID))
		return
	}

	switch env.Type.Canonical() {
	case protocol.EventRunStarted:
		s.startRun(ctx, env, id)
	case protocol.EventRunFinished:
		s.finishRun(ctx, env, id, RunFinished)
	case protocol.EventRunCancel:
		s.cancelRun(ctx, env, id)
	case protocol.EventRunError:
		s.finishRun(ctx, env, id, RunFailed)
	}
}

func (s *Session) startRun(ctx context.Context, env *protocol.Envelope, id string) {
	s.mu.Lock()
	if existing, ok := s.runs[id]; ok && existing.Status == RunActive {
		// Idempotent: re-announcing an active run changes nothing.
		s.mu.Unlock()
		return
	}
	active := 0
	for _, r := range s.runs {
		if r.Status == RunActive {
			active++
		}
	}
	if active >= s.cfg.MaxConcurrentRuns {
		s.mu.Unlock()
		s.sendError(ctx, protocol.Errorf(protocol.CodeRunLimitExceeded,
			"run limit reached: %d runs active, max is %d", active, s.cfg.MaxConcurrentRuns).
			WithRelated(env.ID))
		return
	}
	s.runs[id] = &Run{
		ID:        id,
		ThreadID:  env.ThreadID,
		Status:    RunActive,
		StartedAt: time.Now(),
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, 1)
	}
	s.log.Info("run started", "session", s.id, "run", id, "thread", env.ThreadID)
}

func (s *Session) finishRun(ctx context.Context, env *protocol.Envelope, id string, status RunStatus) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		s.sendError(ctx, protocol.Errorf(protocol.CodeRunNotFound,
			"run %q is not known", id).WithRelated(env.ID))
		return
	}
	wasActive := run.Status == RunActive
	run.Status = status
	run.EndedAt = time.Now()
	run.Summary = payloadString(env.Payload, "summary")
	if status == RunFailed {
		run.Err = payloadString(env.Payload, "message")
	}
	s.mu.Unlock()

	if wasActive && s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, -1)
	}
	s.log.Info("run ended", "session", s.id, "run", id, "status", status)
}

// cancelRun marks the run cancelled and confirms with a RUN_FINISHED carrying
// status CANCELLED, so the peer sees a single terminal event per run.
func (s *Session) cancelRun(ctx context.Context, env *protocol.Envelope, id string) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		s.sendError(ctx, protocol.Errorf(protocol.CodeRunNotFound,
			"run %q is not known", id).WithRelated(env.ID))
		return
	}
	wasActive := run.Status == RunActive
	if wasActive {
		run.Status = RunCancelled
		run.EndedAt = time.Now()
	}
	s.mu.Unlock()

	if !wasActive {
		// Terminal runs stay terminal; cancellation is a no-op.
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, -1)
	}
	s.log.Info("run cancelled", "session", s.id, "run", id)

	confirm := protocol.New(protocol.EventRunFinished, protocol.ChannelSystem,
		map[string]any{"run_id": id, "status": string(RunCancelled)})
	confirm.RunID = id
	if err := s.Send(ctx, confirm); err != nil {
		s.log.Warn("run cancel confirmation failed", "session", s.id, "err", err)
	}
}
