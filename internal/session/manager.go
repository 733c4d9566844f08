package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haipio/haip/internal/observe"
)

// Manager is the process-wide session table. It tracks live sessions for the
// admin surface and accumulates the counters of departed ones so that /stats
// reports lifetime totals.
type Manager struct {
	log       *slog.Logger
	metrics   *observe.Metrics
	startedAt time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	total      atomic.Int64
	closedIn   atomic.Uint64
	closedOut  atomic.Uint64
	closedErrs atomic.Uint64
}

// NewManager creates an empty Manager. metrics may be nil.
func NewManager(log *slog.Logger, metrics *observe.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log,
		metrics:   metrics,
		startedAt: time.Now(),
		sessions:  make(map[string]*Session),
	}
}

// Add registers a live session.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.total.Add(1)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}
}

// Remove drops a session from the table, folding its counters into the
// lifetime totals. Removing an unknown session is a no-op.
func (m *Manager) Remove(s *Session) {
	m.mu.Lock()
	_, known := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	if !known {
		return
	}

	in, out, errs := s.Counters()
	m.closedIn.Add(in)
	m.closedOut.Add(out)
	m.closedErrs.Add(errs)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every live session, used during server shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		s.Close(reason)
	}
}

// Stats is the admin-surface snapshot of the session table.
type Stats struct {
	UptimeSeconds     float64       `json:"uptime_seconds"`
	ActiveConnections int           `json:"active_connections"`
	TotalConnections  int64         `json:"total_connections"`
	EnvelopesIn       uint64        `json:"envelopes_in"`
	EnvelopesOut      uint64        `json:"envelopes_out"`
	ProtocolErrors    uint64        `json:"protocol_errors"`
	Sessions          []SessionInfo `json:"sessions"`
}

// SessionInfo summarises one live session for /stats.
type SessionInfo struct {
	ID             string  `json:"id"`
	Subject        string  `json:"subject,omitempty"`
	State          State   `json:"state"`
	EnvelopesIn    uint64  `json:"envelopes_in"`
	EnvelopesOut   uint64  `json:"envelopes_out"`
	ProtocolErrors uint64  `json:"protocol_errors"`
	LatencyMillis  float64 `json:"latency_ms"`
}

// Snapshot folds live and departed counters into one Stats value.
func (m *Manager) Snapshot() Stats {
	st := Stats{
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		TotalConnections: m.total.Load(),
		EnvelopesIn:      m.closedIn.Load(),
		EnvelopesOut:     m.closedOut.Load(),
		ProtocolErrors:   m.closedErrs.Load(),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	st.ActiveConnections = len(m.sessions)
	st.Sessions = make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		in, out, errs := s.Counters()
		st.EnvelopesIn += in
		st.EnvelopesOut += out
		st.ProtocolErrors += errs
		st.Sessions = append(st.Sessions, SessionInfo{
			ID:             s.ID(),
			Subject:        s.Subject(),
			State:          s.State(),
			EnvelopesIn:    in,
			EnvelopesOut:   out,
			ProtocolErrors: errs,
			LatencyMillis:  float64(s.Latency().Microseconds()) / 1000,
		})
	}
	return st
}

// StartedAt returns the manager creation time, used for uptime reporting.
func (m *Manager) StartedAt() time.Time { return m.startedAt }
