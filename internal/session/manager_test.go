package session_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/haipio/haip/internal/session"
	"github.com/haipio/haip/internal/tools"
)

func newIdleSession(t *testing.T) *session.Session {
	t.Helper()
	return session.New(session.Config{
		Conn:  newFakeConn(),
		Tools: tools.NewRegistry(),
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestManager_AddGetRemove(t *testing.T) {
	t.Parallel()
	m := session.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	a := newIdleSession(t)
	b := newIdleSession(t)
	m.Add(a)
	m.Add(b)
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
	if got, ok := m.Get(a.ID()); !ok || got != a {
		t.Error("registered session not found by id")
	}

	m.Remove(a)
	if m.Len() != 1 {
		t.Errorf("len after remove = %d, want 1", m.Len())
	}
	if _, ok := m.Get(a.ID()); ok {
		t.Error("removed session still resolvable")
	}
	// Removing twice is a no-op.
	m.Remove(a)
	if m.Len() != 1 {
		t.Errorf("double remove changed len to %d", m.Len())
	}
}

func TestManager_SnapshotCountsLifetimeTotals(t *testing.T) {
	t.Parallel()
	m := session.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	a := newIdleSession(t)
	b := newIdleSession(t)
	m.Add(a)
	m.Add(b)
	m.Remove(b)

	st := m.Snapshot()
	if st.ActiveConnections != 1 {
		t.Errorf("active = %d, want 1", st.ActiveConnections)
	}
	if st.TotalConnections != 2 {
		t.Errorf("total = %d, want 2", st.TotalConnections)
	}
	if len(st.Sessions) != 1 || st.Sessions[0].ID != a.ID() {
		t.Errorf("sessions = %+v", st.Sessions)
	}
	if st.UptimeSeconds < 0 {
		t.Errorf("uptime = %f", st.UptimeSeconds)
	}
}

func TestManager_CloseAll(t *testing.T) {
	t.Parallel()
	m := session.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	a := newIdleSession(t)
	m.Add(a)
	m.CloseAll("shutdown")

	select {
	case <-a.Done():
	default:
		t.Error("CloseAll did not close the session")
	}
	if a.State() != session.StateClosed {
		t.Errorf("state = %s, want closed", a.State())
	}
}
