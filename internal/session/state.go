package session

// State is the lifecycle phase of one HAIP session. Transitions only move
// forward: a closed session is never reused.
type State string

const (
	// StateAccepted: the transport accepted the connection; nothing sent yet.
	StateAccepted State = "accepted"

	// StateAwaitingHello: the server HAI is out; the peer's HAI must be the
	// next envelope.
	StateAwaitingHello State = "awaiting_hello"

	// StateAuthenticated: the peer's auth object passed; negotiation pending.
	StateAuthenticated State = "authenticated"

	// StateOpen: handshake complete, full dispatch active.
	StateOpen State = "open"

	// StateClosing: teardown started, inbound envelopes are ignored.
	StateClosing State = "closing"

	// StateClosed: terminal.
	StateClosed State = "closed"
)

// IsValid reports whether s is a recognised lifecycle state.
func (s State) IsValid() bool {
	switch s {
	case StateAccepted, StateAwaitingHello, StateAuthenticated,
		StateOpen, StateClosing, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether the session has started tearing down.
func (s State) Terminal() bool {
	return s == StateClosing || s == StateClosed
}
