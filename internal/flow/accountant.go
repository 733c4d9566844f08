// Package flow implements HAIP credit-based flow control: per-channel
// message and byte credits, pause bits, and FIFO pending queues for outbound
// envelopes blocked on credit or pause.
package flow

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/haipio/haip/pkg/protocol"
)

// Credits is a pair of message-count and byte allowances.
type Credits struct {
	Messages int64
	Bytes    int64
}

// channelState is the accounting record for one channel. Credits decrease on
// admission (inbound receipt or outbound emission) and increase only on
// FLOW_UPDATE grants.
type channelState struct {
	msgCredit  int64
	byteCredit int64
	paused     bool
	pending    *queue.Queue // FIFO of *protocol.Envelope blocked on credit/pause
}

// Accountant tracks credits, pause bits, and pending queues for every
// channel of one session. Channels are lazily initialised from the default
// grant on first use. All methods are safe for concurrent use.
type Accountant struct {
	mu       sync.Mutex
	defaults Credits
	channels map[protocol.Channel]*channelState
}

// NewAccountant creates an Accountant whose channels start with the given
// default credit grant, typically taken from the handshake capabilities.
func NewAccountant(defaults Credits) *Accountant {
	return &Accountant{
		defaults: defaults,
		channels: make(map[protocol.Channel]*channelState),
	}
}

func (a *Accountant) channel(ch protocol.Channel) *channelState {
	st, ok := a.channels[ch]
	if !ok {
		st = &channelState{
			msgCredit:  a.defaults.Messages,
			byteCredit: a.defaults.Bytes,
			pending:    queue.New(),
		}
		a.channels[ch] = st
	}
	return st
}

// AdmitInbound charges one inbound envelope of the given effective size
// against channel ch. An exhausted message credit denies admission with
// INSUFFICIENT_CREDITS; an envelope larger than the remaining byte credit is
// a peer-side overrun reported as FLOW_CONTROL_VIOLATION.
func (a *Accountant) AdmitInbound(ch protocol.Channel, size int64) *protocol.Error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.channel(ch)
	if st.msgCredit <= 0 {
		return protocol.Errorf(protocol.CodeInsufficientCredits,
			"channel %s has no message credit remaining", ch)
	}
	if size > st.byteCredit {
		return protocol.Errorf(protocol.CodeFlowControlViolation,
			"channel %s byte credit exceeded: envelope is %d bytes, %d granted", ch, size, st.byteCredit)
	}
	st.msgCredit--
	st.byteCredit -= size
	return nil
}

// Submit admits env to the outbound path of channel ch. When the channel is
// paused, has queued predecessors, or lacks credit, env joins the pending
// FIFO and Submit returns false; otherwise credits are charged and the
// caller must emit env now.
func (a *Accountant) Submit(ch protocol.Channel, env *protocol.Envelope) (emit bool) {
	size := env.EffectiveSize()

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.channel(ch)
	if st.paused || st.pending.Length() > 0 || st.msgCredit <= 0 || st.byteCredit < size {
		st.pending.Add(env)
		return false
	}
	st.msgCredit--
	st.byteCredit -= size
	return true
}

// Grant credits channel ch with additional messages and bytes, then returns
// the pending envelopes that the new allowance releases, in their original
// enqueue order. The caller emits them on the outbound sink.
func (a *Accountant) Grant(ch protocol.Channel, addMessages, addBytes int64) []*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.channel(ch)
	if addMessages > 0 {
		st.msgCredit += addMessages
	}
	if addBytes > 0 {
		st.byteCredit += addBytes
	}
	return a.drainLocked(st)
}

// Pause sets the paused bit on ch. Subsequent outbound envelopes queue until
// Resume.
func (a *Accountant) Pause(ch protocol.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channel(ch).paused = true
}

// Resume clears the paused bit on ch and returns the queued envelopes the
// remaining credit permits, in original order.
func (a *Accountant) Resume(ch protocol.Channel) []*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.channel(ch)
	st.paused = false
	return a.drainLocked(st)
}

// Paused reports whether ch is currently paused.
func (a *Accountant) Paused(ch protocol.Channel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel(ch).paused
}

// Remaining returns the current credit levels of ch.
func (a *Accountant) Remaining(ch protocol.Channel) Credits {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.channel(ch)
	return Credits{Messages: st.msgCredit, Bytes: st.byteCredit}
}

// PendingLen returns the number of envelopes queued on ch.
func (a *Accountant) PendingLen(ch protocol.Channel) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel(ch).pending.Length()
}

// DiscardPending empties every pending queue. Called on session close;
// queued envelopes are dropped per the teardown contract.
func (a *Accountant) DiscardPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.channels {
		st.pending = queue.New()
	}
}

// drainLocked pops pending envelopes while the channel is unpaused and
// credits permit, charging credits as it goes. Caller holds a.mu.
func (a *Accountant) drainLocked(st *channelState) []*protocol.Envelope {
	if st.paused {
		return nil
	}
	var released []*protocol.Envelope
	for st.pending.Length() > 0 {
		env := st.pending.Peek().(*protocol.Envelope)
		size := env.EffectiveSize()
		if st.msgCredit <= 0 || st.byteCredit < size {
			break
		}
		st.pending.Remove()
		st.msgCredit--
		st.byteCredit -= size
		released = append(released, env)
	}
	return released
}
