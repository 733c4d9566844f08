package protocol

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of transfer in HAIP. One envelope is carried per text
// frame (or NDJSON line); a binary frame may follow when BinLen > 0.
type Envelope struct {
	// ID is an opaque unique identifier of this envelope.
	ID string `json:"id"`

	// Session identifies the owning session.
	Session string `json:"session"`

	// Transaction identifies the owning transaction within the session.
	// Required for all payload types except handshake, liveness, and SYSTEM
	// control events.
	Transaction string `json:"transaction,omitempty"`

	// Seq is a monotonically increasing decimal-string counter within a
	// transaction, starting at "1".
	Seq string `json:"seq"`

	// Ack is the highest seq observed from the peer, cumulative. Optional.
	Ack string `json:"ack,omitempty"`

	// TS is the producer wall clock in milliseconds as a decimal string.
	TS string `json:"ts"`

	// Channel is the logical stream this envelope belongs to.
	Channel Channel `json:"channel"`

	// Type is the event kind.
	Type EventType `json:"type"`

	// Payload is the kind-specific structured content. Never nil after
	// decoding; may be empty.
	Payload map[string]any `json:"payload"`

	// PV is the protocol major version the producer believes it is speaking.
	PV int `json:"pv,omitempty"`

	// Crit, when true, demands that unknown fields cause rejection with
	// UNSUPPORTED_TYPE instead of being ignored.
	Crit bool `json:"crit,omitempty"`

	// BinLen and BinMIME are present iff a binary frame follows on the wire.
	BinLen  int64  `json:"bin_len,omitempty"`
	BinMIME string `json:"bin_mime,omitempty"`

	// RunID and ThreadID are optional correlators.
	RunID    string `json:"run_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	// Binary holds the associated binary frame, matched by the transport
	// adapter. Never serialised as JSON.
	Binary []byte `json:"-"`
}

// New creates an envelope with a fresh id and the current timestamp. Seq is
// left empty; the session assigns it when the envelope is admitted to the
// outbound path.
func New(typ EventType, ch Channel, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		ID:      uuid.NewString(),
		TS:      FormatMillis(time.Now()),
		Channel: ch,
		Type:    typ,
		Payload: payload,
	}
}

// SeqValue parses the envelope's seq counter. Returns an error when the field
// is absent or not a decimal unsigned integer.
func (e *Envelope) SeqValue() (uint64, error) {
	return ParseSeq(e.Seq)
}

// EffectiveSize is the byte count charged against flow-control byte credits:
// the encoded envelope length plus any referenced binary payload. BinLen is
// authoritative when declared; otherwise the attached binary length is used.
func (e *Envelope) EffectiveSize() int64 {
	data, err := Encode(e)
	if err != nil {
		return int64(len(e.Binary))
	}
	size := int64(len(data))
	if e.BinLen > 0 {
		return size + e.BinLen
	}
	return size + int64(len(e.Binary))
}

// ParseSeq parses a decimal-string sequence counter.
func ParseSeq(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("protocol: empty seq")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: seq %q is not a decimal counter: %w", s, err)
	}
	return n, nil
}

// FormatSeq renders a sequence counter as its decimal-string wire form.
func FormatSeq(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// FormatMillis renders t as wall-clock milliseconds in decimal-string form.
func FormatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
