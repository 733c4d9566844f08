// Package tool defines the contract between the HAIP engine and registered
// tools: the descriptor advertised via TOOL_LIST / TOOL_SCHEMA, the handler
// interfaces invoked by the dispatcher, and the sink through which tools emit
// outbound envelopes.
//
// Tools are registered process-wide and shared across sessions; handlers must
// be safe for concurrent use and should not retain per-call state unless they
// correlate it themselves.
package tool

import (
	"context"

	"github.com/haipio/haip/pkg/protocol"
)

// Descriptor is the static metadata of a registered tool.
type Descriptor struct {
	// Name is the unique registry key, referenced by TRANSACTION_START's
	// tool_name payload field.
	Name string

	// Description is a short human-readable summary, surfaced by TOOL_LIST.
	Description string

	// InputSchema is a JSON schema describing tool_params. May be nil.
	InputSchema map[string]any

	// OutputSchema is a JSON schema describing the tool's result payloads.
	// May be nil.
	OutputSchema map[string]any
}

// Sink delivers tool-originated envelopes to the peer. The engine injects
// session, transaction, seq, id, and ts before serialisation; tool code
// supplies only the event type, channel, and payload.
//
// Send respects the session's credit accounting: envelopes blocked on
// credits or a paused channel are queued and drained in order once the peer
// grants more.
type Sink interface {
	Send(ctx context.Context, typ protocol.EventType, ch protocol.Channel, payload map[string]any) error
}

// Handler is the minimal capability every registered tool provides. The
// dispatcher hands it every MESSAGE_START, MESSAGE_PART, and MESSAGE_END
// envelope addressed to a transaction bound to this tool.
//
// Long-running work must not hold the session task: deliver progress via
// MESSAGE_PART or TOOL_UPDATE envelopes on the sink and return.
type Handler interface {
	// Descriptor returns the tool's static metadata.
	Descriptor() Descriptor

	// HandleMessage processes one message envelope addressed to the tool.
	HandleMessage(ctx context.Context, env *protocol.Envelope, sink Sink) error
}

// AudioHandler is implemented by tools that accept AUDIO_CHUNK envelopes.
// Tools without this capability reject audio with UNSUPPORTED_TYPE.
type AudioHandler interface {
	Handler

	// HandleAudioChunk processes one audio chunk. The raw bytes are in
	// env.Binary on binary-capable transports, or base64 in payload.data
	// otherwise.
	HandleAudioChunk(ctx context.Context, env *protocol.Envelope, sink Sink) error
}

// Canceller is implemented by tools that support TOOL_CANCEL. The engine
// calls Cancel when a peer cancels an in-flight call or the owning session
// closes; the tool should emit a terminal TOOL_DONE with status CANCELLED.
type Canceller interface {
	// Cancel aborts the call identified by callID.
	Cancel(ctx context.Context, callID string, sink Sink) error
}
