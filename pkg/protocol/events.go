// Package protocol defines the HAIP wire model: envelopes, event and channel
// enumerations, error codes, the JSON codec with schema validation, and the
// version negotiation rules used during the HAI handshake.
package protocol

// EventType enumerates the HAIP event kinds carried in an envelope's "type"
// field. The set a session actually accepts is negotiated during the
// handshake via accept_events.
type EventType string

const (
	EventHAI              EventType = "HAI"
	EventPing             EventType = "PING"
	EventPong             EventType = "PONG"
	EventError            EventType = "ERROR"
	EventInfo             EventType = "INFO"
	EventFlowUpdate       EventType = "FLOW_UPDATE"
	EventTransactionStart EventType = "TRANSACTION_START"
	EventTransactionEnd   EventType = "TRANSACTION_END"
	EventReplayRequest    EventType = "REPLAY_REQUEST"
	EventMessageStart     EventType = "MESSAGE_START"
	EventMessagePart      EventType = "MESSAGE_PART"
	EventMessageEnd       EventType = "MESSAGE_END"
	EventAudioChunk       EventType = "AUDIO_CHUNK"
	EventToolList         EventType = "TOOL_LIST"
	EventToolSchema       EventType = "TOOL_SCHEMA"
	EventRunStarted       EventType = "RUN_STARTED"
	EventRunFinished      EventType = "RUN_FINISHED"
	EventRunCancel        EventType = "RUN_CANCEL"
	EventRunError         EventType = "RUN_ERROR"
	EventToolCall         EventType = "TOOL_CALL"
	EventToolUpdate       EventType = "TOOL_UPDATE"
	EventToolDone         EventType = "TOOL_DONE"
	EventToolCancel       EventType = "TOOL_CANCEL"
	EventPauseChannel     EventType = "PAUSE_CHANNEL"
	EventResumeChannel    EventType = "RESUME_CHANNEL"
)

// Events lists every event type this implementation understands, in the
// order advertised during the handshake.
var Events = []EventType{
	EventHAI, EventPing, EventPong, EventError, EventInfo,
	EventFlowUpdate, EventTransactionStart, EventTransactionEnd,
	EventReplayRequest, EventMessageStart, EventMessagePart,
	EventMessageEnd, EventAudioChunk, EventToolList, EventToolSchema,
	EventRunStarted, EventRunFinished, EventRunCancel, EventRunError,
	EventToolCall, EventToolUpdate, EventToolDone, EventToolCancel,
	EventPauseChannel, EventResumeChannel,
}

// eventAliases maps legacy TEXT_MESSAGE_* event names onto the MESSAGE_*
// family. Both families are equivalent at the protocol surface; this
// implementation advertises MESSAGE_* and accepts either on input.
var eventAliases = map[EventType]EventType{
	"TEXT_MESSAGE_START": EventMessageStart,
	"TEXT_MESSAGE_PART":  EventMessagePart,
	"TEXT_MESSAGE_END":   EventMessageEnd,
}

var eventSet = func() map[EventType]struct{} {
	s := make(map[EventType]struct{}, len(Events))
	for _, e := range Events {
		s[e] = struct{}{}
	}
	return s
}()

// Canonical resolves legacy aliases to their canonical event type. Unknown
// names are returned unchanged.
func (e EventType) Canonical() EventType {
	if c, ok := eventAliases[e]; ok {
		return c
	}
	return e
}

// IsValid reports whether e (after alias resolution) is a recognised event type.
func (e EventType) IsValid() bool {
	_, ok := eventSet[e.Canonical()]
	return ok
}

// Channel is a logical stream inside a session, used for credit accounting
// and pause/resume.
type Channel string

const (
	ChannelUser     Channel = "USER"
	ChannelAgent    Channel = "AGENT"
	ChannelSystem   Channel = "SYSTEM"
	ChannelAudioIn  Channel = "AUDIO_IN"
	ChannelAudioOut Channel = "AUDIO_OUT"
)

// Channels lists the closed set of well-known channels.
var Channels = []Channel{
	ChannelUser, ChannelAgent, ChannelSystem, ChannelAudioIn, ChannelAudioOut,
}

// IsValid reports whether c is one of the well-known channels.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelUser, ChannelAgent, ChannelSystem, ChannelAudioIn, ChannelAudioOut:
		return true
	}
	return false
}
