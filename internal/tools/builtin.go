package tools

import (
	"context"
	"fmt"

	"github.com/haipio/haip/pkg/protocol"
	"github.com/haipio/haip/pkg/tool"
)

// RegisterBuiltins adds the echo and add tools to r. Whether a deployment
// carries them is a configuration choice (tools.builtin); the core engine
// works with an empty registry.
func RegisterBuiltins(r *Registry) error {
	for _, h := range []tool.Handler{&EchoTool{}, &AddTool{}} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool mirrors every message and audio chunk back to the peer on the
// AGENT channel. Useful for wire-level testing of a deployment.
type EchoTool struct{}

var (
	_ tool.Handler      = (*EchoTool)(nil)
	_ tool.AudioHandler = (*EchoTool)(nil)
)

// Descriptor implements [tool.Handler].
func (t *EchoTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "echo",
		Description: "Echoes every message back on the AGENT channel.",
		InputSchema: map[string]any{"type": "object"},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}
}

// HandleMessage implements [tool.Handler]: the inbound payload is sent back
// unchanged under the same event type.
func (t *EchoTool) HandleMessage(ctx context.Context, env *protocol.Envelope, sink tool.Sink) error {
	return sink.Send(ctx, env.Type, protocol.ChannelAgent, env.Payload)
}

// HandleAudioChunk implements [tool.AudioHandler]: audio comes back on
// AUDIO_OUT.
func (t *EchoTool) HandleAudioChunk(ctx context.Context, env *protocol.Envelope, sink tool.Sink) error {
	return sink.Send(ctx, protocol.EventAudioChunk, protocol.ChannelAudioOut, env.Payload)
}

// AddTool sums the numbers in a MESSAGE_END payload and replies with a
// single MESSAGE_START/PART/END sequence carrying the result.
type AddTool struct{}

var _ tool.Handler = (*AddTool)(nil)

// Descriptor implements [tool.Handler].
func (t *AddTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "add",
		Description: "Adds the numbers in payload.operands and returns the sum.",
		InputSchema: map[string]any{"type": "object"},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sum": map[string]any{"type": "number"},
			},
		},
	}
}

// HandleMessage implements [tool.Handler]. MESSAGE_START and MESSAGE_PART
// are accepted silently; the sum is computed and emitted when the peer sends
// MESSAGE_END with an operands array.
func (t *AddTool) HandleMessage(ctx context.Context, env *protocol.Envelope, sink tool.Sink) error {
	if env.Type != protocol.EventMessageEnd {
		return nil
	}

	raw, ok := env.Payload["operands"].([]any)
	if !ok {
		return fmt.Errorf("add: payload.operands must be an array of numbers")
	}
	var sum float64
	for i, v := range raw {
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("add: operand %d is not a number", i)
		}
		sum += n
	}

	messageID := env.ID
	if err := sink.Send(ctx, protocol.EventMessageStart, protocol.ChannelAgent,
		map[string]any{"message_id": messageID}); err != nil {
		return err
	}
	if err := sink.Send(ctx, protocol.EventMessagePart, protocol.ChannelAgent,
		map[string]any{"message_id": messageID, "sum": sum}); err != nil {
		return err
	}
	return sink.Send(ctx, protocol.EventMessageEnd, protocol.ChannelAgent,
		map[string]any{"message_id": messageID})
}
