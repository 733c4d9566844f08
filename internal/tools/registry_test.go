package tools_test

import (
	"context"
	"strings"
	"testing"

	"github.com/haipio/haip/internal/tools"
	"github.com/haipio/haip/pkg/protocol"
	"github.com/haipio/haip/pkg/tool"
)

// captureSink records every envelope a tool emits.
type captureSink struct {
	sent []sentEvent
}

type sentEvent struct {
	typ     protocol.EventType
	channel protocol.Channel
	payload map[string]any
}

func (s *captureSink) Send(_ context.Context, typ protocol.EventType, ch protocol.Channel, payload map[string]any) error {
	s.sent = append(s.sent, sentEvent{typ: typ, channel: ch, payload: payload})
	return nil
}

// namedTool is a minimal handler for registry tests.
type namedTool struct {
	name   string
	schema map[string]any
}

func (t *namedTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{Name: t.name, Description: "test tool", InputSchema: t.schema}
}

func (t *namedTool) HandleMessage(context.Context, *protocol.Envelope, tool.Sink) error {
	return nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	if err := r.Register(&namedTool{name: "alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.Get("alpha"); !ok {
		t.Error("registered tool not found")
	}
	if _, ok := r.Get("beta"); ok {
		t.Error("unregistered tool should not be found")
	}
}

func TestRegistry_RejectsDuplicatesAndEmptyNames(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	if err := r.Register(&namedTool{name: "alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&namedTool{name: "alpha"}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(&namedTool{name: ""}); err == nil {
		t.Error("empty name should fail")
	}
}

func TestRegistry_ListIsSorted(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&namedTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Errorf("list not sorted: %v", list)
	}
}

func TestRegistry_ValidateParams(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"query"},
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
	}
	if err := r.Register(&namedTool{name: "search", schema: schema}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.ValidateParams("search", map[string]any{"query": "hello"}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	err := r.ValidateParams("search", map[string]any{"page": 2})
	if err == nil {
		t.Fatal("missing required field should be rejected")
	}
	if !strings.Contains(err.Error(), "query") {
		t.Errorf("error should name the missing field, got: %v", err)
	}
}

func TestEchoTool_MirrorsMessages(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	echo := &tools.EchoTool{}

	env := protocol.New(protocol.EventMessagePart, protocol.ChannelUser, map[string]any{"text": "hello"})
	if err := echo.HandleMessage(context.Background(), env, sink); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(sink.sent))
	}
	got := sink.sent[0]
	if got.typ != protocol.EventMessagePart || got.channel != protocol.ChannelAgent {
		t.Errorf("echo emitted %s on %s", got.typ, got.channel)
	}
	if got.payload["text"] != "hello" {
		t.Errorf("payload not mirrored: %v", got.payload)
	}
}

func TestAddTool_SumsOperands(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	add := &tools.AddTool{}

	start := protocol.New(protocol.EventMessageStart, protocol.ChannelUser, map[string]any{})
	if err := add.HandleMessage(context.Background(), start, sink); err != nil {
		t.Fatalf("message start: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatal("add should stay silent until MESSAGE_END")
	}

	end := protocol.New(protocol.EventMessageEnd, protocol.ChannelUser,
		map[string]any{"operands": []any{float64(2), float64(3), float64(4)}})
	if err := add.HandleMessage(context.Background(), end, sink); err != nil {
		t.Fatalf("message end: %v", err)
	}
	if len(sink.sent) != 3 {
		t.Fatalf("sent %d envelopes, want MESSAGE_START/PART/END", len(sink.sent))
	}
	if sink.sent[0].typ != protocol.EventMessageStart ||
		sink.sent[1].typ != protocol.EventMessagePart ||
		sink.sent[2].typ != protocol.EventMessageEnd {
		t.Errorf("wrong event sequence: %v", sink.sent)
	}
	if sum := sink.sent[1].payload["sum"]; sum != float64(9) {
		t.Errorf("sum = %v, want 9", sum)
	}
}

func TestAddTool_RejectsNonNumbers(t *testing.T) {
	t.Parallel()
	add := &tools.AddTool{}
	end := protocol.New(protocol.EventMessageEnd, protocol.ChannelUser,
		map[string]any{"operands": []any{"two"}})
	if err := add.HandleMessage(context.Background(), end, &captureSink{}); err == nil {
		t.Fatal("non-numeric operand should error")
	}
}
