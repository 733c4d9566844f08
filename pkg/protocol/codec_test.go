package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/haipio/haip/pkg/protocol"
)

func validEnvelopeJSON() string {
	return `{
		"id": "env-1",
		"session": "sess-1",
		"transaction": "txn-1",
		"seq": "1",
		"ts": "1700000000000",
		"channel": "USER",
		"type": "MESSAGE_START",
		"payload": {"message_id": "m1"}
	}`
}

func TestDecode_Valid(t *testing.T) {
	t.Parallel()
	env, err := protocol.Decode([]byte(validEnvelopeJSON()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != protocol.EventMessageStart {
		t.Errorf("type = %q, want MESSAGE_START", env.Type)
	}
	if env.Channel != protocol.ChannelUser {
		t.Errorf("channel = %q, want USER", env.Channel)
	}
	seq, err := env.SeqValue()
	if err != nil || seq != 1 {
		t.Errorf("seq = %d, %v; want 1, nil", seq, err)
	}
}

func TestDecode_TextMessageAlias(t *testing.T) {
	t.Parallel()
	data := strings.Replace(validEnvelopeJSON(), "MESSAGE_START", "TEXT_MESSAGE_START", 1)
	env, err := protocol.Decode([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != protocol.EventMessageStart {
		t.Errorf("alias should canonicalise to MESSAGE_START, got %q", env.Type)
	}
}

func TestDecode_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		mutate   func(string) string
		wantCode protocol.ErrorCode
	}{
		{
			name:     "not json",
			mutate:   func(string) string { return "{nope" },
			wantCode: protocol.CodeInvalidMessage,
		},
		{
			name:     "missing id",
			mutate:   func(s string) string { return strings.Replace(s, `"id": "env-1",`, "", 1) },
			wantCode: protocol.CodeInvalidMessage,
		},
		{
			name:     "missing session",
			mutate:   func(s string) string { return strings.Replace(s, `"session": "sess-1",`, "", 1) },
			wantCode: protocol.CodeInvalidMessage,
		},
		{
			name:     "bad seq",
			mutate:   func(s string) string { return strings.Replace(s, `"seq": "1"`, `"seq": "one"`, 1) },
			wantCode: protocol.CodeInvalidMessage,
		},
		{
			name:     "unknown channel",
			mutate:   func(s string) string { return strings.Replace(s, `"channel": "USER"`, `"channel": "SIDEBAND"`, 1) },
			wantCode: protocol.CodeInvalidMessage,
		},
		{
			name:     "unknown type",
			mutate:   func(s string) string { return strings.Replace(s, "MESSAGE_START", "TELEPORT", 1) },
			wantCode: protocol.CodeUnsupportedType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := protocol.Decode([]byte(tt.mutate(validEnvelopeJSON())))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var perr *protocol.Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected *protocol.Error, got %T: %v", err, err)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", perr.Code, tt.wantCode)
			}
		})
	}
}

func TestDecode_EnforcesPayloadRefinements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "ping without nonce",
			doc: `{"id": "env-1", "session": "sess-1", "seq": "1", "ts": "1700000000000",
				"channel": "SYSTEM", "type": "PING", "payload": {}}`,
		},
		{
			name: "replay request without from_seq",
			doc: `{"id": "env-2", "session": "sess-1", "transaction": "txn-1", "seq": "2",
				"ts": "1700000000000", "channel": "SYSTEM", "type": "REPLAY_REQUEST",
				"payload": {"to_seq": "5"}}`,
		},
		{
			name: "flow update without channel",
			doc: `{"id": "env-3", "session": "sess-1", "seq": "3", "ts": "1700000000000",
				"channel": "SYSTEM", "type": "FLOW_UPDATE", "payload": {"add_messages": 5}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := protocol.Decode([]byte(tt.doc))
			var perr *protocol.Error
			if !errors.As(err, &perr) || perr.Code != protocol.CodeInvalidMessage {
				t.Fatalf("want INVALID_MESSAGE, got %v", err)
			}
			if perr.RelatedID == "" {
				t.Error("refinement error should reference the envelope id")
			}
		})
	}
}

func TestDecode_CritRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	data := strings.Replace(validEnvelopeJSON(),
		`"seq": "1",`, `"seq": "1", "crit": true, "x_vendor": 7,`, 1)
	_, err := protocol.Decode([]byte(data))
	if err == nil {
		t.Fatal("expected error for crit envelope with unknown field, got nil")
	}
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeUnsupportedType {
		t.Errorf("want UNSUPPORTED_TYPE, got %v", err)
	}
}

func TestDecode_NonCritIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	data := strings.Replace(validEnvelopeJSON(),
		`"seq": "1",`, `"seq": "1", "x_vendor": 7,`, 1)
	if _, err := protocol.Decode([]byte(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()
	env := protocol.New(protocol.EventInfo, protocol.ChannelSystem, map[string]any{"note": "hi"})
	env.Session = "sess-1"
	env.Seq = "3"

	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != env.ID || got.Seq != "3" || got.Type != protocol.EventInfo {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestEffectiveSize_UsesBinLen(t *testing.T) {
	t.Parallel()
	env := protocol.New(protocol.EventAudioChunk, protocol.ChannelAudioIn, nil)
	env.Session = "sess-1"
	env.Seq = "1"
	env.BinLen = 4096
	env.BinMIME = "audio/pcm"

	plain, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := env.EffectiveSize(); got != int64(len(plain))+4096 {
		t.Errorf("effective size = %d, want %d", got, int64(len(plain))+4096)
	}
}
