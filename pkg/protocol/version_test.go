package protocol_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/haipio/haip/pkg/protocol"
)

func TestNegotiateMajor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		accept []int
		want   int
		fatal  bool
	}{
		{name: "exact match", accept: []int{1}, want: 1},
		{name: "superset", accept: []int{0, 1, 2}, want: 1},
		{name: "empty accepts everything", accept: nil, want: 1},
		{name: "incompatible", accept: []int{2}, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := protocol.NegotiateMajor(tt.accept)
			if tt.fatal {
				var perr *protocol.Error
				if !errors.As(err, &perr) || perr.Code != protocol.CodeVersionIncompatible {
					t.Fatalf("want VERSION_INCOMPATIBLE, got %v", err)
				}
				if !perr.Code.IsFatal() {
					t.Error("VERSION_INCOMPATIBLE should be fatal")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("major = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIntersectEvents(t *testing.T) {
	t.Parallel()
	got := protocol.IntersectEvents(protocol.Events, []string{"HAI", "PING", "PONG", "TEXT_MESSAGE_START"})
	want := []protocol.EventType{
		protocol.EventHAI, protocol.EventPing, protocol.EventPong, protocol.EventMessageStart,
	}
	if !slices.Equal(got, want) {
		t.Errorf("intersection = %v, want %v", got, want)
	}

	all := protocol.IntersectEvents(protocol.Events, nil)
	if !slices.Equal(all, protocol.Events) {
		t.Errorf("empty peer list should accept every event, got %d of %d", len(all), len(protocol.Events))
	}
}

func TestMajor(t *testing.T) {
	t.Parallel()
	m, err := protocol.Major("1.1.2")
	if err != nil || m != 1 {
		t.Errorf("Major(1.1.2) = %d, %v; want 1, nil", m, err)
	}
	if _, err := protocol.Major("x.y"); err == nil {
		t.Error("expected error for non-numeric major")
	}
}
