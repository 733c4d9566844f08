package protocol

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Version is the protocol version this implementation speaks, as
// MAJOR.MINOR.PATCH.
const Version = "1.1.2"

// SupportedMajors lists the protocol MAJOR versions this implementation can
// negotiate, highest first.
var SupportedMajors = []int{1}

// Major returns the MAJOR component of a MAJOR.MINOR.PATCH version string.
func Major(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	m, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("protocol: version %q has no numeric major: %w", version, err)
	}
	return m, nil
}

// NegotiateMajor computes the highest MAJOR supported by both sides.
// acceptMajor is the peer's advertised list from the HAI payload. An empty
// list is treated as accepting every major we support.
func NegotiateMajor(acceptMajor []int) (int, error) {
	if len(acceptMajor) == 0 {
		return SupportedMajors[0], nil
	}
	best := -1
	for _, m := range SupportedMajors {
		if slices.Contains(acceptMajor, m) && m > best {
			best = m
		}
	}
	if best < 0 {
		return 0, Errorf(CodeVersionIncompatible,
			"no mutually supported major version (peer accepts %v, server supports %v)",
			acceptMajor, SupportedMajors)
	}
	return best, nil
}

// IntersectEvents returns the events present both in ours and in the peer's
// accept_events list, preserving the order of ours. An empty peer list means
// the peer accepts everything. Legacy aliases in the peer list are
// canonicalised before matching.
func IntersectEvents(ours []EventType, peer []string) []EventType {
	if len(peer) == 0 {
		return slices.Clone(ours)
	}
	accepted := make(map[EventType]struct{}, len(peer))
	for _, name := range peer {
		accepted[EventType(name).Canonical()] = struct{}{}
	}
	var out []EventType
	for _, e := range ours {
		if _, ok := accepted[e]; ok {
			out = append(out, e)
		}
	}
	return out
}

// HandshakePayload is the typed form of a HAI envelope payload.
type HandshakePayload struct {
	// HAIPVersion is the producer's MAJOR.MINOR.PATCH version string.
	HAIPVersion string `json:"haip_version"`

	// AcceptMajor lists the MAJOR versions the producer can speak.
	AcceptMajor []int `json:"accept_major"`

	// AcceptEvents lists the event names the producer is willing to receive.
	AcceptEvents []string `json:"accept_events"`

	// Capabilities advertises optional features and flow-control limits.
	Capabilities *Capabilities `json:"capabilities,omitempty"`

	// LastRxSeq requests resume delivery from this seq. Optional.
	LastRxSeq string `json:"last_rx_seq,omitempty"`

	// Auth is the opaque object handed to the injected authenticator.
	Auth map[string]any `json:"auth,omitempty"`
}

// Capabilities is the optional capability block of a HAI payload.
type Capabilities struct {
	BinaryFrames      bool         `json:"binary_frames,omitempty"`
	FlowControl       *FlowControl `json:"flow_control,omitempty"`
	MaxConcurrentRuns int          `json:"max_concurrent_runs,omitempty"`
	SignedEnvelopes   bool         `json:"signed_envelopes,omitempty"`
}

// FlowControl carries the initial per-channel credit grants.
type FlowControl struct {
	InitialCreditMessages int64 `json:"initial_credit_messages,omitempty"`
	InitialCreditBytes    int64 `json:"initial_credit_bytes,omitempty"`
}
