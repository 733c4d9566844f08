package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// knownFields is the set of envelope-level field names this implementation
// recognises. Used for crit-mode unknown-field rejection.
var knownFields = map[string]struct{}{
	"id": {}, "session": {}, "transaction": {}, "seq": {}, "ack": {},
	"ts": {}, "channel": {}, "type": {}, "payload": {}, "pv": {},
	"crit": {}, "bin_len": {}, "bin_mime": {}, "run_id": {}, "thread_id": {},
}

// Encode serialises one envelope as a single JSON document, suitable for a
// text frame or an NDJSON line.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses exactly one envelope from data and validates it: required
// fields present, channel and type in their enumerations, payload a
// structured object, seq a decimal counter, and the per-type payload
// refinements of the envelope schema. Legacy TEXT_MESSAGE_* type names are
// canonicalised to MESSAGE_*.
//
// Failures are reported as [*Error] with code INVALID_MESSAGE, or
// UNSUPPORTED_TYPE for unknown event types and crit-mode unknown fields.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errorf(CodeInvalidMessage, "malformed envelope JSON: %v", err)
	}

	if env.Crit {
		if err := rejectUnknownFields(data); err != nil {
			return nil, err
		}
	}
	env.Type = env.Type.Canonical()

	if err := ValidateStructure(&env); err != nil {
		return nil, err
	}
	if err := ValidateSchema(data); err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return nil, perr.WithRelated(env.ID)
		}
		return nil, err
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return &env, nil
}

// ValidateStructure checks the envelope invariants that do not depend on
// session state. Sequence ordering against last_delivered_seq is the
// dispatcher's concern.
func ValidateStructure(e *Envelope) error {
	switch {
	case e.ID == "":
		return Errorf(CodeInvalidMessage, "envelope is missing id")
	case e.Session == "":
		return Errorf(CodeInvalidMessage, "envelope is missing session").WithRelated(e.ID)
	case e.TS == "":
		return Errorf(CodeInvalidMessage, "envelope is missing ts").WithRelated(e.ID)
	}
	if _, err := ParseSeq(e.Seq); err != nil {
		return Errorf(CodeInvalidMessage, "envelope seq: %v", err).WithRelated(e.ID)
	}
	if !e.Channel.IsValid() {
		return Errorf(CodeInvalidMessage, "unknown channel %q", e.Channel).WithRelated(e.ID)
	}
	if !e.Type.IsValid() {
		return Errorf(CodeUnsupportedType, "unknown event type %q", e.Type).WithRelated(e.ID)
	}
	if e.Ack != "" {
		if _, err := ParseSeq(e.Ack); err != nil {
			return Errorf(CodeInvalidMessage, "envelope ack: %v", err).WithRelated(e.ID)
		}
	}
	if e.BinLen < 0 {
		return Errorf(CodeInvalidMessage, "negative bin_len %d", e.BinLen).WithRelated(e.ID)
	}
	return nil
}

// rejectUnknownFields enforces crit semantics: any envelope-level field
// outside the recognised set fails with UNSUPPORTED_TYPE.
func rejectUnknownFields(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Errorf(CodeInvalidMessage, "malformed envelope JSON: %v", err)
	}
	for field := range raw {
		if _, ok := knownFields[field]; !ok {
			return Errorf(CodeUnsupportedType, "crit envelope carries unknown field %q", field)
		}
	}
	return nil
}

// DecodePayload unpacks an envelope payload into a typed struct via a JSON
// round trip. Unknown payload fields are ignored unless the envelope is
// crit, which is enforced at the per-type payload schema level.
func DecodePayload(e *Envelope, v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("protocol: marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}
