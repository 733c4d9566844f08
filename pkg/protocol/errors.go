package protocol

import "fmt"

// ErrorCode enumerates the machine-readable codes carried in ERROR envelopes.
type ErrorCode string

const (
	CodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	CodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	CodeUnsupportedType      ErrorCode = "UNSUPPORTED_TYPE"
	CodeVersionIncompatible  ErrorCode = "VERSION_INCOMPATIBLE"
	CodeFailedAuth           ErrorCode = "FAILED_AUTH"
	CodeNotHAI               ErrorCode = "NOT_HAI"
	CodeSeqViolation         ErrorCode = "SEQ_VIOLATION"
	CodeFlowControlViolation ErrorCode = "FLOW_CONTROL_VIOLATION"
	CodeInsufficientCredits  ErrorCode = "INSUFFICIENT_CREDITS"
	CodeReplayTooOld         ErrorCode = "REPLAY_TOO_OLD"
	CodeResumeFailed         ErrorCode = "RESUME_FAILED"
	CodeTransactionNotFound  ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeMissingToolName      ErrorCode = "MISSING_TOOL_NAME"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeRunNotFound          ErrorCode = "RUN_NOT_FOUND"
	CodeRunLimitExceeded     ErrorCode = "RUN_LIMIT_EXCEEDED"
	CodeMissingRunID         ErrorCode = "MISSING_RUN_ID"
)

// fatalCodes are the error codes that terminate the session after the ERROR
// envelope is sent.
var fatalCodes = map[ErrorCode]struct{}{
	CodeVersionIncompatible: {},
	CodeFailedAuth:          {},
	CodeNotHAI:              {},
}

// IsFatal reports whether an error with this code must close the session.
func (c ErrorCode) IsFatal() bool {
	_, ok := fatalCodes[c]
	return ok
}

// Error is a protocol-level failure. It is converted into an ERROR envelope
// on channel SYSTEM and, unless the code is fatal, never tears the session
// down. Error implements the error interface so handlers can return it
// directly.
type Error struct {
	// Code is the machine-readable error code.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RelatedID is the id of the envelope that triggered the error, when known.
	RelatedID string

	// Detail carries optional structured context.
	Detail map[string]any
}

// Errorf creates an [Error] with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRelated returns a copy of e referencing the envelope that triggered it.
func (e *Error) WithRelated(envelopeID string) *Error {
	clone := *e
	clone.RelatedID = envelopeID
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload renders e as the payload object of an ERROR envelope.
func (e *Error) Payload() map[string]any {
	p := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if e.RelatedID != "" {
		p["related_id"] = e.RelatedID
	}
	if len(e.Detail) > 0 {
		p["detail"] = e.Detail
	}
	return p
}
