// Package transport adapts HTTP entry points to the session engine's
// connection contract. Three wire shapes are served: WebSocket (JSON text
// frames plus native binary frames), server-sent events paired with a POST
// ingress, and a single-request NDJSON duplex stream.
package transport

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/haipio/haip/internal/session"
	"github.com/haipio/haip/pkg/protocol"
)

// StartFunc runs the session engine on an accepted connection and blocks
// until the session finishes. The server wires this to session construction,
// manager registration and Run.
type StartFunc func(ctx context.Context, conn session.Conn)

const (
	// maxFrameBytes bounds a single envelope frame or NDJSON line. Audio
	// chunks are the largest expected envelopes and stay well below this.
	maxFrameBytes = 16 << 20

	// lineScanBuffer is the initial scanner allocation for NDJSON input.
	lineScanBuffer = 64 << 10
)

// inflateBinary lifts base64 payload data into env.Binary on transports
// without native binary frames. The data key is consumed so handlers see
// the same envelope shape regardless of wire.
func inflateBinary(env *protocol.Envelope) error {
	if env.BinLen <= 0 || env.Payload == nil {
		return nil
	}
	enc, ok := env.Payload["data"].(string)
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidMessage,
			"envelope %s declares bin_len %d but carries no base64 data", env.ID, env.BinLen).
			WithRelated(env.ID)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidMessage,
			"envelope %s binary data is not valid base64: %v", env.ID, err).
			WithRelated(env.ID)
	}
	if int64(len(raw)) != env.BinLen {
		return protocol.Errorf(protocol.CodeInvalidMessage,
			"envelope %s binary data is %d bytes, bin_len declares %d", env.ID, len(raw), env.BinLen).
			WithRelated(env.ID)
	}
	env.Binary = raw
	delete(env.Payload, "data")
	return nil
}

// deflateBinary returns env with any attached binary folded into the
// payload as base64 data, for wires that only carry text. The original
// envelope is left untouched.
func deflateBinary(env *protocol.Envelope) *protocol.Envelope {
	if len(env.Binary) == 0 {
		return env
	}
	clone := *env
	payload := make(map[string]any, len(env.Payload)+1)
	for k, v := range env.Payload {
		payload[k] = v
	}
	payload["data"] = base64.StdEncoding.EncodeToString(env.Binary)
	clone.Payload = payload
	clone.BinLen = int64(len(env.Binary))
	clone.Binary = nil
	return &clone
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
