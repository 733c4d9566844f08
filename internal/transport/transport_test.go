package transport_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haipio/haip/internal/session"
	"github.com/haipio/haip/internal/tools"
	"github.com/haipio/haip/internal/transport"
	"github.com/haipio/haip/pkg/protocol"
)

// startFunc builds the session launcher the real server would provide. The
// heartbeat interval is pushed out so PING traffic never interleaves with
// wire assertions.
func startFunc(t *testing.T) transport.StartFunc {
	t.Helper()

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return func(ctx context.Context, conn session.Conn) {
		sess := session.New(session.Config{
			Conn:              conn,
			Tools:             reg,
			Log:               log,
			HeartbeatInterval: time.Hour,
		})
		_ = sess.Run(ctx)
	}
}

// clientEnv builds and encodes a peer-originated envelope.
func clientEnv(t *testing.T, typ protocol.EventType, ch protocol.Channel, sid, txn, seq string, payload map[string]any) []byte {
	t.Helper()
	env := protocol.New(typ, ch, payload)
	env.Session = sid
	env.Transaction = txn
	env.Seq = seq
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	return data
}

func decodeEnv(t *testing.T, data []byte) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode server envelope: %v (raw: %s)", err, data)
	}
	return env
}

// helloPayload is the minimal client HAI body. The empty accept_events list
// leaves the full event vocabulary negotiated.
func helloPayload() map[string]any {
	return map[string]any{
		"haip_version":  protocol.Version,
		"accept_major":  []int{1},
		"accept_events": []string{},
	}
}

func errorCode(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	if env.Type != protocol.EventError {
		t.Fatalf("expected ERROR envelope, got %s (payload %v)", env.Type, env.Payload)
	}
	code, _ := env.Payload["code"].(string)
	return code
}
