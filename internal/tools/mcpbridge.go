package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/haipio/haip/pkg/protocol"
	"github.com/haipio/haip/pkg/tool"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// MCPServerConfig describes how to reach one MCP tool server.
type MCPServerConfig struct {
	// Name is a unique label for this server, used in logs and errors.
	Name string

	// Transport selects the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is stdio.
	Command string

	// URL is the endpoint address when Transport is streamable-http.
	URL string

	// Env holds additional environment variables for stdio subprocesses.
	Env map[string]string
}

// MCPBridge connects to MCP servers and surfaces each remote tool in a HAIP
// [Registry]. A MESSAGE_END envelope addressed to a bridged tool becomes an
// MCP tools/call; the textual result streams back to the peer as a
// MESSAGE_START/PART/END sequence on the AGENT channel.
type MCPBridge struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: server name
}

// NewMCPBridge creates a bridge with a single shared MCP client. The
// official SDK allows one client to manage multiple sessions concurrently.
func NewMCPBridge() *MCPBridge {
	return &MCPBridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "haip-mcp-bridge", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterServer connects to the MCP server described by cfg, discovers its
// tool catalogue, and registers each tool in reg. Tool names already present
// in the registry fail registration so that bridged servers cannot shadow
// local tools.
func (b *MCPBridge) RegisterServer(ctx context.Context, reg *Registry, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp bridge: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp bridge: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp bridge: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcp bridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp bridge: connect to server %q: %w", cfg.Name, err)
	}

	var registered int
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp bridge: list tools for server %q: %w", cfg.Name, err)
		}
		bridged := &mcpTool{
			session:     session,
			name:        t.Name,
			description: t.Description,
			inputSchema: schemaToMap(t.InputSchema),
		}
		if err := reg.Register(bridged); err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp bridge: server %q: %w", cfg.Name, err)
		}
		registered++
	}

	b.mu.Lock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	slog.Info("registered MCP server", "name", cfg.Name, "transport", cfg.Transport, "tools", registered)
	return nil
}

// Close terminates every server session.
func (b *MCPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp bridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// mcpTool adapts one remote MCP tool to the HAIP [tool.Handler] contract.
type mcpTool struct {
	session     *mcpsdk.ClientSession
	name        string
	description string
	inputSchema map[string]any
}

var _ tool.Handler = (*mcpTool)(nil)

// Descriptor implements [tool.Handler].
func (t *mcpTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.inputSchema,
	}
}

// HandleMessage implements [tool.Handler]. MESSAGE_START and MESSAGE_PART
// accumulate nothing server-side: the call fires on MESSAGE_END, whose
// payload.params object (or, failing that, the whole payload) becomes the
// tools/call arguments.
func (t *mcpTool) HandleMessage(ctx context.Context, env *protocol.Envelope, sink tool.Sink) error {
	if env.Type != protocol.EventMessageEnd {
		return nil
	}

	args, ok := env.Payload["params"].(map[string]any)
	if !ok {
		args = env.Payload
	}

	result, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: args,
	})
	if err != nil {
		return fmt.Errorf("mcp bridge: call to tool %q failed: %w", t.name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	messageID := env.ID
	if err := sink.Send(ctx, protocol.EventMessageStart, protocol.ChannelAgent,
		map[string]any{"message_id": messageID}); err != nil {
		return err
	}
	part := map[string]any{"message_id": messageID, "text": sb.String()}
	if result.IsError {
		part["is_error"] = true
	}
	if err := sink.Send(ctx, protocol.EventMessagePart, protocol.ChannelAgent, part); err != nil {
		return err
	}
	return sink.Send(ctx, protocol.EventMessageEnd, protocol.ChannelAgent,
		map[string]any{"message_id": messageID})
}

// splitCommand splits a command line on spaces into executable and args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round trip when necessary.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
