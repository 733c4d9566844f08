package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/haipio/haip/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
protocol:
  heartbeat_interval: 30s
  heartbeat_timeout: 5s
  replay_window_age: 5m
  replay_window_count: 1000
  initial_credit_messages: 1000
  initial_credit_bytes: 1048576
  max_concurrent_runs: 10
auth:
  tokens:
    secret-token-1: alice
    secret-token-2: bob
tools:
  builtin: true
  mcp_servers:
    - name: files
      transport: stdio
      command: "mcp-files --root /srv"
      env:
        LOG_LEVEL: warn
    - name: search
      transport: streamable-http
      url: "https://mcp.example.com/mcp"
archive:
  postgres_dsn: "postgres://localhost/haip"
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if got := cfg.Protocol.HeartbeatInterval.Std(); got != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", got)
	}
	if got := cfg.Protocol.ReplayWindowAge.Std(); got != 5*time.Minute {
		t.Errorf("replay_window_age = %v, want 5m", got)
	}
	if cfg.Protocol.InitialCreditBytes != 1<<20 {
		t.Errorf("initial_credit_bytes = %d", cfg.Protocol.InitialCreditBytes)
	}
	if cfg.Auth.Tokens["secret-token-1"] != "alice" {
		t.Errorf("tokens = %v", cfg.Auth.Tokens)
	}
	if !cfg.Tools.Builtin {
		t.Error("tools.builtin should be true")
	}
	if len(cfg.Tools.MCPServers) != 2 {
		t.Fatalf("mcp_servers = %d entries, want 2", len(cfg.Tools.MCPServers))
	}
	if cfg.Tools.MCPServers[0].Env["LOG_LEVEL"] != "warn" {
		t.Errorf("mcp env = %v", cfg.Tools.MCPServers[0].Env)
	}
	if cfg.Archive.PostgresDSN != "postgres://localhost/haip" {
		t.Errorf("postgres_dsn = %q", cfg.Archive.PostgresDSN)
	}
}

func TestLoadFromReader_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
	if cfg.Protocol.HeartbeatInterval != 0 {
		t.Error("unset durations should stay zero for engine defaults")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  listne_addr_typo: ":9090"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	yaml := `
protocol:
  heartbeat_interval: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("unparseable duration should fail")
	}
	if !strings.Contains(err.Error(), "soon") {
		t.Errorf("error should name the bad value: %v", err)
	}
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	t.Parallel()
	d := config.Duration(90 * time.Second)
	v, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if v != "1m30s" {
		t.Errorf("marshalled = %v, want 1m30s", v)
	}
}
