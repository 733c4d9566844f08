package config_test

import (
	"testing"

	"github.com/haipio/haip/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Protocol: config.ProtocolConfig{
			InitialCreditMessages: 1000,
			MaxConcurrentRuns:     10,
		},
		Auth: config.AuthConfig{Tokens: map[string]string{"tok-1": "alice"}},
		Tools: config.ToolsConfig{
			Builtin: true,
			MCPServers: []config.MCPServerConfig{
				{Name: "files", Transport: "stdio", Command: "mcp-files"},
			},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.ProtocolChanged || d.AuthChanged || len(d.MCPServerChanges) != 0 {
		t.Errorf("identical configs should produce an empty diff: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
}

func TestDiff_ProtocolTunables(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Protocol.MaxConcurrentRuns = 20

	d := config.Diff(old, new)
	if !d.ProtocolChanged {
		t.Error("protocol tunable change not detected")
	}
}

func TestDiff_AuthTokens(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Auth.Tokens = map[string]string{"tok-1": "alice", "tok-2": "bob"}

	d := config.Diff(old, new)
	if !d.AuthChanged {
		t.Error("token table change not detected")
	}
}

func TestDiff_MCPServers(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Tools.MCPServers = []config.MCPServerConfig{
		{Name: "files", Transport: "stdio", Command: "mcp-files --root /srv"},
		{Name: "search", Transport: "streamable-http", URL: "https://mcp.example.com"},
	}

	d := config.Diff(old, new)
	var changed, added bool
	for _, c := range d.MCPServerChanges {
		switch c.Name {
		case "files":
			changed = c.Changed
		case "search":
			added = c.Added
		}
	}
	if !changed {
		t.Error("modified server not detected")
	}
	if !added {
		t.Error("added server not detected")
	}

	d = config.Diff(new, old)
	var removed bool
	for _, c := range d.MCPServerChanges {
		if c.Name == "search" && c.Removed {
			removed = true
		}
	}
	if !removed {
		t.Error("removed server not detected")
	}
}
