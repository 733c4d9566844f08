package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; network and TLS
// changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProtocolChanged is true when any per-session tunable changed. Existing
	// sessions keep their parameters; new sessions pick up the new values.
	ProtocolChanged bool

	// AuthChanged is true when the token table changed.
	AuthChanged bool

	// MCPServerChanges lists added and removed bridged servers by name.
	MCPServerChanges []MCPServerDiff
}

// MCPServerDiff describes one MCP server difference between two configs.
type MCPServerDiff struct {
	Name    string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Protocol != new.Protocol {
		d.ProtocolChanged = true
	}

	if !equalTokens(old.Auth.Tokens, new.Auth.Tokens) {
		d.AuthChanged = true
	}

	oldServers := make(map[string]*MCPServerConfig, len(old.Tools.MCPServers))
	for i := range old.Tools.MCPServers {
		oldServers[old.Tools.MCPServers[i].Name] = &old.Tools.MCPServers[i]
	}
	newServers := make(map[string]*MCPServerConfig, len(new.Tools.MCPServers))
	for i := range new.Tools.MCPServers {
		newServers[new.Tools.MCPServers[i].Name] = &new.Tools.MCPServers[i]
	}

	for name, oldSrv := range oldServers {
		newSrv, exists := newServers[name]
		if !exists {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{Name: name, Removed: true})
			continue
		}
		if !equalMCPServer(oldSrv, newSrv) {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{Name: name, Changed: true})
		}
	}
	for name := range newServers {
		if _, exists := oldServers[name]; !exists {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{Name: name, Added: true})
		}
	}

	return d
}

func equalTokens(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func equalMCPServer(a, b *MCPServerConfig) bool {
	if a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL {
		return false
	}
	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}
