package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// mcpTransports lists the connection mechanisms the MCP bridge supports.
var mcpTransports = []string{"stdio", "streamable-http"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Protocol tunables must not be negative; zero means engine default.
	if cfg.Protocol.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("protocol.heartbeat_interval must not be negative"))
	}
	if cfg.Protocol.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("protocol.heartbeat_timeout must not be negative"))
	}
	if cfg.Protocol.HeartbeatInterval > 0 && cfg.Protocol.HeartbeatTimeout > 0 &&
		cfg.Protocol.HeartbeatTimeout.Std() >= cfg.Protocol.HeartbeatInterval.Std() {
		errs = append(errs, errors.New("protocol.heartbeat_timeout must be shorter than heartbeat_interval"))
	}
	if cfg.Protocol.ReplayWindowCount < 0 {
		errs = append(errs, errors.New("protocol.replay_window_count must not be negative"))
	}
	if cfg.Protocol.InitialCreditMessages < 0 || cfg.Protocol.InitialCreditBytes < 0 {
		errs = append(errs, errors.New("protocol initial credits must not be negative"))
	}
	if cfg.Protocol.MaxConcurrentRuns < 0 {
		errs = append(errs, errors.New("protocol.max_concurrent_runs must not be negative"))
	}

	// Auth
	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; every handshake will be accepted anonymously")
	}
	for token, subject := range cfg.Auth.Tokens {
		if token == "" {
			errs = append(errs, errors.New("auth.tokens contains an empty token"))
		}
		if subject == "" {
			errs = append(errs, fmt.Errorf("auth.tokens entry for %q has no subject", redactToken(token)))
		}
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		case "":
			errs = append(errs, fmt.Errorf("%s.transport is required; valid values: %v", prefix, mcpTransports))
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: %v", prefix, srv.Transport, mcpTransports))
		}
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; closed transactions will not be archived")
	}

	return errors.Join(errs...)
}

// redactToken keeps only a short prefix of a token for error messages.
func redactToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
