package config_test

import (
	"strings"
	"testing"

	"github.com/haipio/haip/internal/config"
)

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/haip/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for incomplete TLS config, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_HeartbeatTimeoutMustBeShorter(t *testing.T) {
	t.Parallel()
	yaml := `
protocol:
  heartbeat_interval: 5s
  heartbeat_timeout: 10s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for timeout >= interval, got nil")
	}
	if !strings.Contains(err.Error(), "heartbeat_timeout") {
		t.Errorf("error should mention heartbeat_timeout, got: %v", err)
	}
}

func TestValidate_StdioServerNeedsCommand(t *testing.T) {
	t.Parallel()
	yaml := `
tools:
  mcp_servers:
    - name: files
      transport: stdio
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for stdio server without command, got nil")
	}
	if !strings.Contains(err.Error(), "command") {
		t.Errorf("error should mention command, got: %v", err)
	}
}

func TestValidate_HTTPServerNeedsURL(t *testing.T) {
	t.Parallel()
	yaml := `
tools:
  mcp_servers:
    - name: search
      transport: streamable-http
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for streamable-http server without url, got nil")
	}
	if !strings.Contains(err.Error(), "url") {
		t.Errorf("error should mention url, got: %v", err)
	}
}

func TestValidate_DuplicateMCPServerNames(t *testing.T) {
	t.Parallel()
	yaml := `
tools:
  mcp_servers:
    - name: files
      transport: stdio
      command: mcp-files
    - name: files
      transport: stdio
      command: mcp-files-2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate server names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_UnknownTransport(t *testing.T) {
	t.Parallel()
	yaml := `
tools:
  mcp_servers:
    - name: files
      transport: carrier-pigeon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown transport, got nil")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error should name the bad transport, got: %v", err)
	}
}

func TestValidate_EmptyTokenAndSubject(t *testing.T) {
	t.Parallel()
	yaml := `
auth:
  tokens:
    "": alice
    "tok-xyz": ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for malformed token table, got nil")
	}
	if !strings.Contains(err.Error(), "subject") {
		t.Errorf("error should mention the missing subject, got: %v", err)
	}
}

func TestValidate_NegativeCredits(t *testing.T) {
	t.Parallel()
	yaml := `
protocol:
  initial_credit_messages: -5
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for negative credits, got nil")
	}
}
