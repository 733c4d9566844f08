package protocol

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the JSON schema every envelope must satisfy, including
// per-type payload refinements for the events whose payloads carry required
// fields.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "HAIP Envelope",
  "type": "object",
  "required": ["id", "session", "seq", "ts", "channel", "type", "payload"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "session": {"type": "string", "minLength": 1},
    "transaction": {"type": "string"},
    "seq": {"type": "string", "pattern": "^[0-9]+$"},
    "ack": {"type": "string", "pattern": "^[0-9]+$"},
    "ts": {"type": "string", "pattern": "^[0-9]+$"},
    "channel": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$"},
    "type": {"type": "string", "minLength": 1},
    "payload": {"type": "object"},
    "pv": {"type": "integer", "minimum": 0},
    "crit": {"type": "boolean"},
    "bin_len": {"type": "integer", "minimum": 0},
    "bin_mime": {"type": "string"},
    "run_id": {"type": "string"},
    "thread_id": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "HAI"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["haip_version", "accept_major", "accept_events"],
            "properties": {
              "haip_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
              "accept_major": {"type": "array", "items": {"type": "integer"}},
              "accept_events": {"type": "array", "items": {"type": "string"}},
              "capabilities": {"type": "object"},
              "last_rx_seq": {"type": "string", "pattern": "^[0-9]+$"},
              "auth": {"type": "object"}
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "PING"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["nonce"],
            "properties": {"nonce": {"type": "string", "minLength": 1}}
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "PONG"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["nonce"],
            "properties": {"nonce": {"type": "string", "minLength": 1}}
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "ERROR"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["code"],
            "properties": {
              "code": {"type": "string", "minLength": 1},
              "message": {"type": "string"},
              "related_id": {"type": "string"},
              "detail": {"type": "object"}
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "FLOW_UPDATE"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["channel"],
            "properties": {
              "channel": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$"},
              "add_messages": {"type": "integer", "minimum": 0},
              "add_bytes": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "REPLAY_REQUEST"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["from_seq"],
            "properties": {
              "from_seq": {"type": "string", "pattern": "^[0-9]+$"},
              "to_seq": {"type": "string", "pattern": "^[0-9]+$"}
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"enum": ["PAUSE_CHANNEL", "RESUME_CHANNEL"]}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["channel"],
            "properties": {"channel": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$"}}
          }
        }
      }
    }
  ]
}`

var (
	compiledSchema     *gojsonschema.Schema
	compiledSchemaOnce sync.Once
	compiledSchemaErr  error
)

// schema compiles the envelope schema on first use.
func schema() (*gojsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiledSchema, compiledSchemaErr = gojsonschema.NewSchema(
			gojsonschema.NewStringLoader(envelopeSchema))
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateSchema checks a raw envelope document against the JSON envelope
// schema, including per-type payload refinements. Returns a [*Error] with
// code INVALID_MESSAGE describing every violated constraint.
func ValidateSchema(data []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("protocol: compile envelope schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Errorf(CodeInvalidMessage, "malformed envelope JSON: %v", err)
	}
	if result.Valid() {
		return nil
	}
	var reasons []string
	for _, violation := range result.Errors() {
		reasons = append(reasons, violation.String())
	}
	return Errorf(CodeInvalidMessage, "envelope schema: %s", strings.Join(reasons, "; "))
}
