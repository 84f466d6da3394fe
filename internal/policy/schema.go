package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for warden.yaml v1 configuration.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "warden.yaml Configuration",
  "description": "Warden tool-policy manifest v1",
  "type": "object",
  "required": ["service", "tools"],
  "additionalProperties": true,
  "properties": {
    "service": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_-]+$"},
        "description": {"type": "string"},
        "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"}
      }
    },
    "tools": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "risk_level"],
        "properties": {
          "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
          "description": {"type": "string"},
          "risk_level": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
          "idempotent": {"type": "boolean"},
          "timeout_ms": {"type": "integer", "minimum": 1},
          "rate_rule": {"type": "string"},
          "always_confirm": {"type": "boolean"},
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 1},
              "initial_delay_ms": {"type": "integer", "minimum": 1},
              "max_delay_ms": {"type": "integer", "minimum": 1},
              "backoff_multiplier": {"type": "number", "minimum": 1},
              "retryable_patterns": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    },
    "rate_rules": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["max_requests", "window_ms"],
        "properties": {
          "max_requests": {"type": "integer", "minimum": 1},
          "window_ms": {"type": "integer", "minimum": 1},
          "block_duration_ms": {"type": "integer", "minimum": 0}
        }
      }
    },
    "admission": {
      "type": "object",
      "properties": {
        "always_confirm": {"type": "array", "items": {"type": "string"}},
        "untrusted_sources": {"type": "array", "items": {"type": "string"}},
        "closed_registry": {"type": "boolean"}
      }
    },
    "triggers": {
      "type": "object",
      "properties": {
        "schedule": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["cron", "workflow"],
            "properties": {
              "cron": {"type": "string"},
              "workflow": {"type": "string"},
              "subject": {"type": "string"},
              "description": {"type": "string"}
            }
          }
        },
        "webhooks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "source", "workflow"],
            "properties": {
              "name": {"type": "string", "pattern": "^[a-z0-9-]+$"},
              "source": {"type": "string", "enum": ["generic", "github", "jira", "slack"]},
              "workflow": {"type": "string"},
              "subject": {"type": "string"},
              "input_template": {"type": "string"}
            }
          }
        }
      }
    },
    "blocked_tools": {"type": "array", "items": {"type": "string"}}
  }
}`

// ValidateSchema validates YAML manifest bytes against the v1 JSON schema.
// The YAML is first converted to JSON because gojsonschema operates on JSON.
// If strict is true, additional business-rule checks are applied.
func ValidateSchema(yamlBytes []byte, strict bool) error {
	// Convert YAML to a generic map, then marshal to JSON
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}

	// yaml.v3 unmarshals map keys as string, but we need to ensure
	// nested maps also use string keys for JSON marshalling.
	normalized := normalizeYAML(raw)

	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(schemaV1)
	documentLoader := gojsonschema.NewBytesLoader(jsonBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}

	if strict {
		if err := strictValidation(jsonBytes); err != nil {
			return err
		}
	}

	return nil
}

// strictValidation applies business-rule checks beyond the schema. Strict
// mode enforces governance posture: risky tools must be rate-limited, and
// retry configuration must be consistent with idempotency.
func strictValidation(jsonBytes []byte) error {
	var doc struct {
		Tools []struct {
			Name       string `json:"name"`
			RiskLevel  string `json:"risk_level"`
			Idempotent bool   `json:"idempotent"`
			RateRule   string `json:"rate_rule"`
			Retry      *struct {
				MaxAttempts int `json:"max_attempts"`
			} `json:"retry"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("parsing manifest for strict validation: %w", err)
	}

	for _, t := range doc.Tools {
		// 1. High and critical tools must be bound to a named rate rule.
		if t.RiskLevel == "high" || t.RiskLevel == "critical" {
			if t.RateRule == "" {
				return fmt.Errorf("strict mode: tool %q is %s risk and must reference a rate_rule", t.Name, t.RiskLevel)
			}
		}

		// 2. Retry on a non-idempotent tool can never fire — idempotency is
		// the hard gate — so declaring one is a manifest contradiction.
		if t.Retry != nil && t.Retry.MaxAttempts > 1 && !t.Idempotent {
			return fmt.Errorf("strict mode: tool %q declares retry but is not idempotent; retries would never run", t.Name)
		}
	}

	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
