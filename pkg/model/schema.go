package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DocumentKind names a persisted JSON document.
type DocumentKind string

const (
	DocFullCheckpoint        DocumentKind = "full_checkpoint"
	DocIncrementalCheckpoint DocumentKind = "incremental_checkpoint"
	DocRollingState          DocumentKind = "rolling_state"
	DocEvent                 DocumentKind = "event"
	DocProposedChange        DocumentKind = "proposed_change"
)

const fileMapSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["hash"],
		"properties": {
			"content": {"type": ["string", "null"]},
			"hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}
}`

var eventSchema = `{
	"type": "object",
	"required": ["id", "event_timestamp", "parent_ids"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"path": {"type": "string"},
		"content": {"type": ["string", "null"]},
		"old_hash": {"type": "string"},
		"new_hash": {"type": "string"},
		"event_timestamp": {"type": "string"},
		"parent_ids": {"type": ["array", "null"], "items": {"type": "string", "minLength": 1}},
		"is_root": {"type": "boolean"},
		"is_merge": {"type": "boolean"}
	}
}`

var schemaSources = map[DocumentKind]string{
	DocFullCheckpoint: `{
		"type": "object",
		"required": ["owner", "files", "head_id", "last_event_timestamp", "created_at"],
		"properties": {
			"owner": {"type": "string"},
			"files": ` + fileMapSchema + `,
			"head_id": {"type": "string", "minLength": 1},
			"last_event_timestamp": {"type": "string"},
			"created_at": {"type": "string"}
		}
	}`,
	DocIncrementalCheckpoint: `{
		"type": "object",
		"required": ["owner", "files", "head_id", "last_event_timestamp", "created_at", "sequence_no"],
		"properties": {
			"owner": {"type": "string"},
			"files": ` + fileMapSchema + `,
			"head_id": {"type": "string", "minLength": 1},
			"last_event_timestamp": {"type": "string"},
			"created_at": {"type": "string"},
			"sequence_no": {"type": "integer", "minimum": 1}
		}
	}`,
	DocRollingState: `{
		"type": "object",
		"required": ["owner", "events", "event_count"],
		"properties": {
			"owner": {"type": "string"},
			"events": {"type": ["array", "null"], "items": ` + eventSchema + `},
			"event_count": {"type": "integer", "minimum": 0}
		}
	}`,
	DocEvent: eventSchema,
	DocProposedChange: `{
		"type": "object",
		"required": ["id", "path", "new_hash", "parent_id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"path": {"type": "string", "minLength": 1},
			"content": {"type": ["string", "null"]},
			"old_hash": {"type": "string"},
			"new_hash": {"type": "string", "minLength": 1},
			"parent_id": {"type": "string", "minLength": 1}
		}
	}`,
}

var schemas = compileSchemas()

func compileSchemas() map[DocumentKind]*jsonschema.Schema {
	out := make(map[DocumentKind]*jsonschema.Schema, len(schemaSources))
	for kind, src := range schemaSources {
		out[kind] = jsonschema.MustCompileString("eventfold://"+string(kind)+".json", src)
	}
	return out
}

// ValidateDocument checks raw JSON against the schema for kind.
func ValidateDocument(kind DocumentKind, data []byte) error {
	s, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("unknown document kind %q", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("validate %s: %w", kind, err)
	}
	return nil
}

// DecodeDocument validates data and unmarshals it into out.
func DecodeDocument(kind DocumentKind, data []byte, out interface{}) error {
	if err := ValidateDocument(kind, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	return nil
}
