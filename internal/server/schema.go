package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schemas check shape and types only. Presence of edge_id and action is
// checked by the relay itself so every surface reports it the same way.

const triggerSchema = `{
  "type": "object",
  "properties": {
    "edge_id": { "type": "string" },
    "event_type": { "type": "string" },
    "source": { "type": "string" },
    "payload": { "type": "object" }
  },
  "additionalProperties": true
}`

const enqueueSchema = `{
  "type": "object",
  "properties": {
    "edge_id": { "type": "string" },
    "action": { "type": "string" },
    "args": { "type": ["object", "null"] },
    "request_id": { "type": "string" },
    "reply_url": { "type": "string" }
  },
  "additionalProperties": true
}`

const pullSchema = `{
  "type": "object",
  "properties": {
    "edge_id": { "type": "string" },
    "max_commands": { "type": ["integer", "null"] },
    "client": {}
  },
  "additionalProperties": true
}`

const resultSchema = `{
  "type": "object",
  "properties": {
    "request_id": { "type": "string" },
    "edge_id": { "type": "string" },
    "status": { "enum": ["success", "error", "ok", ""] },
    "result": {},
    "error": { "type": ["string", "null"] }
  },
  "additionalProperties": true
}`

const rpcSchema = `{
  "type": "object",
  "required": ["method"],
  "properties": {
    "jsonrpc": { "const": "2.0" },
    "method": { "type": "string", "minLength": 1 },
    "params": { "type": ["object", "null"] }
  },
  "additionalProperties": true
}`

var errNotObject = errors.New("JSON object required")

type schemaRegistry struct {
	once    sync.Once
	initErr error
	byName  map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		sources := map[string]string{
			"trigger": triggerSchema,
			"enqueue": enqueueSchema,
			"pull":    pullSchema,
			"result":  resultSchema,
			"rpc":     rpcSchema,
		}
		schemas.byName = make(map[string]*jsonschema.Schema, len(sources))
		for name, src := range sources {
			compiled, err := jsonschema.CompileString(name+".schema.json", src)
			if err != nil {
				schemas.initErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			schemas.byName[name] = compiled
		}
	})
	return schemas.initErr
}

// decodeObject parses raw as a JSON object, validates it against the named
// schema and decodes it into out.
func decodeObject(raw []byte, schema string, out any) (map[string]any, error) {
	if err := initSchemas(); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	if err := schemas.byName[schema].Validate(doc); err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
	}
	return obj, nil
}
