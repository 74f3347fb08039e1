package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// NewRecord returns an empty record of type t.
func NewRecord(t EntityType) (Record, error) {
	switch t {
	case EntityWorkspace:
		return &Workspace{}, nil
	case EntitySession:
		return &Session{}, nil
	case EntityInboxMessage:
		return &InboxMessage{}, nil
	case EntityComment:
		return &DiffComment{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

// DecodeRecord parses a JSON document into a record of type t.
func DecodeRecord(t EntityType, data []byte) (Record, error) {
	rec, err := NewRecord(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s record: %w", t, err)
	}
	return rec, nil
}

// EncodeRecord serializes a record to JSON.
func EncodeRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", rec.EntityType(), err)
	}
	return data, nil
}

// CloneRecord returns a deep copy of rec.
func CloneRecord(rec Record) (Record, error) {
	data, err := EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(rec.EntityType(), data)
}

//go:embed schemas/workspace.json
var workspaceSchema []byte

//go:embed schemas/session.json
var sessionSchema []byte

//go:embed schemas/inbox_message.json
var inboxMessageSchema []byte

//go:embed schemas/comment.json
var commentSchema []byte

var (
	compileOnce sync.Once
	compiled    map[EntityType]*jsonschema.Schema
	compileErr  error
)

func payloadSchemas() (map[EntityType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		sources := map[EntityType][]byte{
			EntityWorkspace:    workspaceSchema,
			EntitySession:      sessionSchema,
			EntityInboxMessage: inboxMessageSchema,
			EntityComment:      commentSchema,
		}
		c := jsonschema.NewCompiler()
		for t, src := range sources {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("failed to parse %s schema: %w", t, err)
				return
			}
			if err := c.AddResource(schemaURL(t), doc); err != nil {
				compileErr = fmt.Errorf("failed to add %s schema: %w", t, err)
				return
			}
		}
		compiled = make(map[EntityType]*jsonschema.Schema, len(sources))
		for t := range sources {
			sch, err := c.Compile(schemaURL(t))
			if err != nil {
				compileErr = fmt.Errorf("failed to compile %s schema: %w", t, err)
				return
			}
			compiled[t] = sch
		}
	})
	return compiled, compileErr
}

func schemaURL(t EntityType) string {
	return "https://agentdesk.dev/schemas/" + string(t) + ".json"
}

// ValidatePayloadJSON checks a raw payload against the JSON Schema of its
// entity type. It catches shape errors (wrong types, unknown fields, missing
// required keys) before the document is decoded into a Record.
func ValidatePayloadJSON(t EntityType, data []byte) error {
	schemas, err := payloadSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[t]
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", t, err)
	}
	return nil
}

// ParsePayload validates and decodes a raw payload, then applies defaults and
// the record's own validation.
func ParsePayload(t EntityType, data []byte) (Record, error) {
	if err := ValidatePayloadJSON(t, data); err != nil {
		return nil, err
	}
	rec, err := DecodeRecord(t, data)
	if err != nil {
		return nil, err
	}
	if d, ok := rec.(interface{ SetDefaults() }); ok {
		d.SetDefaults()
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return rec, nil
}
