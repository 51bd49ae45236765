package ingest

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/threadloom/internal/store"
)

// detailSchemas holds one JSON Schema per event type. Inbound details
// are validated against these before anything touches the database.
var detailSchemas = map[store.EventType]string{
	store.EventMessage: `{
		"type": "object",
		"properties": {"text": {"type": "string", "minLength": 1}},
		"required": ["text"]
	}`,
	store.EventReply: `{
		"type": "object",
		"properties": {"text": {"type": "string", "minLength": 1}},
		"required": ["text"]
	}`,
	store.EventReaction: `{
		"type": "object",
		"properties": {"emoji": {"type": "string", "minLength": 1}},
		"required": ["emoji"]
	}`,
	store.EventActionCall: `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"arguments": {"type": "string"}
		},
		"required": ["name"]
	}`,
	store.EventActionStart: `{
		"type": "object",
		"properties": {"name": {"type": "string", "minLength": 1}},
		"required": ["name"]
	}`,
	store.EventActionOutput: `{
		"type": "object",
		"properties": {"output": {"type": "string"}},
		"required": ["output"]
	}`,
	store.EventActionComplete: `{
		"type": "object",
		"properties": {"result": {"type": "string"}}
	}`,
	store.EventActionError: `{
		"type": "object",
		"properties": {"message": {"type": "string", "minLength": 1}},
		"required": ["message"]
	}`,
	store.EventActionAbort: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	store.EventRequest: `{
		"type": "object",
		"properties": {"body": {"type": "string"}},
		"required": ["body"]
	}`,
	store.EventResponse: `{
		"type": "object",
		"properties": {"body": {"type": "string"}},
		"required": ["body"]
	}`,
}

type detailValidator struct {
	schemas map[store.EventType]*jsonschema.Schema
}

// newDetailValidator compiles every per-type schema once.
func newDetailValidator() (*detailValidator, error) {
	c := jsonschema.NewCompiler()
	for t, src := range detailSchemas {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", t, err)
		}
		if err := c.AddResource(string(t)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", t, err)
		}
	}
	compiled := make(map[store.EventType]*jsonschema.Schema, len(detailSchemas))
	for t := range detailSchemas {
		sch, err := c.Compile(string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", t, err)
		}
		compiled[t] = sch
	}
	return &detailValidator{schemas: compiled}, nil
}

// Validate checks an event's detail against the schema for its type.
func (v *detailValidator) Validate(t store.EventType, d store.Detail) error {
	sch, ok := v.schemas[t]
	if !ok {
		return fmt.Errorf("no detail schema for event type %q", t)
	}
	encoded, err := store.EncodeDetail(t, d)
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("parse %s detail: %w", t, err)
	}
	if err := sch.Validate(parsed); err != nil {
		return fmt.Errorf("%s detail rejected: %w", t, err)
	}
	return nil
}
