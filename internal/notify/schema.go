package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

// Notification types emitted by the marketplace core.
const (
	TypeOfferNew        = "offer.new"
	TypeOfferAccepted   = "offer.accepted"
	TypeOfferRejected   = "offer.rejected"
	TypeRequestStatus   = "request.status_changed"
	TypeMessageNew      = "message.new"
	TypeRequestAssigned = "request.assigned"
)

var builtinSchemas = map[string]string{
	TypeOfferNew: `{
		"type": "object",
		"required": ["request_id", "offer_id", "worker_id", "price"],
		"properties": {
			"request_id": {"type": "integer"},
			"offer_id": {"type": "integer"},
			"worker_id": {"type": "integer"},
			"price": {"type": "number", "exclusiveMinimum": 0}
		}
	}`,
	TypeOfferAccepted: `{
		"type": "object",
		"required": ["request_id", "offer_id"],
		"properties": {
			"request_id": {"type": "integer"},
			"offer_id": {"type": "integer"}
		}
	}`,
	TypeOfferRejected: `{
		"type": "object",
		"required": ["request_id", "offer_id"],
		"properties": {
			"request_id": {"type": "integer"},
			"offer_id": {"type": "integer"},
			"reason": {"type": "string"}
		}
	}`,
	TypeRequestStatus: `{
		"type": "object",
		"required": ["request_id", "old_status", "new_status"],
		"properties": {
			"request_id": {"type": "integer"},
			"old_status": {"type": "string"},
			"new_status": {"type": "string"}
		}
	}`,
	TypeRequestAssigned: `{
		"type": "object",
		"required": ["request_id", "worker_id"],
		"properties": {
			"request_id": {"type": "integer"},
			"worker_id": {"type": "integer"}
		}
	}`,
	TypeMessageNew: `{
		"type": "object",
		"required": ["conversation_id", "message_id", "sender_id"],
		"properties": {
			"conversation_id": {"type": "integer"},
			"message_id": {"type": "integer"},
			"sender_id": {"type": "integer"}
		}
	}`,
}

// Schemas holds the payload schema of each notification type. Types without a
// schema accept any JSON object.
type Schemas struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemas returns a registry preloaded with the built-in types.
func NewSchemas() *Schemas {
	s := &Schemas{cache: make(map[string]*jsonschema.Schema)}
	for typ, raw := range builtinSchemas {
		if err := s.Register(typ, []byte(raw)); err != nil {
			panic(fmt.Sprintf("builtin schema %s: %v", typ, err))
		}
	}
	return s
}

// Register compiles schema and installs it for typ, replacing any previous one.
func (s *Schemas) Register(typ string, schema []byte) error {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(schema, rs); err != nil {
		return fmt.Errorf("invalid schema json: %w", err)
	}

	s.mu.Lock()
	s.cache[typ] = rs
	s.mu.Unlock()
	return nil
}

// Validate checks payload against the schema of typ. An empty payload is
// treated as an empty object.
func (s *Schemas) Validate(ctx context.Context, typ string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var probe any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidPayload)
	}
	if _, ok := probe.(map[string]any); !ok {
		return fmt.Errorf("%w: payload must be a json object", ErrInvalidPayload)
	}

	s.mu.RLock()
	rs, ok := s.cache[typ]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	verrs, err := rs.ValidateBytes(ctx, payload)
	if err != nil {
		return fmt.Errorf("validate %s payload: %w", typ, err)
	}
	if len(verrs) > 0 {
		msgs := make([]string, 0, len(verrs))
		for _, ve := range verrs {
			msgs = append(msgs, strings.TrimSpace(ve.PropertyPath+" "+ve.Message))
		}
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(msgs, "; "))
	}

	return nil
}
