package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// ErrMalformedFrame indicates an inbound frame that fails the frame schema.
var ErrMalformedFrame = errors.New("malformed frame")

const frameSchemaURL = "frame.schema.json"

const frameSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["ping", "chat_message", "typing", "stop_typing", "viewed", "join_company", "fetch_unread_count"]},
    "content": {"type": "string", "maxLength": 4000},
    "reply_to": {"type": ["integer", "null"], "minimum": 1},
    "is_typing": {"type": "boolean"},
    "company_id": {"type": "integer", "minimum": 1}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "join_company"}}},
      "then": {"required": ["company_id"]}
    }
  ]
}`

// FrameDecoder validates raw realtime frames against the frame schema.
type FrameDecoder struct {
	schema *jsonschema.Schema
}

// NewFrameDecoder compiles the frame schema.
func NewFrameDecoder() (*FrameDecoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(frameSchemaURL, strings.NewReader(frameSchema)); err != nil {
		return nil, fmt.Errorf("load frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &FrameDecoder{schema: schema}, nil
}

// Decode parses and validates one frame. Any failure is ErrMalformedFrame.
func (d *FrameDecoder) Decode(raw []byte) (dto.InboundFrame, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return dto.InboundFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return dto.InboundFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame dto.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return dto.InboundFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}
