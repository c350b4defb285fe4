package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const confirmSchemaURL = "https://vessel.dev/schemas/confirm-request.json"

const confirmSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["pool_id", "tranche", "amount", "tx_hash", "tnc_accepted", "investor_address"],
  "additionalProperties": false,
  "properties": {
    "pool_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "tranche": {"enum": ["priority", "catalyst"]},
    "amount": {
      "type": ["string", "number"],
      "pattern": "^[0-9]+(\\.[0-9]+)?$",
      "exclusiveMinimum": 0
    },
    "tx_hash": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
    "tnc_accepted": {"type": "boolean"},
    "catalyst_consents": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "loss_priority": {"type": "boolean"},
        "full_capital_loss": {"type": "boolean"},
        "non_deposit": {"type": "boolean"}
      }
    },
    "investor_address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
  }
}`

// RequestDecoder validates confirm bodies against the request schema before decoding.
type RequestDecoder struct {
	schema *jsonschema.Schema
}

func NewRequestDecoder() (*RequestDecoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(confirmSchemaURL, strings.NewReader(confirmSchema)); err != nil {
		return nil, fmt.Errorf("load confirm schema: %w", err)
	}
	schema, err := c.Compile(confirmSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile confirm schema: %w", err)
	}
	return &RequestDecoder{schema: schema}, nil
}

// Decode returns an invalid_request rejection for bodies that are not well formed.
func (d *RequestDecoder) Decode(body []byte) (ConfirmRequest, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return ConfirmRequest{}, reject(CodeInvalidRequest, "malformed JSON: %v", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return ConfirmRequest{}, reject(CodeInvalidRequest, "%s", schemaDetail(err))
	}

	var req ConfirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ConfirmRequest{}, reject(CodeInvalidRequest, "decode request: %v", err)
	}
	return req, nil
}

// schemaDetail flattens a validation error to its leaf causes.
func schemaDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
