package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/runway/pkg/schema"
)

const templateSchemaURL = "https://runway.dev/schemas/template.json"

// templateSchemaJSON is the structural shape of a workflow template document.
// Cross-field rules (kind/config agreement, references, cycles) are checked in
// Go afterwards.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runway.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "graph"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "graph": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "nodes": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/node" }
        },
        "edges": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/edge" }
        }
      },
      "additionalProperties": false
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["input", "tool", "llm", "output"] },
        "name": { "type": "string" },
        "tool": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": { "type": "string" },
            "params": { "type": "object" }
          },
          "additionalProperties": false
        },
        "llm": {
          "type": "object",
          "properties": {
            "provider": { "type": "string" },
            "model": { "type": "string" },
            "system": { "type": "string" },
            "prompt": { "type": "string" },
            "max_tokens": { "type": "integer", "minimum": 0 },
            "temperature": { "type": "number", "minimum": 0, "maximum": 2 }
          },
          "additionalProperties": false
        },
        "output": {
          "type": "object",
          "properties": {
            "expression": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates documents against JSON Schema Draft 2020-12.
// User-supplied schemas (template input/output, the json.validate tool) are
// compiled once and cached by content. Safe for concurrent use.
type SchemaValidator struct {
	templateSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	seq   atomic.Int64
}

// NewSchemaValidator creates a validator with the template schema pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource(templateSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	tplSchema, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &SchemaValidator{
		templateSchema: tplSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks the structural shape of a template.
func (v *SchemaValidator) ValidateDocument(tpl *schema.WorkflowTemplate) error {
	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "template is not serializable as JSON").WithCause(err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// Compile checks that raw is a valid JSON Schema.
func (v *SchemaValidator) Compile(raw []byte) error {
	if _, err := v.getOrCompile(raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err).
			WithDetails(map[string]any{"violations": []string{err.Error()}})
	}
	return nil
}

// Validate checks value against the JSON Schema in raw. value may be a decoded
// Go value or a json.RawMessage. An empty schema accepts everything.
func (v *SchemaValidator) Validate(raw []byte, value any) error {
	if len(raw) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err)
	}

	var doc any
	switch val := value.(type) {
	case json.RawMessage:
		if len(val) == 0 {
			val = json.RawMessage("null")
		}
		doc, err = jsonschema.UnmarshalJSON(strings.NewReader(string(val)))
	default:
		doc, err = toJSONValue(val)
	}
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resources from colliding.
	url := fmt.Sprintf("runway://schema/%d", v.seq.Add(1))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError flattens a jsonschema.ValidationError into a VALIDATION error
// whose details list one violation per failing leaf.
func toSchemaError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

// Violations extracts the per-leaf messages from a validation error.
func Violations(err error) []string {
	var e *schema.Error
	if !errors.As(err, &e) || e.Details == nil {
		return nil
	}
	v, _ := e.Details["violations"].([]string)
	return v
}
