package validation

import (
	"encoding/json"
	"errors"

	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/pkg/schema"
)

// Lookup reports whether a named tool or provider exists.
type Lookup interface {
	Has(name string) bool
}

// Options wires the registries a template is checked against. A nil lookup
// skips the corresponding existence check.
type Options struct {
	Tools     Lookup
	Providers Lookup
}

// TemplateValidator runs the template validation pipeline:
//  1. structural (JSON Schema)
//  2. semantic (kinds, configs, references, expressions, schemas)
//  3. graph (cycles, reachability)
//
// Structural errors short-circuit the later stages.
type TemplateValidator struct {
	schemas *SchemaValidator
	cel     *expressions.CELEngine
	jq      *expressions.GoJQEngine
	opts    Options
}

func NewTemplateValidator(schemas *SchemaValidator, cel *expressions.CELEngine, jq *expressions.GoJQEngine, opts Options) *TemplateValidator {
	return &TemplateValidator{schemas: schemas, cel: cel, jq: jq, opts: opts}
}

// ValidateTemplate checks tpl and returns every error and warning found.
func (v *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if tpl == nil {
		result.AddError("", schema.ErrCodeValidation, "template is nil")
		return result
	}

	if err := v.schemas.ValidateDocument(tpl); err != nil {
		addSchemaViolations(result, "", err)
		return result
	}

	result.Merge(v.validateSemantic(tpl))
	result.Merge(validateGraph(tpl.Graph))
	return result
}

// Check is ValidateTemplate folded into a single error.
func (v *TemplateValidator) Check(tpl *schema.WorkflowTemplate) error {
	return v.ValidateTemplate(tpl).ToError()
}

// ValidateInput checks an execution input against a template input schema.
// Missing input is validated as an empty object.
func (v *TemplateValidator) ValidateInput(inputSchema, input json.RawMessage) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := v.schemas.Validate(inputSchema, input); err != nil {
		var e *schema.Error
		if errors.As(err, &e) {
			e.Message = "input does not match the template input schema: " + e.Message
		}
		return err
	}
	return nil
}

// Schemas returns the underlying JSON Schema validator.
func (v *TemplateValidator) Schemas() *SchemaValidator { return v.schemas }

func addSchemaViolations(result *schema.ValidationResult, path string, err error) {
	violations := Violations(err)
	if len(violations) == 0 {
		msg := err.Error()
		var e *schema.Error
		if errors.As(err, &e) {
			msg = e.Message
		}
		result.AddError(path, schema.ErrCodeValidation, msg)
		return
	}
	for _, msg := range violations {
		result.AddError(path, schema.ErrCodeValidation, msg)
	}
}
