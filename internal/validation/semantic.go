package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/runway/pkg/schema"
)

func (v *TemplateValidator) validateSemantic(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if tpl.Name == "" {
		result.AddError("name", schema.ErrCodeValidation, "name is required")
	}
	if err := tpl.Visibility.Validate(); err != nil {
		result.AddError("visibility", schema.ErrCodeValidation, messageOf(err))
	}

	ids := make(map[string]bool, len(tpl.Graph.Nodes))
	inputs := 0
	for i, n := range tpl.Graph.Nodes {
		path := fmt.Sprintf("graph.nodes[%d]", i)
		if ids[n.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
		if n.Kind == schema.NodeKindInput {
			inputs++
		}
		v.validateNode(n, path, result)
	}
	if inputs != 1 {
		result.AddError("graph.nodes", schema.ErrCodeValidation,
			fmt.Sprintf("graph must have exactly one input node, found %d", inputs))
	}

	seen := make(map[[2]string]bool, len(tpl.Graph.Edges))
	for i, e := range tpl.Graph.Edges {
		path := fmt.Sprintf("graph.edges[%d]", i)
		if !ids[e.From] {
			result.AddError(path+".from", schema.ErrCodeValidation, fmt.Sprintf("references unknown node %q", e.From))
		}
		if !ids[e.To] {
			result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("references unknown node %q", e.To))
		}
		if n, ok := tpl.Graph.NodeByID(e.To); ok && n.Kind == schema.NodeKindInput {
			result.AddError(path+".to", schema.ErrCodeValidation, "the input node cannot have incoming edges")
		}
		key := [2]string{e.From, e.To}
		if seen[key] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To))
		}
		seen[key] = true
		if e.Condition != "" && v.cel != nil {
			if err := v.cel.Compile(e.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation, messageOf(err))
			}
		}
	}

	if len(tpl.InputSchema) > 0 {
		if err := v.schemas.Compile(tpl.InputSchema); err != nil {
			result.AddError("input_schema", schema.ErrCodeValidation, causeOf(err))
		}
	}
	if len(tpl.OutputSchema) > 0 {
		if err := v.schemas.Compile(tpl.OutputSchema); err != nil {
			result.AddError("output_schema", schema.ErrCodeValidation, causeOf(err))
		}
	}

	return result
}

// validateNode checks that a node carries exactly the config its kind needs.
func (v *TemplateValidator) validateNode(n schema.Node, path string, result *schema.ValidationResult) {
	configs := 0
	for _, set := range []bool{n.Tool != nil, n.LLM != nil, n.Output != nil} {
		if set {
			configs++
		}
	}
	if configs > 1 {
		result.AddError(path, schema.ErrCodeValidation, "node must carry at most one of tool, llm, output")
	}

	switch n.Kind {
	case schema.NodeKindInput:
		if configs > 0 {
			result.AddError(path, schema.ErrCodeValidation, "input node takes no config")
		}

	case schema.NodeKindTool:
		if n.Tool == nil || n.Tool.Name == "" {
			result.AddError(path+".tool.name", schema.ErrCodeValidation, "tool node requires a tool name")
			return
		}
		if v.opts.Tools != nil && !v.opts.Tools.Has(n.Tool.Name) {
			result.AddError(path+".tool.name", schema.ErrCodeToolNotFound,
				fmt.Sprintf("tool %q is not registered", n.Tool.Name))
		}

	case schema.NodeKindLLM:
		if n.LLM == nil {
			result.AddError(path+".llm", schema.ErrCodeValidation, "llm node requires an llm config")
			return
		}
		if n.LLM.Prompt == "" {
			result.AddError(path+".llm.prompt", schema.ErrCodeValidation, "llm node requires a prompt")
		}
		if n.LLM.Provider == "" {
			result.AddError(path+".llm.provider", schema.ErrCodeValidation, "llm node requires a provider")
		} else if v.opts.Providers != nil && !v.opts.Providers.Has(n.LLM.Provider) {
			result.AddError(path+".llm.provider", schema.ErrCodeValidation,
				fmt.Sprintf("unknown llm provider %q", n.LLM.Provider))
		}

	case schema.NodeKindOutput:
		if n.Output != nil && n.Output.Expression != "" && v.jq != nil {
			if err := v.jq.Compile(n.Output.Expression); err != nil {
				result.AddError(path+".output.expression", schema.ErrCodeValidation, messageOf(err))
			}
		}

	default:
		result.AddError(path+".kind", schema.ErrCodeValidation, fmt.Sprintf("unknown node kind %q", n.Kind))
	}
}

func messageOf(err error) string {
	var e *schema.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func causeOf(err error) string {
	var e *schema.Error
	if errors.As(err, &e) && e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return messageOf(err)
}
