package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeKind is the closed set of graph node kinds.
type NodeKind string

const (
	NodeKindInput  NodeKind = "input"
	NodeKindTool   NodeKind = "tool"
	NodeKindLLM    NodeKind = "llm"
	NodeKindOutput NodeKind = "output"
)

// NodeKinds lists every valid kind in graph-walk order of a typical template.
var NodeKinds = []NodeKind{NodeKindInput, NodeKindTool, NodeKindLLM, NodeKindOutput}

// Valid reports whether k is one of the known kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindInput, NodeKindTool, NodeKindLLM, NodeKindOutput:
		return true
	}
	return false
}

// Graph is the declarative body of a workflow template.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Node is one stage of the graph. Exactly one of Tool, LLM, Output is set,
// matching Kind; input nodes carry no config.
type Node struct {
	ID     string        `json:"id" yaml:"id"`
	Kind   NodeKind      `json:"kind" yaml:"kind"`
	Name   string        `json:"name,omitempty" yaml:"name,omitempty"`
	Tool   *ToolConfig   `json:"tool,omitempty" yaml:"tool,omitempty"`
	LLM    *LLMConfig    `json:"llm,omitempty" yaml:"llm,omitempty"`
	Output *OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// DisplayName returns Name, falling back to "kind:id".
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("%s:%s", n.Kind, n.ID)
}

// ToolConfig names a registered tool and its parameters. String parameter
// values may contain ${{...}} references resolved against the run scope.
type ToolConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// LLMConfig configures a language-model call.
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	System      string  `json:"system,omitempty" yaml:"system,omitempty"`
	Prompt      string  `json:"prompt" yaml:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// OutputConfig assembles the run result. Expression is a jq program evaluated
// against {"input": ..., "state": ...}; empty means "the whole state".
type OutputConfig struct {
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Edge connects two nodes. Condition is an optional CEL boolean expression;
// the target is only activated when it evaluates to true.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// VisibilityKind discriminates Visibility.
type VisibilityKind string

const (
	VisibilityScoped VisibilityKind = "scoped"
	VisibilityShared VisibilityKind = "shared"
)

// Visibility is either Scoped(organizationID) or Shared. The zero value is
// invalid; build it with Scoped or Shared.
type Visibility struct {
	Kind           VisibilityKind `json:"kind" yaml:"kind"`
	OrganizationID string         `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
}

// Scoped restricts a template to one organization.
func Scoped(organizationID string) Visibility {
	return Visibility{Kind: VisibilityScoped, OrganizationID: organizationID}
}

// Shared makes a template visible to every organization.
func Shared() Visibility {
	return Visibility{Kind: VisibilityShared}
}

// Match dispatches on the variant. Every caller handles both cases.
func (v Visibility) Match(scoped func(orgID string) bool, shared func() bool) bool {
	switch v.Kind {
	case VisibilityScoped:
		return scoped(v.OrganizationID)
	case VisibilityShared:
		return shared()
	}
	return false
}

// Validate checks the variant is well formed.
func (v Visibility) Validate() error {
	switch v.Kind {
	case VisibilityScoped:
		if v.OrganizationID == "" {
			return NewError(ErrCodeValidation, "scoped visibility requires an organization id")
		}
	case VisibilityShared:
		if v.OrganizationID != "" {
			return NewError(ErrCodeValidation, "shared visibility must not carry an organization id")
		}
	default:
		return NewErrorf(ErrCodeValidation, "unknown visibility %q", v.Kind)
	}
	return nil
}

// WorkflowTemplate is a reusable workflow definition. Templates are never
// deleted; Active=false soft-deactivates them.
type WorkflowTemplate struct {
	ID           string          `json:"id" yaml:"id,omitempty"`
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	Visibility   Visibility      `json:"visibility" yaml:"visibility"`
	AuthorID     string          `json:"author_id" yaml:"-"`
	Graph        Graph           `json:"graph" yaml:"graph"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	Version      string          `json:"version" yaml:"version,omitempty"`
	Active       bool            `json:"active" yaml:"-"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"-"`
}

// NodeByID returns the node with the given id.
func (g Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
