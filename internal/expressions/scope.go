package expressions

import (
	"encoding/json"
	"sync"
)

// Scope is the data visible to expressions while an execution runs:
// the execution input, the outputs of completed nodes, and execution metadata.
// Node outputs are frozen (deep-copied) when recorded.
type Scope struct {
	mu        sync.RWMutex
	input     any
	state     map[string]any
	execution map[string]any
}

// NewScope creates a scope. input and execution are deep-copied.
func NewScope(input any, execution map[string]any) *Scope {
	return &Scope{
		input:     deepCopyAny(input),
		state:     make(map[string]any),
		execution: deepCopyMap(execution),
	}
}

// DecodeInput unmarshals a raw execution input. Empty input becomes an empty object.
func DecodeInput(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Set records the output of a node.
func (s *Scope) Set(nodeID string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[nodeID] = deepCopyAny(output)
}

// Input returns the execution input.
func (s *Scope) Input() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// State returns a copy of the node outputs recorded so far.
func (s *Scope) State() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.state)
}

// Data returns the {input, state, execution} document expressions run against.
func (s *Scope) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"input":     deepCopyAny(s.input),
		"state":     deepCopyMap(s.state),
		"execution": deepCopyMap(s.execution),
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
