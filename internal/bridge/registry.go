package bridge

import (
	"encoding/json"

	"github.com/zjrosen/biomcp/internal/mcp"
)

// ToolDescriptor is a tool advertised by the server. The input schema is
// carried verbatim so providers see exactly what the server declared.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// emptySchema is used when the server omits inputSchema.
var emptySchema = json.RawMessage(`{}`)

// descriptorsFromRaw decodes a tools/list result keeping each schema raw.
func descriptorsFromRaw(result json.RawMessage) ([]ToolDescriptor, error) {
	var list struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, err
	}
	out := make([]ToolDescriptor, 0, len(list.Tools))
	for _, t := range list.Tools {
		schema := t.InputSchema
		if len(schema) == 0 || string(schema) == "null" {
			schema = emptySchema
		}
		out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, nil
}

// DescriptorFromTool converts a server-side tool definition.
func DescriptorFromTool(t mcp.Tool) ToolDescriptor {
	schema := emptySchema
	if t.InputSchema != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			schema = data
		}
	}
	return ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: schema}
}

// Registry is the immutable set of tools discovered during the handshake.
type Registry struct {
	tools []ToolDescriptor
	index map[string]int
}

func newRegistry(tools []ToolDescriptor) *Registry {
	r := &Registry{
		tools: make([]ToolDescriptor, len(tools)),
		index: make(map[string]int, len(tools)),
	}
	copy(r.tools, tools)
	for i, t := range r.tools {
		r.index[t.Name] = i
	}
	return r
}

// List returns a copy of every descriptor in server order.
func (r *Registry) List() []ToolDescriptor {
	if r == nil {
		return nil
	}
	out := make([]ToolDescriptor, len(r.tools))
	copy(out, r.tools)
	return out
}

// Lookup finds a descriptor by name.
func (r *Registry) Lookup(name string) (ToolDescriptor, bool) {
	if r == nil {
		return ToolDescriptor{}, false
	}
	i, ok := r.index[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return r.tools[i], true
}

// Names returns tool names in server order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}
