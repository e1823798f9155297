package llm

import (
	"strconv"
	"strings"

	"github.com/MrWong99/vocalink/pkg/types"
)

// maxWireName is the longest function name vendor APIs accept.
const maxWireName = 64

// ToolNames translates tool names such as "light.on" to and from the
// restricted character set vendor APIs accept for function names
// (letters, digits, '_' and '-'). The mapping is built per request and is
// stable for the names it was built from.
type ToolNames struct {
	toWire   map[string]string
	fromWire map[string]string
}

// NewToolNames builds the mapping for the offered tools and for every tool
// call already present in the history.
func NewToolNames(tools []types.ToolDefinition, history []types.Message) *ToolNames {
	n := &ToolNames{toWire: map[string]string{}, fromWire: map[string]string{}}
	for _, t := range tools {
		n.add(t.Name)
	}
	for _, m := range history {
		for _, c := range m.ToolCalls {
			n.add(c.Name)
		}
	}
	return n
}

func (n *ToolNames) add(name string) string {
	if w, ok := n.toWire[name]; ok {
		return w
	}
	base := sanitizeToolName(name)
	wire := base
	for i := 2; ; i++ {
		if _, taken := n.fromWire[wire]; !taken {
			break
		}
		suffix := "_" + strconv.Itoa(i)
		wire = base[:min(len(base), maxWireName-len(suffix))] + suffix
	}
	n.toWire[name] = wire
	n.fromWire[wire] = name
	return wire
}

// Wire returns the vendor-safe name for name.
func (n *ToolNames) Wire(name string) string { return n.add(name) }

// Name returns the original name for a vendor-safe name. Unknown names are
// returned unchanged so the dispatcher can report them as unknown tools.
func (n *ToolNames) Name(wire string) string {
	if name, ok := n.fromWire[wire]; ok {
		return name
	}
	return wire
}

func sanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "tool"
	}
	if len(s) > maxWireName {
		s = s[:maxWireName]
	}
	return s
}
