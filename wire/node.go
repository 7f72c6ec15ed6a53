// Package wire defines the universal unit of the relay protocol: the tagged
// node tree, and the codec contract that turns nodes into frame bytes.
//
// Every piece of application traffic, in both directions, is one Node. The
// session engine never interprets tags beyond routing; feature handlers own
// their meaning.
package wire

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a single protocol node: a tag, string attributes, and either raw
// byte content or an ordered list of child nodes. Nodes are treated as
// immutable once constructed.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Content  []byte
	Children []*Node
}

// NewNode builds a node with the given tag and attributes.
func NewNode(tag string, attrs map[string]string, children ...*Node) *Node {
	return &Node{Tag: tag, Attrs: attrs, Children: children}
}

// Attr returns the attribute value for key, or "" when absent.
func (n *Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}

// ID returns the node's correlation id attribute, or "" when absent.
func (n *Node) ID() string {
	return n.Attr("id")
}

// WithID returns a shallow copy of the node carrying the given id attribute.
// The original node is left untouched.
func (n *Node) WithID(id string) *Node {
	attrs := make(map[string]string, len(n.Attrs)+1)
	for k, v := range n.Attrs {
		attrs[k] = v
	}
	attrs["id"] = id
	return &Node{Tag: n.Tag, Attrs: attrs, Content: n.Content, Children: n.Children}
}

// Child returns the first child with the given tag, or nil.
func (n *Node) Child(tag string) *Node {
	for _, child := range n.Children {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// IsError reports whether this node is an error-typed response.
func (n *Node) IsError() bool {
	return n.Attr("type") == "error" || n.Child("error") != nil
}

// String renders the node tree for logs and test failures.
func (n *Node) String() string {
	var sb strings.Builder
	n.writeString(&sb)
	return sb.String()
}

func (n *Node) writeString(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(n.Tag)

	// Sort keys so the rendering is stable.
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, " %s=%q", k, n.Attrs[k])
	}

	if len(n.Children) == 0 && len(n.Content) == 0 {
		sb.WriteString("/>")
		return
	}

	sb.WriteByte('>')
	if len(n.Content) > 0 {
		fmt.Fprintf(sb, "[%d bytes]", len(n.Content))
	}
	for _, child := range n.Children {
		child.writeString(sb)
	}
	fmt.Fprintf(sb, "</%s>", n.Tag)
}
