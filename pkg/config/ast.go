package config

import (
	"fmt"
	"strings"
)

// Node is a leaf (terminated by ;) or a block (children in {}).
type Node struct {
	// Keys is the sequence of words forming the node's identity, e.g.
	//   "queue rxq0"   -> ["queue", "rxq0"]
	//   "batch-size 64" -> ["batch-size", "64"]
	Keys []string

	// Children are the nodes within this block's braces; nil for leaves.
	Children []*Node

	IsLeaf bool

	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// KeyPath returns the full key path as a single string.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// FindChild returns the first child whose first key matches name.
func (n *Node) FindChild(name string) *Node {
	return findChild(n.Children, name)
}

// FindChildren returns all children whose first key matches name.
func (n *Node) FindChildren(name string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Name() == name {
			result = append(result, child)
		}
	}
	return result
}

// Pos formats the node's source position for error messages.
func (n *Node) Pos() string {
	return fmt.Sprintf("line %d", n.Line)
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level child matching name.
func (t *ConfigTree) FindChild(name string) *Node {
	return findChild(t.Children, name)
}

func findChild(nodes []*Node, name string) *Node {
	for _, child := range nodes {
		if child.Name() == name {
			return child
		}
	}
	return nil
}

// Format renders the tree in hierarchical form.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	prefix := strings.Repeat("    ", indent)
	for _, n := range nodes {
		keys := make([]string, len(n.Keys))
		for i, k := range n.Keys {
			keys[i] = quoteKey(k)
		}
		path := strings.Join(keys, " ")
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", prefix, path)
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", prefix, path)
		formatNodes(b, n.Children, indent+1)
		fmt.Fprintf(b, "%s}\n", prefix)
	}
}

func quoteKey(k string) string {
	if k == "" {
		return `""`
	}
	for i := 0; i < len(k); i++ {
		if !isIdentChar(k[i]) {
			return fmt.Sprintf("%q", k)
		}
	}
	return k
}
