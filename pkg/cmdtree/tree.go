// Package cmdtree defines the command tree shared by the gpunetd console
// (pkg/cli) and the remote client (cmd/gpunetctl). Tab completion, '?'
// help and command resolution all walk the same tree.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/psaab/gpunetio/pkg/config"
)

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(cfg *config.Config) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// interfaceNames lists the configured interfaces.
func interfaceNames(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		names = append(names, ifc.Name)
	}
	return names
}

// OperationalTree is the command tree of both consoles.
var OperationalTree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"configuration": {Desc: "Show active configuration"},
		"flows":         {Desc: "Show flow steering entries", DynamicFn: interfaceNames},
		"health":        {Desc: "Show gRPC health status"},
		"interfaces":    {Desc: "Show interfaces and NIC counters", DynamicFn: interfaceNames},
		"queues":        {Desc: "Show RX and TX queues"},
		"statistics":    {Desc: "Show packet I/O statistics"},
		"status":        {Desc: "Show manager status"},
	}},
	"help": {Desc: "Show available commands"},
	"quit": {Desc: "Exit the console"},
	"exit": {Desc: "Exit the console"},
}

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := KeysOf(tree)
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// Resolve expands unambiguous prefixes of words against tree, e.g.
// "sh int" becomes "show interfaces". Words past a node with a dynamic
// value, or past a leaf, are kept as typed.
func Resolve(tree map[string]*Node, words []string) ([]string, error) {
	out := make([]string, 0, len(words))
	current := tree
	for i, w := range words {
		if current == nil {
			return append(out, words[i:]...), nil
		}
		node, ok := current[w]
		if !ok {
			matches := FilterPrefix(KeysOf(current), w)
			switch len(matches) {
			case 0:
				return nil, fmt.Errorf("unknown command: %s", strings.Join(append(out, w), " "))
			case 1:
				w = matches[0]
				node = current[w]
			default:
				sort.Strings(matches)
				return nil, fmt.Errorf("ambiguous command %q: %s", w, strings.Join(matches, ", "))
			}
		}
		out = append(out, w)
		current = node.Children
	}
	return out, nil
}

// CompleteFromTree walks the tree to find completion candidates for the given words and partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, cfg *config.Config) []string {
	var names []string
	for _, c := range CompleteFromTreeWithDesc(tree, words, partial, cfg) {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, cfg *config.Config) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for i, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// Word not in static children: if parent has DynamicFn,
			// treat as a dynamic value and stay at same children level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			// A leaf takes at most one dynamic value.
			if node.DynamicFn != nil && cfg != nil && i == len(words)-1 {
				var candidates []Candidate
				for _, name := range node.DynamicFn(cfg) {
					if strings.HasPrefix(name, partial) {
						candidates = append(candidates, Candidate{Name: name, Desc: "(configured)"})
					}
				}
				return candidates
			}
			return nil
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil && cfg != nil {
		for _, name := range currentNode.DynamicFn(cfg) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(configured)"})
			}
		}
	}
	return candidates
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// WriteTreeHelp prints the children of the node at path.
func WriteTreeHelp(w io.Writer, tree map[string]*Node, path ...string) {
	current := tree
	for _, p := range path {
		node, ok := current[p]
		if !ok || node.Children == nil {
			return
		}
		current = node.Children
	}
	WriteHelp(w, HelpCandidates(current))
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	var out []string
	for _, s := range items {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}
