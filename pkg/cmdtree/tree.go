// Package cmdtree defines the flowctl command tree.
//
// The tree drives tab completion, ? help and command validation, so a
// command added here shows up in all three.
package cmdtree

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// State carries the live values dynamic nodes complete from. flowctl
// refreshes it from the daemon.
type State struct {
	Interfaces []string
	Cores      int
}

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(st *State) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func interfaceNames(st *State) []string { return st.Interfaces }

func coreIDs(st *State) []string {
	ids := make([]string, st.Cores)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return ids
}

// OperationalTree is the complete flowctl command set.
var OperationalTree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status": {Desc: "Show daemon status"},
		"counters": {Desc: "Show packet counters", Children: map[string]*Node{
			"detail": {Desc: "Show per-core counters and table occupancy"},
		}},
		"interfaces": {Desc: "Show interfaces with flow counting enabled"},
		"flows": {Desc: "Show flow records", Children: map[string]*Node{
			"core": {Desc: "Core whose table to show", DynamicFn: coreIDs, Children: map[string]*Node{
				"limit": {Desc: "Maximum records to show"},
			}},
		}},
	}},
	"set": {Desc: "Change runtime state", Children: map[string]*Node{
		"interface": {Desc: "Enable or disable flow counting on an interface", DynamicFn: interfaceNames, Children: map[string]*Node{
			"enable":  {Desc: "Count flows arriving on the interface"},
			"disable": {Desc: "Stop counting flows on the interface"},
		}},
	}},
	"help": {Desc: "Show available commands"},
	"quit": {Desc: "Exit flowctl"},
	"exit": {Desc: "Exit flowctl"},
}

// --- Helper functions ---

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

// CompleteFromTree walks the tree to find completion candidates for the given words and partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, st *State) []string {
	var out []string
	for _, c := range CompleteFromTreeWithDesc(tree, words, partial, st) {
		out = append(out, c.Name)
	}
	sort.Strings(out)
	return out
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
// A node with DynamicFn takes exactly one value before its keywords, e.g.
// "set interface eth0 enable".
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, st *State) []Candidate {
	current := tree
	var currentNode, consumedBy *Node
	for _, w := range words {
		node, ok := current[w]
		if !ok {
			if currentNode != nil && currentNode.DynamicFn != nil && consumedBy != currentNode {
				consumedBy = currentNode
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn != nil && st != nil {
				return dynamicCandidates(node, partial, st)
			}
			return nil
		}
		current = node.Children
	}

	if currentNode != nil && currentNode.DynamicFn != nil && consumedBy != currentNode {
		if st == nil {
			return nil
		}
		return dynamicCandidates(currentNode, partial, st)
	}
	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	return candidates
}

func dynamicCandidates(node *Node, partial string, st *State) []Candidate {
	var candidates []Candidate
	for _, name := range node.DynamicFn(st) {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: "(" + node.Desc + ")"})
		}
	}
	return candidates
}

// LookupDesc finds the description for a candidate name given the command path words.
func LookupDesc(words []string, name string) string {
	current := OperationalTree
	var currentNode *Node
	for _, w := range words {
		node, ok := current[w]
		if !ok {
			// Dynamic value: skip but stay at same children level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				continue
			}
			return ""
		}
		currentNode = node
		if node.Children == nil {
			return ""
		}
		current = node.Children
	}
	if node, ok := current[name]; ok {
		return node.Desc
	}
	return ""
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

// PrintTreeHelp prints self-generating help from a tree path.
func PrintTreeHelp(header string, tree map[string]*Node, path ...string) {
	fmt.Println(header)
	current := tree
	for _, p := range path {
		node, ok := current[p]
		if !ok {
			return
		}
		if node.Children == nil {
			return
		}
		current = node.Children
	}
	WriteHelp(os.Stdout, HelpCandidates(current))
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
			if prefix == "" {
				return ""
			}
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
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
