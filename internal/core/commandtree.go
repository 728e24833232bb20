package core

import (
	"maps"
	"slices"
	"strings"
)

// cmdNode is one segment of a command route. Inner nodes without a cmd are
// containers ("/channels" when only "/channels remove" is registered) and
// render as a subcommand listing.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(strings.TrimSpace(route))
}

func (r *cmdNode) add(route []string, c Command) {
	if len(route) == 0 {
		r.cmd = &c
		return
	}
	if r.children == nil {
		r.children = map[string]*cmdNode{}
	}
	n, ok := r.children[route[0]]
	if !ok {
		n = &cmdNode{name: route[0], children: map[string]*cmdNode{}}
		r.children[route[0]] = n
	}
	n.add(route[1:], c)
}

func (r *cmdNode) find(path []string) *cmdNode {
	cur := r
	for _, tok := range path {
		n, ok := cur.children[tok]
		if !ok {
			return nil
		}
		cur = n
	}
	return cur
}

func (r *cmdNode) child(name string) (*cmdNode, bool) {
	n, ok := r.children[name]
	return n, ok
}

func (r *cmdNode) childNames() []string {
	return slices.Sorted(maps.Keys(r.children))
}
