package store

import (
	"encoding/json"
	"sort"
	"strings"
)

// Entry is one stored value beneath a subscribed path, as returned by
// backends that keep every node under its own key.
type Entry struct {
	Rel   string // path relative to the subscribed node, "" for the node itself
	Value json.RawMessage
	Order uint64 // backend arrival order (revision, sequence)
}

type treeNode struct {
	value    json.RawMessage
	order    uint64 // lowest order in the subtree
	children map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

// Assemble builds the snapshot of path from flat entries. Children are
// ordered by the first arrival in their subtree, then by key. A node with
// descendants renders as an object even if a value is stored at it.
func Assemble(path string, entries []Entry) (Snapshot, error) {
	root := newTreeNode()
	for _, e := range entries {
		n := root
		if e.Rel != "" {
			for _, seg := range strings.Split(e.Rel, "/") {
				child, ok := n.children[seg]
				if !ok {
					child = newTreeNode()
					child.order = e.Order
					n.children[seg] = child
				}
				if e.Order < child.order {
					child.order = e.Order
				}
				n = child
			}
		}
		n.value = e.Value
	}

	if len(root.children) == 0 {
		if root.value == nil {
			return Snapshot{Path: path}, nil
		}
		return FromJSON(path, root.value)
	}

	snap := Snapshot{Path: path}
	for _, seg := range root.ordered() {
		raw, err := root.children[seg].encode()
		if err != nil {
			return Snapshot{}, err
		}
		snap.Children = append(snap.Children, Child{Key: seg, Value: raw})
	}
	return snap, nil
}

func (n *treeNode) ordered() []string {
	segs := make([]string, 0, len(n.children))
	for seg := range n.children {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool {
		a, b := n.children[segs[i]], n.children[segs[j]]
		if a.order != b.order {
			return a.order < b.order
		}
		return segs[i] < segs[j]
	})
	return segs
}

func (n *treeNode) encode() (json.RawMessage, error) {
	if len(n.children) == 0 {
		return n.value, nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, seg := range n.ordered() {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(seg)
		if err != nil {
			return nil, err
		}
		v, err := n.children[seg].encode()
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return json.RawMessage(b.String()), nil
}
