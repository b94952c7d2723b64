// Read-only structural diagnostics view (spec.md §4.1 snapshot()).
package priotree

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

type NodeSnapshot struct {
	ID          int   `json:"id"`
	ParentID    int   `json:"parent_id"`
	Weight      int   `json:"weight"`
	Closed      bool  `json:"closed,omitempty"`
	Schedulable bool  `json:"schedulable,omitempty"`
	Children    []int `json:"children,omitempty"`
}

type Snapshot struct {
	Nodes []NodeSnapshot `json:"nodes"`
}

// Snapshot walks the arena once (O(N)) and returns an immutable copy safe
// to serialize or inspect without holding the tree's lock any longer than
// the walk itself — spec.md §4.1 requires it "must not block scheduling
// longer than O(N)".
func (t *Tree) Snapshot() Snapshot {
	t.lock()
	defer t.unlock()
	out := Snapshot{Nodes: make([]NodeSnapshot, 0, len(t.nodes))}
	for id, n := range t.nodes {
		ns := NodeSnapshot{ID: id, Weight: n.weight, Closed: n.closed, Schedulable: n.schedulable}
		if n.parent != nil {
			ns.ParentID = n.parent.id
		}
		for _, c := range n.children {
			ns.Children = append(ns.Children, c.id)
		}
		out.Nodes = append(out.Nodes, ns)
	}
	return out
}

// WriteJSON encodes a Snapshot with jsoniter, matching the teacher's
// stats/config marshaling convention rather than encoding/json.
func (s Snapshot) WriteJSON(w io.Writer) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(s)
}
