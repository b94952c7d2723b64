// Package priotree implements the RFC 7540-style stream dependency tree
// (spec.md §3, §4.1 — component C1) and the proportional-share priority
// calculator built on top of it (spec.md §4.2 — component C2).
//
// A Tree belongs to exactly one connection (spec.md §3 "Ownership") and is
// not safe for concurrent use from more than one goroutine at a time; the
// owning connection serializes all calls, matching spec.md §5. The
// internal Mutex exists only to make that contract checkable under `-race`
// in tests, not to support genuine cross-goroutine sharing.
//
// Modeled on the teacher's arena-of-nodes-by-integer-id style (transport's
// streamBase registries, xact/xreg's id-keyed maps) per spec.md §9's design
// note that an arena removes ownership puzzles that back-pointers create.
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package priotree

import (
	"sync"

	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/debug"
)

const (
	// RootID is the virtual root stream 0 that every other stream
	// ultimately depends on (spec.md §3).
	RootID = 0

	MinWeight = 1
	MaxWeight = 256

	// ScaleBits fixes the integer-arithmetic scale factor (2^16) the
	// priority calculator uses in place of real-valued probabilities
	// (spec.md §4.2).
	ScaleBits = 16
	Scale     = 1 << ScaleBits
)

type node struct {
	id          int
	parent      *node
	children    []*node
	weight      int
	closed      bool // ghost: no longer schedulable, retained for descendants
	schedulable bool // set by the stream lifecycle (C4) via SetSchedulable
	seq         uint64

	cachedDenom uint64
	cachedAt    uint64
}

// Tree is a rooted dependency tree over stream ids, with a virtual id 0 as
// root (spec.md §3 DependencyTree).
type Tree struct {
	mu    sync.Mutex
	nodes map[int]*node
	root  *node
	seq   uint64 // monotonic insertion counter (round-robin tie-break ordering)
	epoch uint64 // bumped on every structural or schedulability change
}

func New() *Tree {
	root := &node{id: RootID, schedulable: false, closed: false}
	t := &Tree{nodes: make(map[int]*node)}
	t.root = root
	t.nodes[RootID] = root
	return t
}

func (t *Tree) lock()   { t.mu.Lock() }
func (t *Tree) unlock() { t.mu.Unlock() }

func validWeight(w int) bool { return w >= MinWeight && w <= MaxWeight }

// Add inserts a brand-new stream id into the tree (spec.md §4.1).
func (t *Tree) Add(id, parentID, weight int, exclusive bool) error {
	t.lock()
	defer t.unlock()

	if _, ok := t.nodes[id]; ok {
		return cos.NewProtocolError("add", "stream %d already present", id)
	}
	if id == parentID {
		return cos.NewProtocolError("add", "stream %d cannot depend on itself", id)
	}
	if !validWeight(weight) {
		return cos.NewProtocolError("add", "weight %d out of range [%d,%d]", weight, MinWeight, MaxWeight)
	}

	parent := t.resolveParent(parentID)
	n := &node{id: id, weight: weight, seq: t.nextSeq()}
	t.nodes[id] = n

	// dependency inversion applies even on Add for symmetry with
	// Reprioritize (spec.md §4.1); a brand-new node can't yet be an
	// ancestor of anything, so in practice this is always a no-op here,
	// but sharing the code path keeps Add and Reprioritize provably
	// consistent.
	parent = t.invertIfDescendant(n, parent)
	t.attach(n, parent, exclusive)
	t.bumpEpoch()
	return nil
}

// Reprioritize changes an existing stream's parent/weight/exclusive flag
// (spec.md §4.1). A non-exclusive request whose parent and weight already
// match the current values leaves the tree structurally unchanged (testable
// property 8). The tree does not record a stream's exclusive flag, so a
// request with exclusive set is always applied: any other children of the
// parent move beneath id, even if id was last placed there exclusively.
func (t *Tree) Reprioritize(id, parentID, weight int, exclusive bool) error {
	t.lock()
	defer t.unlock()

	n, ok := t.nodes[id]
	if !ok {
		return cos.NewProtocolError("reprioritize", "stream %d not present", id)
	}
	if id == parentID {
		return cos.NewProtocolError("reprioritize", "stream %d cannot depend on itself", id)
	}
	if !validWeight(weight) {
		return cos.NewProtocolError("reprioritize", "weight %d out of range [%d,%d]", weight, MinWeight, MaxWeight)
	}

	parent := t.resolveParent(parentID)
	if !exclusive && n.parent == parent && n.weight == weight {
		return nil // structurally unchanged
	}

	parent = t.invertIfDescendant(n, parent)
	t.detach(n)
	n.weight = weight
	t.attach(n, parent, exclusive)
	t.bumpEpoch()
	return nil
}

// MarkClosed turns off a stream's schedulable bit. If the node has no
// remaining open descendants it is immediately pruned; otherwise it is
// retained as a ghost so that its descendants' priority math is preserved
// (spec.md §3, §9). Calling MarkClosed twice on the same id is a no-op
// the second time (testable property 7).
func (t *Tree) MarkClosed(id int) error {
	t.lock()
	defer t.unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil // already gone (pruned); idempotent
	}
	if n.closed {
		return nil
	}
	n.closed = true
	n.schedulable = false
	t.bumpEpoch()
	t.pruneLocked(n)
	return nil
}

// SetSchedulable is called by the stream lifecycle (C4) whenever a
// stream's schedulable-for-send condition (state, send_window,
// queued_bytes) changes, so the priority calculator always sees a
// current picture without the tree needing to know about flow control.
func (t *Tree) SetSchedulable(id int, schedulable bool) {
	t.lock()
	defer t.unlock()
	n, ok := t.nodes[id]
	if !ok || n.closed {
		return
	}
	if n.schedulable != schedulable {
		n.schedulable = schedulable
		t.bumpEpoch()
	}
}

// Prune removes a closed node whose descendants are all themselves
// closed, reparenting any closed children still attached to it to the
// removed node's parent and rescaling their weights (spec.md §4.1). A node
// with any open descendant is never removed. It is idempotent:
// calling Prune on an id that is not present, not closed, or still has an
// open descendant, is a no-op.
func (t *Tree) Prune(id int) error {
	t.lock()
	defer t.unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	t.pruneLocked(n)
	return nil
}

func (t *Tree) pruneLocked(n *node) {
	if n == t.root || !n.closed || hasOpenDescendant(n) {
		return
	}
	parent := n.parent
	children := n.children
	n.children = nil

	if len(children) > 0 {
		sum := 0
		for _, c := range children {
			sum += c.weight
		}
		if sum == 0 {
			sum = 1
		}
		rescaled := make([]int, len(children))
		total := 0
		for i, c := range children {
			w := roundDiv(c.weight*n.weight, sum)
			if w < MinWeight {
				w = MinWeight
			}
			rescaled[i] = w
			total += w
		}
		if total > MaxWeight {
			for i, w := range rescaled {
				w2 := roundDiv(w*MaxWeight, total)
				if w2 < MinWeight {
					w2 = MinWeight
				}
				rescaled[i] = w2
			}
		}
		for i, c := range children {
			c.weight = rescaled[i]
			c.parent = parent
			c.seq = t.nextSeq()
		}
		parent.children = append(parent.children, children...)
	}

	t.detach(n)
	delete(t.nodes, n.id)
	t.bumpEpoch()

	// the parent may now itself be an eligible ghost for collapse, e.g.
	// when the last open descendant down this branch just closed.
	if parent != t.root && parent.closed {
		t.pruneLocked(parent)
	}
}

func roundDiv(num, den int) int {
	if den == 0 {
		return 0
	}
	if num < 0 {
		return -roundDiv(-num, den)
	}
	return (num + den/2) / den
}

func hasOpenDescendant(n *node) bool {
	for _, c := range n.children {
		if !c.closed {
			return true
		}
		if hasOpenDescendant(c) {
			return true
		}
	}
	return false
}

// resolveParent maps an absent/unknown parent id to the root, per
// spec.md §4.1 "if parent_id absent, treat as 0".
func (t *Tree) resolveParent(parentID int) *node {
	if p, ok := t.nodes[parentID]; ok {
		return p
	}
	return t.root
}

// invertIfDescendant implements dependency inversion (spec.md §3, §4.1,
// testable property 12): if the intended new parent is a descendant of n,
// the new parent is first reparented to n's current parent before the
// move, so no cycle is ever created.
func (t *Tree) invertIfDescendant(n, newParent *node) *node {
	if newParent == t.root || newParent == n {
		return newParent
	}
	if !isDescendant(n, newParent) {
		return newParent
	}
	oldParent := n.parent
	if oldParent == nil {
		oldParent = t.root
	}
	t.detach(newParent)
	newParent.parent = oldParent
	oldParent.children = append(oldParent.children, newParent)
	return newParent
}

func isDescendant(ancestor, candidate *node) bool {
	for c := candidate.parent; c != nil; c = c.parent {
		if c == ancestor {
			return true
		}
	}
	return false
}

// attach inserts n as a child of parent. If exclusive, all of parent's
// pre-existing children are displaced to become n's children, with n's
// own prior children (if any) listed first, matching the tie-break rule
// in spec.md §4.1.
func (t *Tree) attach(n, parent *node, exclusive bool) {
	if exclusive {
		displaced := parent.children
		parent.children = nil
		for _, c := range displaced {
			c.parent = n
		}
		n.children = append(append([]*node{}, n.children...), displaced...)
	}
	n.parent = parent
	parent.children = append(parent.children, n)
}

func (t *Tree) detach(n *node) {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (t *Tree) nextSeq() uint64 {
	t.seq++
	return t.seq
}

func (t *Tree) bumpEpoch() {
	t.epoch++
	t.debugCheckSingleParent()
}

// Has reports whether id is currently present in the tree (open or
// ghost).
func (t *Tree) Has(id int) bool {
	t.lock()
	defer t.unlock()
	_, ok := t.nodes[id]
	return ok
}

// ParentOf returns id's parent and whether id is present.
func (t *Tree) ParentOf(id int) (parentID int, ok bool) {
	t.lock()
	defer t.unlock()
	n, present := t.nodes[id]
	if !present || n.parent == nil {
		return RootID, present
	}
	return n.parent.id, true
}

// WeightOf returns id's current weight.
func (t *Tree) WeightOf(id int) (weight int, ok bool) {
	t.lock()
	defer t.unlock()
	n, present := t.nodes[id]
	if !present {
		return 0, false
	}
	return n.weight, true
}

// debugCheckSingleParent walks the whole arena and asserts invariant 1
// ("exactly one path from root to s"); used under -tags debug after every
// mutation in tests.
func (t *Tree) debugCheckSingleParent() {
	debug.Func(func() {
		seen := make(map[int]bool, len(t.nodes))
		for id, n := range t.nodes {
			hops := 0
			for cur := n; cur != t.root; cur = cur.parent {
				debug.Assert(cur.parent != nil, "node without path to root", id)
				hops++
				debug.Assert(hops <= len(t.nodes), "cycle detected", id)
			}
			seen[id] = true
		}
	})
}
