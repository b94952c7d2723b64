// Priority calculator (spec.md §4.2 — component C2): effective share of a
// schedulable stream, computed by walking from root to the stream and
// multiplying local shares at each level, in fixed-point integer
// arithmetic scaled by 2^16.
package priotree

// EffectiveShare returns id's effective proportional-bandwidth share,
// scaled by Scale (2^16), and whether id is currently eligible to have
// one at all (present and schedulable; EffectiveShare itself is only
// meaningful for truly schedulable streams per spec.md §4.2). Ancestors
// along the walk need not be schedulable themselves — ghosts and
// never-opened interior nodes both still count toward denominators via
// eligibleWeightSum/isEligible as long as they have a schedulable
// descendant.
func (t *Tree) EffectiveShare(id int) (share uint64, ok bool) {
	t.lock()
	defer t.unlock()
	n, present := t.nodes[id]
	if !present || n.closed || !n.schedulable {
		return 0, false
	}
	share = Scale
	for cur := n; cur.parent != nil; cur = cur.parent {
		denom := t.eligibleWeightSum(cur.parent)
		if denom == 0 {
			return 0, false
		}
		share = share * uint64(cur.weight) / denom
	}
	return share, true
}

// eligibleWeightSum sums the weights of parent's children that are
// themselves schedulable, or have at least one schedulable descendant —
// spec.md §4.2's general rule, of which "ghost nodes participate in the
// weight sum only if some descendant is schedulable" is just the closed
// special case; a live interior node that has never itself been opened
// (e.g. a PRIORITY-only grouping stream) follows the identical rule.
// Cached per parent and invalidated whenever the tree's mutation epoch
// advances, per spec.md's "the implementation may cache denominators per
// parent and invalidate on mutation".
func (t *Tree) eligibleWeightSum(parent *node) uint64 {
	if parent.cachedAt == t.epoch {
		return parent.cachedDenom
	}
	var sum uint64
	for _, c := range parent.children {
		if isEligible(c) {
			sum += uint64(c.weight)
		}
	}
	parent.cachedDenom = sum
	parent.cachedAt = t.epoch
	return sum
}

// isEligible implements spec.md §4.2's general denominator rule: a child
// counts toward its parent's weight sum if it is itself schedulable, or
// has a schedulable descendant anywhere beneath it. The ghost (closed)
// case is just the special case where the node itself can never be
// schedulable (schedulable is always false once closed) — not a
// separate condition, so there is no "!n.closed" guard here: a live,
// never-opened interior node (e.g. a PRIORITY-only grouping stream) with
// a schedulable child must count exactly the same way a ghost would.
func isEligible(n *node) bool {
	return n.schedulable || hasSchedulableDescendant(n)
}

func hasSchedulableDescendant(n *node) bool {
	for _, c := range n.children {
		if !c.closed && c.schedulable {
			return true
		}
		if hasSchedulableDescendant(c) {
			return true
		}
	}
	return false
}

// SchedulableIDs returns every stream id currently eligible to be
// returned by scheduler.Scheduler.NextSendable, in an unspecified order.
// Used by the scheduler to build its per-round candidate set without
// reaching into Tree internals.
func (t *Tree) SchedulableIDs() []int {
	t.lock()
	defer t.unlock()
	out := make([]int, 0, len(t.nodes))
	for id, n := range t.nodes {
		if !n.closed && n.schedulable {
			out = append(out, id)
		}
	}
	return out
}

// SeqOf returns id's insertion sequence number, used by the scheduler as
// the "lower last_served_seq (oldest first)" tie-break key on first
// selection before the stream has ever been served.
func (t *Tree) SeqOf(id int) (seq uint64, ok bool) {
	t.lock()
	defer t.unlock()
	n, present := t.nodes[id]
	if !present {
		return 0, false
	}
	return n.seq, true
}
