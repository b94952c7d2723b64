package priotree_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/priotree"
)

var _ = Describe("Tree", func() {
	var tr *priotree.Tree

	BeforeEach(func() {
		tr = priotree.New()
	})

	Describe("Add", func() {
		It("accepts boundary weights 1 and 256", func() {
			Expect(tr.Add(1, priotree.RootID, 1, false)).To(Succeed())
			Expect(tr.Add(2, priotree.RootID, 256, false)).To(Succeed())
		})

		It("rejects weight 0 and 257 with ProtocolError", func() {
			err := tr.Add(1, priotree.RootID, 0, false)
			Expect(cos.IsProtocolError(err)).To(BeTrue())
			err = tr.Add(1, priotree.RootID, 257, false)
			Expect(cos.IsProtocolError(err)).To(BeTrue())
		})

		It("rejects self-dependency", func() {
			err := tr.Add(5, 5, 16, false)
			Expect(cos.IsProtocolError(err)).To(BeTrue())
		})

		It("rejects a duplicate id", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			err := tr.Add(1, priotree.RootID, 16, false)
			Expect(cos.IsProtocolError(err)).To(BeTrue())
		})

		It("treats an absent parent id as root", func() {
			Expect(tr.Add(9, 777, 16, false)).To(Succeed())
			parent, ok := tr.ParentOf(9)
			Expect(ok).To(BeTrue())
			Expect(parent).To(Equal(priotree.RootID))
		})

		It("exclusive add to a childless parent behaves like non-exclusive add", func() {
			Expect(tr.Add(1, priotree.RootID, 16, true)).To(Succeed())
			parent, _ := tr.ParentOf(1)
			Expect(parent).To(Equal(priotree.RootID))
		})

		It("exclusive add displaces existing children under the new node", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			Expect(tr.Add(2, priotree.RootID, 16, false)).To(Succeed())
			Expect(tr.Add(3, priotree.RootID, 16, true)).To(Succeed())

			p1, _ := tr.ParentOf(1)
			p2, _ := tr.ParentOf(2)
			p3, _ := tr.ParentOf(3)
			Expect(p1).To(Equal(3))
			Expect(p2).To(Equal(3))
			Expect(p3).To(Equal(priotree.RootID))
		})
	})

	Describe("Reprioritize", func() {
		It("rejects self-dependency", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			err := tr.Reprioritize(1, 1, 16, false)
			Expect(cos.IsProtocolError(err)).To(BeTrue())
		})

		It("leaves the tree unchanged when parent/weight/exclusive already match", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			Expect(tr.Add(2, 1, 32, false)).To(Succeed())
			Expect(tr.Reprioritize(2, 1, 32, false)).To(Succeed())
			parent, _ := tr.ParentOf(2)
			weight, _ := tr.WeightOf(2)
			Expect(parent).To(Equal(1))
			Expect(weight).To(Equal(32))
		})

		It("inverts dependency when the new parent is a descendant", func() {
			// A -> B (B depends on A)
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed()) // A
			Expect(tr.Add(2, 1, 16, false)).To(Succeed())               // B, child of A

			// reprioritize(A, parent=B): A should end up depending on B,
			// and B should take over A's former parent (root).
			Expect(tr.Reprioritize(1, 2, 16, false)).To(Succeed())

			pA, _ := tr.ParentOf(1)
			pB, _ := tr.ParentOf(2)
			Expect(pA).To(Equal(2))
			Expect(pB).To(Equal(priotree.RootID))
		})
	})

	Describe("MarkClosed and Prune", func() {
		It("is idempotent", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			Expect(tr.MarkClosed(1)).To(Succeed())
			Expect(tr.MarkClosed(1)).To(Succeed())
			Expect(tr.Prune(1)).To(Succeed())
			Expect(tr.Prune(1)).To(Succeed())
		})

		It("retains a closed node with open descendants as a ghost", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed()) // parent
			Expect(tr.Add(2, 1, 16, false)).To(Succeed())               // child, still open
			tr.SetSchedulable(2, true)

			Expect(tr.MarkClosed(1)).To(Succeed())
			Expect(tr.Has(1)).To(BeTrue(), "ghost must remain while descendant is open")

			parent, ok := tr.ParentOf(2)
			Expect(ok).To(BeTrue())
			Expect(parent).To(Equal(1))
		})

		It("prunes a closed leaf immediately", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			Expect(tr.MarkClosed(1)).To(Succeed())
			Expect(tr.Has(1)).To(BeFalse())
		})

		It("collapses a ghost once its last descendant closes", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed()) // ghost-to-be
			Expect(tr.Add(2, 1, 16, false)).To(Succeed())               // will close
			Expect(tr.Add(3, 1, 48, false)).To(Succeed())               // stays open
			tr.SetSchedulable(3, true)

			Expect(tr.MarkClosed(1)).To(Succeed())
			Expect(tr.Has(1)).To(BeTrue())

			Expect(tr.MarkClosed(2)).To(Succeed())
			Expect(tr.Has(1)).To(BeTrue(), "stream 3 is still open")

			tr.SetSchedulable(3, false)
			Expect(tr.MarkClosed(3)).To(Succeed())
			Expect(tr.Has(1)).To(BeFalse(), "ghost must collapse once fully drained")
		})
	})

	Describe("EffectiveShare", func() {
		It("splits weight proportionally among schedulable siblings", func() {
			Expect(tr.Add(1, priotree.RootID, 192, false)).To(Succeed())
			Expect(tr.Add(2, priotree.RootID, 64, false)).To(Succeed())
			tr.SetSchedulable(1, true)
			tr.SetSchedulable(2, true)

			s1, ok1 := tr.EffectiveShare(1)
			s2, ok2 := tr.EffectiveShare(2)
			Expect(ok1).To(BeTrue())
			Expect(ok2).To(BeTrue())

			ratio := float64(s1) / float64(s2)
			Expect(ratio).To(BeNumerically("~", 3.0, 0.05))
		})

		It("excludes non-schedulable siblings from the denominator", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed())
			Expect(tr.Add(2, priotree.RootID, 16, false)).To(Succeed())
			tr.SetSchedulable(1, true)
			// 2 never becomes schedulable

			s1, ok := tr.EffectiveShare(1)
			Expect(ok).To(BeTrue())
			Expect(s1).To(Equal(uint64(priotree.Scale)))
		})

		It("lets a ghost with one schedulable descendant carry its full weight", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed()) // A, to become ghost
			Expect(tr.Add(2, priotree.RootID, 16, false)).To(Succeed()) // B, sibling of A
			Expect(tr.Add(3, 1, 16, false)).To(Succeed())               // C, child of A
			tr.SetSchedulable(2, true)
			tr.SetSchedulable(3, true)
			Expect(tr.MarkClosed(1)).To(Succeed())

			s2, _ := tr.EffectiveShare(2)
			s3, _ := tr.EffectiveShare(3)
			// both siblings of the root-level split (A-as-ghost vs B) end
			// up with equal weight, and C inherits all of A's share below it.
			Expect(float64(s2) / float64(s3)).To(BeNumerically("~", 1.0, 0.05))
		})

		It("counts a never-opened interior node with a schedulable descendant, same as a ghost", func() {
			Expect(tr.Add(1, priotree.RootID, 16, false)).To(Succeed()) // A, a PRIORITY-only grouping stream, never opened
			Expect(tr.Add(2, priotree.RootID, 16, false)).To(Succeed()) // B, sibling of A
			Expect(tr.Add(3, 1, 16, false)).To(Succeed())               // C, child of A
			tr.SetSchedulable(2, true)
			tr.SetSchedulable(3, true)
			// A is never marked closed and never becomes schedulable itself.

			s2, ok2 := tr.EffectiveShare(2)
			s3, ok3 := tr.EffectiveShare(3)
			Expect(ok2).To(BeTrue())
			Expect(ok3).To(BeTrue())
			// A's branch must still occupy half the root-level split even
			// though A itself is idle, exactly as it would if A were closed.
			Expect(float64(s2) / float64(s3)).To(BeNumerically("~", 1.0, 0.05))
		})
	})
})
