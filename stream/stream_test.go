package stream_test

import (
	"testing"

	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/priotree"
	"github.com/cpkb-bluezoo/gumdrop-sub021/stream"
)

func newTree(t *testing.T, id int) *priotree.Tree {
	t.Helper()
	tr := priotree.New()
	if err := tr.Add(id, priotree.RootID, 16, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return tr
}

func TestOpenMakesSchedulableOnceDataQueued(t *testing.T) {
	tr := newTree(t, 1)
	s := stream.New(1, tr, nil)
	if err := s.OnHeaders(); err != nil {
		t.Fatalf("OnHeaders: %v", err)
	}
	if ids := tr.SchedulableIDs(); len(ids) != 0 {
		t.Fatalf("stream with no queued data should not be schedulable, got %v", ids)
	}
	s.Enqueue(100)
	ids := tr.SchedulableIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected stream 1 schedulable after enqueue, got %v", ids)
	}
}

func TestNegativeWindowIsFlowControlError(t *testing.T) {
	tr := newTree(t, 1)
	s := stream.New(1, tr, nil)
	_ = s.OnHeaders()
	err := s.RecvWindowUpdate(-70000)
	if !cos.IsFlowControlError(err) {
		t.Fatalf("expected FlowControlError, got %v", err)
	}
}

func TestCloseInvokesListenerAndPrunesOrGhosts(t *testing.T) {
	tr := newTree(t, 1)
	var closed int
	var gotAbrupt bool
	s := stream.New(1, tr, func(id int, abrupt bool) {
		closed++
		gotAbrupt = abrupt
		tr.MarkClosed(id)
	})
	_ = s.OnHeaders()
	if err := s.OnRst(); err != nil {
		t.Fatalf("OnRst: %v", err)
	}
	if closed != 1 || !gotAbrupt {
		t.Fatalf("expected exactly one abrupt close callback, got closed=%d abrupt=%v", closed, gotAbrupt)
	}
	if tr.Has(1) {
		t.Fatalf("leaf stream should have been pruned from the tree")
	}
	// Closing again must be a no-op (idempotent).
	if err := s.OnRst(); err != nil {
		t.Fatalf("second OnRst: %v", err)
	}
	if closed != 1 {
		t.Fatalf("close listener fired twice, want exactly once")
	}
}

func TestEndStreamBothDirectionsCloses(t *testing.T) {
	tr := newTree(t, 1)
	s := stream.New(1, tr, nil)
	_ = s.OnHeaders()
	if err := s.OnEndStream(false); err != nil {
		t.Fatalf("remote END_STREAM: %v", err)
	}
	if s.State() != stream.HalfClosedRemote {
		t.Fatalf("state = %v, want HALF_CLOSED_REMOTE", s.State())
	}
	if err := s.OnEndStream(true); err != nil {
		t.Fatalf("local END_STREAM: %v", err)
	}
	if s.State() != stream.Closed {
		t.Fatalf("state = %v, want CLOSED", s.State())
	}
}

func TestHalfClosedRemoteStillSchedulable(t *testing.T) {
	tr := newTree(t, 1)
	s := stream.New(1, tr, nil)
	_ = s.OnHeaders()
	s.Enqueue(10)
	_ = s.OnEndStream(false)
	if ids := tr.SchedulableIDs(); len(ids) != 1 {
		t.Fatalf("HALF_CLOSED_REMOTE with queued bytes should remain schedulable, got %v", ids)
	}
}
