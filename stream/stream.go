// Package stream implements the per-stream state machine (spec.md §4.4 —
// component C4): HTTP/2 stream states, flow-control window bookkeeping,
// and the bridge that keeps a stream's tree entry's schedulable bit in
// sync with its own state.
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package stream

import (
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/priotree"
)

type State int

const (
	Idle State = iota
	ReservedLocal
	ReservedRemote
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ReservedLocal:
		return "RESERVED_LOCAL"
	case ReservedRemote:
		return "RESERVED_REMOTE"
	case Open:
		return "OPEN"
	case HalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case HalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const initialSendWindow = 65535

// CloseListener is notified on the transition into CLOSED so the owning
// connection can cancel an attached async ticket and ask the tree to
// mark_closed (spec.md §4.4: "cancels the stream's async timeout (if
// any), dispatches the terminal lifecycle event ..., and asks C1 to
// mark_closed"). abrupt is true for RST_STREAM-driven closes.
type CloseListener func(streamID int, abrupt bool)

// Stream is one HTTP/2 stream's lifecycle state, independent of the tree
// node that tracks its priority — the two are linked only by a shared id
// and by syncSchedulable, which pushes this stream's "schedulable for
// send" bit into the tree (spec.md §4.4).
type Stream struct {
	ID          int
	state       State
	sendWindow  int64
	queuedBytes int64
	bytesSent   int64

	tree    *priotree.Tree
	onClose CloseListener
}

func New(id int, tree *priotree.Tree, onClose CloseListener) *Stream {
	return &Stream{
		ID:         id,
		state:      Idle,
		sendWindow: initialSendWindow,
		tree:       tree,
		onClose:    onClose,
	}
}

func (s *Stream) State() State { return s.state }

// SendWindow and QueuedBytes satisfy scheduler.StreamQuerier.
func (s *Stream) SendWindow(streamID int) int64 {
	if streamID != s.ID {
		return 0
	}
	return s.sendWindow
}

func (s *Stream) QueuedBytes(streamID int) int64 {
	if streamID != s.ID {
		return 0
	}
	return s.queuedBytes
}

func (s *Stream) BytesSent() int64 { return s.bytesSent }

// OnHeaders handles either a received or locally sent HEADERS frame that
// opens the stream (spec.md §4.4 transition table: IDLE -> OPEN).
func (s *Stream) OnHeaders() error {
	if s.state != Idle && s.state != ReservedLocal && s.state != ReservedRemote {
		return cos.NewIllegalState("OnHeaders", "stream not idle: "+s.state.String())
	}
	s.state = Open
	s.syncSchedulable()
	return nil
}

// Enqueue adds n bytes of application data ready to send.
func (s *Stream) Enqueue(n int64) {
	s.queuedBytes += n
	s.syncSchedulable()
}

// OnDataSent records that the scheduler accounted n bytes as written for
// this stream; called from the connection's writer loop after
// scheduler.Account.
func (s *Stream) OnDataSent(n int64) {
	s.queuedBytes -= n
	s.sendWindow -= n
	s.bytesSent += n
	s.syncSchedulable()
}

// RecvWindowUpdate applies a WINDOW_UPDATE increment. A resulting
// negative window is a FlowControlError (spec.md §4.4).
func (s *Stream) RecvWindowUpdate(delta int64) error {
	s.sendWindow += delta
	if s.sendWindow < 0 {
		return cos.NewFlowControlError(s.ID, "window went negative")
	}
	s.syncSchedulable()
	return nil
}

// OnEndStream handles an END_STREAM flag, local (sent) or remote
// (received), per the transition table in spec.md §4.4.
func (s *Stream) OnEndStream(local bool) error {
	switch s.state {
	case Open:
		if local {
			s.state = HalfClosedLocal
		} else {
			s.state = HalfClosedRemote
		}
	case HalfClosedLocal:
		if !local {
			return s.transitionClosed(false)
		}
	case HalfClosedRemote:
		if local {
			return s.transitionClosed(false)
		}
	default:
		return cos.NewIllegalState("OnEndStream", "unexpected state: "+s.state.String())
	}
	s.syncSchedulable()
	return nil
}

// OnRst handles RST_STREAM: an abrupt close from any state.
func (s *Stream) OnRst() error {
	return s.transitionClosed(true)
}

// Close is the local equivalent of OnRst, for connection-initiated
// teardown (spec.md §3 "opened by HEADERS ... or local close()").
func (s *Stream) Close() error {
	return s.transitionClosed(true)
}

func (s *Stream) transitionClosed(abrupt bool) error {
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	s.syncSchedulable()
	if s.onClose != nil {
		s.onClose(s.ID, abrupt)
	}
	return nil
}

// schedulableForSend mirrors spec.md §4.4's definition exactly: state in
// {OPEN, HALF_CLOSED_REMOTE} and send_window>0 and queued_bytes>0.
func (s *Stream) schedulableForSend() bool {
	if s.state != Open && s.state != HalfClosedRemote {
		return false
	}
	return s.sendWindow > 0 && s.queuedBytes > 0
}

func (s *Stream) syncSchedulable() {
	if s.tree == nil {
		return
	}
	s.tree.SetSchedulable(s.ID, s.schedulableForSend())
}
