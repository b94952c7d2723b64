// Package scheduler implements the deficit-weighted round-robin stream
// scheduler (spec.md §4.3 — component C3): which stream gets to send next,
// how many bytes it gets this turn, and the anti-starvation aging that
// guarantees forward progress under degenerate weight configurations.
//
// The waiting-rounds aging counter here is modeled on the teacher's
// transport/collect.go idle-tick countdown (`s.time.ticks--`): both are a
// per-stream integer that ages every round a stream is *not* chosen and
// resets the instant it *is* chosen, checked against a threshold to
// trigger a corrective action.
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package scheduler

import (
	"sync"

	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/nlog"
	"github.com/cpkb-bluezoo/gumdrop-sub021/priotree"
)

// StreamQuerier is how the scheduler learns the two pieces of per-stream
// state it does not own: flow-control window and bytes ready to send.
// Implemented by the stream lifecycle (C4); kept as an interface so C3
// never imports C4 (spec.md §6 keeps these as separate external seams).
type StreamQuerier interface {
	SendWindow(streamID int) int64
	QueuedBytes(streamID int) int64
}

type perStream struct {
	credit        int64
	lastServedSeq uint64
	waitingRounds int
}

// Scheduler picks the next stream permitted to send on one connection's
// Tree. Not safe for concurrent use; callers serialize it the same way
// they serialize the Tree (spec.md §5).
type Scheduler struct {
	mu      sync.Mutex
	tree    *priotree.Tree
	streams map[int]*perStream

	perStreamCap     int64
	bigStreamCap     int64
	starvationRounds int
	quantum          int64
	globalSeq        uint64
}

type Config struct {
	PerStreamCapBytes      int64
	BigStreamCapBytes      int64
	StarvationThresholdRnd int
}

func New(tree *priotree.Tree, cfg Config) *Scheduler {
	if cfg.PerStreamCapBytes <= 0 {
		cfg.PerStreamCapBytes = 16 * 1024
	}
	if cfg.BigStreamCapBytes <= 0 {
		cfg.BigStreamCapBytes = 64 * 1024
	}
	if cfg.StarvationThresholdRnd <= 0 {
		cfg.StarvationThresholdRnd = 32
	}
	return &Scheduler{
		tree:             tree,
		streams:          make(map[int]*perStream),
		perStreamCap:     cfg.PerStreamCapBytes,
		bigStreamCap:     cfg.BigStreamCapBytes,
		starvationRounds: cfg.StarvationThresholdRnd,
		quantum:          cfg.PerStreamCapBytes,
	}
}

func (s *Scheduler) stateFor(id int) *perStream {
	ps, ok := s.streams[id]
	if !ok {
		ps = &perStream{}
		s.streams[id] = ps
	}
	return ps
}

// Forget drops a stream's scheduling state once it has been pruned from
// the tree; called by the stream lifecycle on the CLOSED transition after
// it asks the tree to mark_closed (spec.md §4.4).
func (s *Scheduler) Forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

// NextSendable returns the id of the stream permitted to transmit next
// and how many bytes it may send this turn, or ok=false if no stream is
// currently schedulable (spec.md §4.3).
func (s *Scheduler) NextSendable(q StreamQuerier, maxBytes int64) (id int, allotted int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.tree.SchedulableIDs()
	var eligible []int
	for _, c := range candidates {
		if q.SendWindow(c) > 0 && q.QueuedBytes(c) > 0 {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return 0, 0, false
	}

	// a stream already past the starvation threshold is picked this round
	// outright (the longest-waiting one if several), so no schedulable
	// stream waits more than threshold+1 rounds.
	starved, starvedRounds := -1, 0
	for _, c := range eligible {
		if w := s.stateFor(c).waitingRounds; w > s.starvationRounds && w > starvedRounds {
			starved, starvedRounds = c, w
		}
	}

	s.ageAndElevate(eligible)

	best := -1
	var bestScore int64
	var bestSeq uint64
	for _, c := range eligible {
		ps := s.stateFor(c)
		share, _ := s.tree.EffectiveShare(c)
		score := ps.credit + int64(share)
		seq := ps.lastServedSeq
		if seq == 0 {
			// never served: tie-break against insertion order so brand
			// new streams don't perpetually lose to ones with seq==0.
			if treeSeq, ok := s.tree.SeqOf(c); ok {
				seq = treeSeq
			}
		}
		if best == -1 || score > bestScore || (score == bestScore && seq < bestSeq) {
			best = c
			bestScore = score
			bestSeq = seq
		}
	}
	if starved != -1 {
		best = starved
	}

	for _, c := range eligible {
		if c != best {
			s.stateFor(c).waitingRounds++
		}
	}

	share, _ := s.tree.EffectiveShare(best)
	cap := s.perStreamCap
	if share > priotree.Scale/2 {
		cap = s.bigStreamCap
	}
	allotted = min64(maxBytes, q.SendWindow(best), q.QueuedBytes(best), cap)
	if allotted <= 0 {
		return 0, 0, false
	}
	return best, allotted, true
}

// ageAndElevate implements spec.md §4.3's anti-starvation rule: a
// schedulable stream with waiting_rounds greater than the threshold
// without being selected has its credit raised by one full quantum.
// NextSendable also selects such a stream in that same round.
func (s *Scheduler) ageAndElevate(eligible []int) {
	for _, c := range eligible {
		ps := s.stateFor(c)
		if ps.waitingRounds > s.starvationRounds {
			ps.credit += s.quantum
			ps.waitingRounds = 0
			nlog.Warningf("scheduler: stream %d starved for >%d rounds, elevating credit", c, s.starvationRounds)
		}
	}
}

// Account records that n bytes were actually written for id, then
// replenishes every currently-schedulable stream's credit by a fresh
// quantum scaled by its effective share (spec.md §4.3 step 3).
func (s *Scheduler) Account(id int, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.stateFor(id)
	ps.credit -= n
	s.globalSeq++
	ps.lastServedSeq = s.globalSeq
	ps.waitingRounds = 0

	for _, c := range s.tree.SchedulableIDs() {
		share, ok := s.tree.EffectiveShare(c)
		if !ok {
			continue
		}
		add := int64(share) * s.quantum / priotree.Scale
		if add <= 0 {
			add = 1
		}
		s.stateFor(c).credit += add
	}
}

// Credit reports id's current signed credit balance, mostly for
// diagnostics and tests.
func (s *Scheduler) Credit(id int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.streams[id]; ok {
		return ps.credit
	}
	return 0
}

func min64(vals ...int64) int64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
