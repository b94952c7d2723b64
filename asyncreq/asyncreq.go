// Package asyncreq implements the async request lifecycle manager
// (spec.md §4.5 — component C5): tickets bound to a stream, a shared
// scheduled executor for per-ticket timeouts, ordered listener dispatch,
// and an exactly-once CAS-guarded terminal transition.
//
// Grounded on the teacher's hk.Reg/At call-and-cancel pattern for the
// timeout side, and on cmn/cos/err.go's typed-error-plus-Errs style for
// swallow-and-log listener failures.
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package asyncreq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/nlog"
	"github.com/cpkb-bluezoo/gumdrop-sub021/iface"
)

type State int32

const (
	Active State = iota
	// timingOut is an internal, not-externally-visible state a ticket
	// passes through between winning the timeout CAS and the timeout
	// dispatch finishing. A listener that calls Complete or Error from
	// within onTimeout moves the ticket out of timingOut into a real
	// terminal state. While in timingOut, State().String() reports
	// "ACTIVE", and AddListener/SetTimeout (through isLive) treat the
	// ticket as still live, as they would have a moment earlier; State()
	// itself returns timingOut, not Active (spec.md §4.5: "if no listener has
	// transitioned the ticket to a different terminal state ... the
	// manager itself issues a default terminal completion").
	timingOut
	TimedOut
	Errored
	Completed
)

func (s State) String() string {
	switch s {
	case Active, timingOut:
		return "ACTIVE"
	case TimedOut:
		return "TIMED_OUT"
	case Errored:
		return "ERRORED"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// isLive reports whether s is a state from which a terminal CAS can still
// succeed: either genuinely Active, or mid-timeout-dispatch.
func isLive(s State) bool { return s == Active || s == timingOut }

// Ticket is the lifecycle record of spec.md §3. Exported fields are set
// only by Manager methods (Begin, and SetTimeout for TimeoutMS) and are
// read-only to callers.
type Ticket struct {
	ID        string
	StreamID  int
	CreatedAt int64
	TimeoutMS int64

	state atomic.Int32

	mu        sync.Mutex
	listeners []iface.Listener
	handle    iface.TaskHandle
	hasHandle bool
}

func (t *Ticket) State() State { return State(t.state.Load()) }

// Live reports whether the ticket can still be moved to a terminal state
// by a future Complete/Error/timeout — true for Active and for the brief
// internal timingOut window, false once a terminal state has committed.
func (t *Ticket) Live() bool { return isLive(t.State()) }

// Manager owns every ticket created on one connection. The shared
// executor is injected (spec.md §9: "do not hide it behind globals that
// cannot be swapped for tests").
type Manager struct {
	exec  iface.Executor
	clock iface.Clock
	resp  iface.ResponseWriter

	mu      sync.Mutex
	tickets map[string]*Ticket
}

func New(exec iface.Executor, clock iface.Clock, resp iface.ResponseWriter) *Manager {
	return &Manager{
		exec:    exec,
		clock:   clock,
		tickets: make(map[string]*Ticket),
		resp:    resp,
	}
}

// Begin opens a lifecycle record, schedules its timeout if timeoutMS>0,
// and returns the ticket (spec.md §4.5 begin()). onStartAsync is
// delivered per listener by AddListener rather than batched here, since
// no listener can exist before the caller has the ticket to register
// one against; see AddListener's doc comment.
func (m *Manager) Begin(id string, streamID int, timeoutMS int64) *Ticket {
	t := &Ticket{
		ID:        id,
		StreamID:  streamID,
		CreatedAt: m.clock.NowMillis(),
		TimeoutMS: timeoutMS,
	}

	m.mu.Lock()
	m.tickets[id] = t
	m.mu.Unlock()

	if timeoutMS > 0 {
		m.scheduleTimeout(t, timeoutMS)
	}
	return t
}

func (m *Manager) scheduleTimeout(t *Ticket, timeoutMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.ID
	h := m.exec.Schedule(time.Duration(timeoutMS)*time.Millisecond, func() {
		m.onTimeoutFireByID(id)
	})
	t.handle = h
	t.hasHandle = true
}

// onTimeoutFireByID is what the shared executor actually calls: it only
// knows the opaque ticket id, and resolves it through the manager's
// lookup table before touching the record (spec.md §3: the executor
// "holds only weak back-references ... that it resolves through the
// owning connection's lookup table").
func (m *Manager) onTimeoutFireByID(id string) {
	t, ok := m.lookup(id)
	if !ok {
		return
	}
	m.onTimeoutFire(t)
}

func (m *Manager) cancelTimeoutLocked(t *Ticket) {
	if t.hasHandle {
		t.handle.Cancel()
		t.hasHandle = false
	}
}

// AddListener appends a listener; a no-op once the ticket is terminal
// (spec.md §4.5 add_listener). Listeners are registered synchronously by
// the caller right after Begin, so onStartAsync (spec.md §4.5 begin:
// "fires onStartAsync to all listeners synchronously") is delivered here,
// to each listener the moment it joins, rather than batched inside
// Begin itself where no listener could yet exist to receive it.
func (m *Manager) AddListener(t *Ticket, l iface.Listener) {
	if !isLive(t.State()) {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	if t.State() == Active && l.OnStartAsync != nil {
		var failures cos.Errs
		m.safeCall(t, l, func(l iface.Listener) { l.OnStartAsync() }, &failures)
		if failures.Cnt() > 0 {
			nlog.Errorf("ticket %s: %s", t.ID, failures.Error())
		}
	}
}

// SetTimeout cancels any pending timeout and, if timeoutMS>0, schedules a
// fresh one with a deadline reset from now (spec.md §9's resolved open
// question). Rejects with IllegalState if the ticket is already
// terminal.
func (m *Manager) SetTimeout(t *Ticket, timeoutMS int64) error {
	if !isLive(t.State()) {
		return cos.NewIllegalState("SetTimeout", "ticket "+t.ID+" is terminal")
	}
	t.mu.Lock()
	m.cancelTimeoutLocked(t)
	t.mu.Unlock()
	t.TimeoutMS = timeoutMS
	if timeoutMS > 0 {
		m.scheduleTimeout(t, timeoutMS)
	}
	return nil
}

// Complete performs the terminal COMPLETED transition (spec.md §4.5
// complete). Idempotent: calling it on an already-terminal ticket is a
// successful no-op.
func (m *Manager) Complete(t *Ticket) {
	m.terminate(t, Completed, func(l iface.Listener) {
		if l.OnComplete != nil {
			l.OnComplete()
		}
	})
}

// Dispatch hands off to a downstream target and then behaves as
// Complete (spec.md §4.5: "treated as a form of complete after handing
// off").
func (m *Manager) Dispatch(t *Ticket, handoff func()) {
	if handoff != nil {
		handoff()
	}
	m.Complete(t)
}

// Error performs the terminal ERRORED transition (spec.md §4.5 error).
func (m *Manager) Error(t *Ticket, cause error) {
	m.terminate(t, Errored, func(l iface.Listener) {
		if l.OnError != nil {
			l.OnError(cause)
		}
	})
}

// onTimeoutFire is invoked by the shared executor at the ticket's
// deadline. Winning the CAS from ACTIVE moves the ticket into the
// internal timingOut state (still "live" from terminate's point of
// view) rather than straight to TIMED_OUT, so that a listener calling
// Complete or Error from within onTimeout — synchronously, during the
// dispatch below — genuinely wins the race and ends up with its own
// terminal state instead of being silently overridden once dispatch
// returns. Only if the ticket is still timingOut once every listener
// has run does the manager commit TIMED_OUT and issue the default
// response (spec.md §4.5 on_timeout_fire: "if no listener has
// transitioned the ticket to a different terminal state ... the
// manager itself issues a default terminal completion").
func (m *Manager) onTimeoutFire(t *Ticket) {
	if !t.state.CompareAndSwap(int32(Active), int32(timingOut)) {
		return
	}
	m.dispatch(t, func(l iface.Listener) {
		if l.OnTimeout != nil {
			l.OnTimeout()
		}
	})
	if t.state.CompareAndSwap(int32(timingOut), int32(TimedOut)) {
		m.release(t)
		if m.resp != nil {
			m.resp.WriteDefaultTimeoutResponse(t.StreamID)
		}
	}
}

// terminate implements the shared CAS-then-dispatch-then-release shape
// used by Complete and Error. The CAS accepts either Active or
// timingOut as the starting point so that a listener invoked from
// within onTimeoutFire's dispatch can still claim the terminal
// transition for itself.
func (m *Manager) terminate(t *Ticket, to State, call func(iface.Listener)) {
	for {
		cur := State(t.state.Load())
		if !isLive(cur) {
			return
		}
		if t.state.CompareAndSwap(int32(cur), int32(to)) {
			break
		}
	}
	t.mu.Lock()
	m.cancelTimeoutLocked(t)
	t.mu.Unlock()
	m.release(t)
	m.dispatch(t, call)
}

func (m *Manager) release(t *Ticket) {
	m.mu.Lock()
	delete(m.tickets, t.ID)
	m.mu.Unlock()
}

// dispatch invokes call for every listener in registration order,
// recovering from any panic so that one failing listener never prevents
// the rest from running (spec.md §4.5 listener dispatch rules). Failures
// are collected into a single Errs and logged together once the whole
// list has run, rather than once per panic, so a noisy listener can't
// flood the log on every dispatch.
func (m *Manager) dispatch(t *Ticket, call func(iface.Listener)) {
	t.mu.Lock()
	listeners := append([]iface.Listener(nil), t.listeners...)
	t.mu.Unlock()

	var failures cos.Errs
	for _, l := range listeners {
		m.safeCall(t, l, call, &failures)
	}
	if failures.Cnt() > 0 {
		nlog.Errorf("ticket %s: %s", t.ID, failures.Error())
	}
}

func (m *Manager) safeCall(t *Ticket, l iface.Listener, call func(iface.Listener), failures *cos.Errs) {
	defer func() {
		if r := recover(); r != nil {
			failures.Add(cos.NewListenerFailure("ticket:"+t.ID, r))
		}
	}()
	call(l)
}

// lookup resolves an opaque ticket id to its record, used by
// onTimeoutFireByID, the executor's path, which only has the id (spec.md §3:
// "holds only weak back-references (opaque ticket ids) that it resolves
// through the owning connection's lookup table").
func (m *Manager) lookup(id string) (*Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	return t, ok
}
