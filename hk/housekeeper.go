// Package hk is Gumdrop's shared scheduled executor: the single,
// process-wide, lazily-created resource that spec.md §3/§4.5/§5/§9 calls
// for. It owns per-ticket timeout tasks (one-shot, via At/Cancel) and
// connection diagnostics (recurring, via Reg/Unreg). The scheduler's
// anti-starvation aging does not run here; it runs inline in
// scheduler.NextSendable.
//
// Modeled on the teacher's hk.Reg/hk.Unreg/hk.Init/hk.DefaultHK.Run call
// sites (transport/api.go, ext/dload/infostore.go, xact/xs/lso.go,
// xact/xreg/xreg.go, bench/tools/aisloader/run.go) and on the min-heap,
// self-resetting-timer design of transport/collect.go's collector.
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/nlog"
	"github.com/cpkb-bluezoo/gumdrop-sub021/iface"
)

// NameSuffix mirrors the teacher's convention of namespacing recurring
// registrations so that unrelated subsystems never collide on a name.
const NameSuffix = ".gc"

const defaultThreads = 2

type (
	// Handle identifies a one-shot task for Cancel; the zero Handle is
	// never valid and Cancel on it is a safe no-op.
	Handle struct{ t *oneshot }

	oneshot struct {
		deadline time.Time
		fn       func()
		index    int
		fired    bool
		canceled bool
	}

	recurring struct {
		name     string
		fn       func() time.Duration
		deadline time.Time
		index    int
	}

	oneshotHeap   []*oneshot
	recurringHeap []*recurring

	// Housekeeper is the executor: one timer goroutine plus a small pool
	// of worker goroutines that actually invoke task callbacks, so a slow
	// or misbehaving listener cannot stall the timer goroutine itself.
	Housekeeper struct {
		mu        sync.Mutex
		oneshots  oneshotHeap
		recurs    recurringHeap
		byName    map[string]*recurring
		wake      chan struct{}
		work      chan func()
		stopCh    *cos.StopCh
		startOnce sync.Once
		threads   int
	}
)

var (
	defMu      sync.Mutex
	defHK      *Housekeeper
	defThreads = defaultThreads
)

// Init sets the worker pool size for the lazily-created default
// Housekeeper. It is a no-op once the default instance has already been
// created (first call to Default) — matching spec.md §9's "inject it, do
// not hide it behind globals that cannot be swapped for tests" in spirit:
// production code calls Init once at startup; tests construct their own
// *Housekeeper via New and never touch the default at all.
func Init(threads int) {
	defMu.Lock()
	defer defMu.Unlock()
	if threads > 0 {
		defThreads = threads
	}
}

// Default returns the process-wide Housekeeper, creating and starting it
// on first use.
func Default() *Housekeeper {
	defMu.Lock()
	defer defMu.Unlock()
	if defHK == nil {
		defHK = New(defThreads)
		defHK.Start()
	}
	return defHK
}

func New(threads int) *Housekeeper {
	if threads <= 0 {
		threads = defaultThreads
	}
	return &Housekeeper{
		byName:  make(map[string]*recurring),
		wake:    make(chan struct{}, 1),
		work:    make(chan func(), 64),
		stopCh:  cos.NewStopCh(),
		threads: threads,
	}
}

// Start launches the timer goroutine and the worker pool. Workers are
// ordinary (non-daemon — Go has none) goroutines, but Stop always returns
// promptly because pending work is simply dropped, never drained
// synchronously: the executor must never block process shutdown.
func (hk *Housekeeper) Start() {
	hk.startOnce.Do(func() {
		go hk.timerLoop()
		for i := 0; i < hk.threads; i++ {
			go hk.worker()
		}
	})
}

func (hk *Housekeeper) Stop() { hk.stopCh.Close() }

func (hk *Housekeeper) worker() {
	for {
		select {
		case fn := <-hk.work:
			runTask(fn)
		case <-hk.stopCh.Listen():
			return
		}
	}
}

func runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			nlog.ErrorDepth(1, cos.NewListenerFailure("hk.task", r).Error())
		}
	}()
	fn()
}

// At schedules fn to run once at deadline. Best-effort: a task that fires
// concurrently with a Cancel call may still run (spec.md §4.5 "a
// fired-but-not-yet-dispatched task must still observe the CAS failure and
// return" — the CAS lives in asyncreq, not here).
func (hk *Housekeeper) At(deadline time.Time, fn func()) Handle {
	t := &oneshot{deadline: deadline, fn: fn}
	hk.mu.Lock()
	heap.Push(&hk.oneshots, t)
	hk.mu.Unlock()
	hk.nudge()
	return Handle{t}
}

// boundHandle adapts a Handle, which needs its owning Housekeeper to be
// cancelled, to the no-argument iface.TaskHandle contract asyncreq
// programs against.
type boundHandle struct {
	hk *Housekeeper
	h  Handle
}

func (b boundHandle) Cancel() bool { return b.hk.Cancel(b.h) }

// Schedule adapts At to the iface.Executor shape (delay, not absolute
// deadline), so a *Housekeeper can be injected anywhere spec.md §6's
// "schedule(delay_ms, task) -> handle, cancel(handle)" executor seam is
// expected.
func (hk *Housekeeper) Schedule(delay time.Duration, fn func()) iface.TaskHandle {
	return boundHandle{hk: hk, h: hk.At(time.Now().Add(delay), fn)}
}

// Cancel removes a pending one-shot task. Returns false if the task had
// already fired (or the Handle is zero), matching spec.md's best-effort
// cancellation semantics.
func (hk *Housekeeper) Cancel(h Handle) bool {
	if h.t == nil {
		return false
	}
	hk.mu.Lock()
	defer hk.mu.Unlock()
	t := h.t
	if t.fired || t.canceled || t.index < 0 {
		return false
	}
	t.canceled = true
	heap.Remove(&hk.oneshots, t.index)
	return true
}

// Reg registers a recurring task identified by name. fn is invoked no
// earlier than `interval` after registration (and after each prior
// invocation returns); the return value is the delay until the next
// invocation. A return value <= 0 unregisters the task, mirroring how the
// teacher's xreg.go housekeeping callbacks signal "done" by returning a
// non-positive interval.
func (hk *Housekeeper) Reg(name string, fn func() time.Duration, interval time.Duration) {
	r := &recurring{name: name, fn: fn, deadline: time.Now().Add(interval)}
	hk.mu.Lock()
	if old, ok := hk.byName[name]; ok {
		heap.Remove(&hk.recurs, old.index)
	}
	hk.byName[name] = r
	heap.Push(&hk.recurs, r)
	hk.mu.Unlock()
	hk.nudge()
}

func (hk *Housekeeper) Unreg(name string) {
	hk.mu.Lock()
	if r, ok := hk.byName[name]; ok {
		delete(hk.byName, name)
		if r.index >= 0 {
			heap.Remove(&hk.recurs, r.index)
		}
	}
	hk.mu.Unlock()
}

func (hk *Housekeeper) nudge() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

func (hk *Housekeeper) timerLoop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d := hk.nextDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
		select {
		case <-timer.C:
			hk.fireDue()
		case <-hk.wake:
			// loop around: nextDelay recomputes against the newly added task
		case <-hk.stopCh.Listen():
			return
		}
	}
}

const maxIdleWait = time.Hour

func (hk *Housekeeper) nextDelay() time.Duration {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	var next time.Time
	has := false
	if len(hk.oneshots) > 0 {
		next = hk.oneshots[0].deadline
		has = true
	}
	if len(hk.recurs) > 0 && (!has || hk.recurs[0].deadline.Before(next)) {
		next = hk.recurs[0].deadline
		has = true
	}
	if !has {
		return maxIdleWait
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	return d
}

func (hk *Housekeeper) fireDue() {
	now := time.Now()
	var due []func()
	hk.mu.Lock()
	for len(hk.oneshots) > 0 && !hk.oneshots[0].deadline.After(now) {
		t := heap.Pop(&hk.oneshots).(*oneshot)
		t.fired = true
		due = append(due, t.fn)
	}
	for len(hk.recurs) > 0 && !hk.recurs[0].deadline.After(now) {
		r := heap.Pop(&hk.recurs).(*recurring)
		fn := r.fn
		due = append(due, func() { hk.runRecurring(r, fn) })
	}
	hk.mu.Unlock()
	for _, fn := range due {
		select {
		case hk.work <- fn:
		case <-hk.stopCh.Listen():
			return
		}
	}
}

func (hk *Housekeeper) runRecurring(r *recurring, fn func() time.Duration) {
	next := fn()
	if next <= 0 {
		hk.mu.Lock()
		if cur, ok := hk.byName[r.name]; ok && cur == r {
			delete(hk.byName, r.name)
		}
		hk.mu.Unlock()
		return
	}
	r.deadline = time.Now().Add(next)
	hk.mu.Lock()
	if cur, ok := hk.byName[r.name]; ok && cur == r {
		heap.Push(&hk.recurs, r)
	}
	hk.mu.Unlock()
	hk.nudge()
}

// container/heap.Interface for oneshotHeap

func (h oneshotHeap) Len() int            { return len(h) }
func (h oneshotHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h oneshotHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *oneshotHeap) Push(x any) {
	t := x.(*oneshot)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *oneshotHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// container/heap.Interface for recurringHeap

func (h recurringHeap) Len() int           { return len(h) }
func (h recurringHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h recurringHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *recurringHeap) Push(x any) {
	r := x.(*recurring)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *recurringHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
