package asyncreq_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cpkb-bluezoo/gumdrop-sub021/asyncreq"
	"github.com/cpkb-bluezoo/gumdrop-sub021/iface"
)

// fakeExecutor runs scheduled tasks only when the test explicitly fires
// them, so timeout races are deterministic instead of sleep-based.
type fakeExecutor struct {
	tasks map[int]*fakeHandle
	next  int
}

type fakeHandle struct {
	fn        func()
	cancelled bool
}

func (h *fakeHandle) Cancel() bool {
	if h.cancelled {
		return false
	}
	h.cancelled = true
	return true
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{tasks: map[int]*fakeHandle{}}
}

func (e *fakeExecutor) Schedule(_ time.Duration, fn func()) iface.TaskHandle {
	e.next++
	h := &fakeHandle{fn: fn}
	e.tasks[e.next] = h
	return h
}

// fireLatest invokes the most recently scheduled task, mimicking the executor
// reaching its deadline.
func (e *fakeExecutor) fireLatest() {
	h := e.tasks[e.next]
	if h != nil && !h.cancelled {
		h.fn()
	}
}

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMillis() int64 { return c.ms }

type fakeResp struct{ n int }

func (f *fakeResp) WriteDefaultTimeoutResponse(streamID int) { f.n++ }

func TestAddListenerFiresStartAsyncSynchronously(t *testing.T) {
	exec := newFakeExecutor()
	mgr := asyncreq.New(exec, &fakeClock{}, nil)
	var started bool
	ticket := mgr.Begin("t1", 1, 0)
	mgr.AddListener(ticket, iface.Listener{OnStartAsync: func() { started = true }})

	if !started {
		t.Fatalf("onStartAsync was not delivered synchronously on listener registration")
	}
	if ticket.State() != asyncreq.Active {
		t.Fatalf("new ticket state = %v, want ACTIVE", ticket.State())
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	exec := newFakeExecutor()
	mgr := asyncreq.New(exec, &fakeClock{}, nil)
	ticket := mgr.Begin("t1", 1, 0)
	var completions int
	mgr.AddListener(ticket, iface.Listener{OnComplete: func() { completions++ }})

	mgr.Complete(ticket)
	mgr.Complete(ticket)

	if completions != 1 {
		t.Fatalf("onComplete fired %d times, want exactly 1", completions)
	}
	if ticket.State() != asyncreq.Completed {
		t.Fatalf("state = %v, want COMPLETED", ticket.State())
	}
}

func TestTimeoutHandledSuppressesDefaultResponse(t *testing.T) {
	exec := newFakeExecutor()
	resp := &fakeResp{}
	mgr := asyncreq.New(exec, &fakeClock{}, resp)
	ticket := mgr.Begin("t1", 1, 100)

	var gotTimeout, gotComplete bool
	mgr.AddListener(ticket, iface.Listener{
		OnTimeout: func() {
			gotTimeout = true
			mgr.Complete(ticket)
		},
		OnComplete: func() { gotComplete = true },
	})

	exec.fireLatest()

	if !gotTimeout {
		t.Fatalf("listener never saw onTimeout")
	}
	if !gotComplete {
		t.Fatalf("listener's own Complete() call inside onTimeout should have dispatched onComplete")
	}
	if ticket.State() != asyncreq.Completed {
		t.Fatalf("state = %v, want COMPLETED (listener's in-dispatch Complete overrides the default timeout outcome)", ticket.State())
	}
	if resp.n != 0 {
		t.Fatalf("default timeout response written %d times, want 0 (listener handled it)", resp.n)
	}
}

func TestTimeoutUnhandledWritesDefaultResponse(t *testing.T) {
	exec := newFakeExecutor()
	resp := &fakeResp{}
	mgr := asyncreq.New(exec, &fakeClock{}, resp)
	ticket := mgr.Begin("t1", 1, 100)

	exec.fireLatest()

	if ticket.State() != asyncreq.TimedOut {
		t.Fatalf("state = %v, want TIMED_OUT", ticket.State())
	}
	if resp.n != 1 {
		t.Fatalf("default timeout response written %d times, want exactly 1", resp.n)
	}
}

func TestCompleteCancelsPendingTimeout(t *testing.T) {
	exec := newFakeExecutor()
	resp := &fakeResp{}
	mgr := asyncreq.New(exec, &fakeClock{}, resp)
	ticket := mgr.Begin("t1", 1, 10000)

	var timeoutFired bool
	mgr.AddListener(ticket, iface.Listener{OnTimeout: func() { timeoutFired = true }})

	mgr.Complete(ticket)
	exec.fireLatest() // simulates the timer firing after completion; must be a no-op

	if timeoutFired {
		t.Fatalf("onTimeout fired after Complete cancelled the timeout task")
	}
	if resp.n != 0 {
		t.Fatalf("default response written after Complete, want 0")
	}
}

func TestOneFailingListenerDoesNotBlockOthers(t *testing.T) {
	exec := newFakeExecutor()
	mgr := asyncreq.New(exec, &fakeClock{}, nil)
	ticket := mgr.Begin("t1", 1, 0)

	var secondRan bool
	mgr.AddListener(ticket, iface.Listener{OnComplete: func() { panic("boom") }})
	mgr.AddListener(ticket, iface.Listener{OnComplete: func() { secondRan = true }})

	mgr.Complete(ticket)

	if !secondRan {
		t.Fatalf("second listener did not run after first listener panicked")
	}
}

func TestErrorTerminalState(t *testing.T) {
	exec := newFakeExecutor()
	mgr := asyncreq.New(exec, &fakeClock{}, nil)
	ticket := mgr.Begin("t1", 1, 0)

	var gotCause error
	mgr.AddListener(ticket, iface.Listener{OnError: func(cause error) { gotCause = cause }})
	mgr.Error(ticket, errors.New("boom"))

	if ticket.State() != asyncreq.Errored {
		t.Fatalf("state = %v, want ERRORED", ticket.State())
	}
	if gotCause == nil || gotCause.Error() != "boom" {
		t.Fatalf("onError cause = %v, want boom", gotCause)
	}
}
