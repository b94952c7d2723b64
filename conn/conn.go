// Package conn wires the five core components (priotree, scheduler,
// stream, asyncreq) into the single per-connection facade the frame
// layer actually drives (spec.md §6's "To the HTTP/2 frame layer" table
// and §5's "each connection exclusively owns its DependencyTree and its
// Lifecycle Records").
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package conn

import (
	"sync"
	"time"

	"github.com/cpkb-bluezoo/gumdrop-sub021/asyncreq"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/config"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/cos"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/mono"
	"github.com/cpkb-bluezoo/gumdrop-sub021/cmn/nlog"
	"github.com/cpkb-bluezoo/gumdrop-sub021/hk"
	"github.com/cpkb-bluezoo/gumdrop-sub021/iface"
	"github.com/cpkb-bluezoo/gumdrop-sub021/priotree"
	"github.com/cpkb-bluezoo/gumdrop-sub021/scheduler"
	"github.com/cpkb-bluezoo/gumdrop-sub021/stream"
)

// Conn is not safe for concurrent use beyond what spec.md §5 already
// allows: it is driven exclusively from the connection's I/O thread,
// except that asyncreq.Manager's own internal locking lets a timeout
// fire from the shared executor's goroutine.
type Conn struct {
	tree  *priotree.Tree
	sched *scheduler.Scheduler
	async *asyncreq.Manager

	mu      sync.Mutex
	streams map[int]*stream.Stream
	tickets map[int]*asyncreq.Ticket

	writer           iface.Writer
	defaultTimeoutMS int64
	diagName         string
}

type Config struct {
	Scheduler        scheduler.Config
	DefaultTimeoutMS int64
}

// New wires up a connection-scoped facade. clock may be nil, in which
// case it defaults to mono.Clock, the monotonic-time iface.Clock
// implementation; tests that need deterministic timestamps pass their
// own fake instead.
func New(writer iface.Writer, exec iface.Executor, clock iface.Clock, resp iface.ResponseWriter, cfg Config) *Conn {
	if clock == nil {
		clock = mono.Clock{}
	}
	tree := priotree.New()
	c := &Conn{
		tree:             tree,
		sched:            scheduler.New(tree, cfg.Scheduler),
		streams:          make(map[int]*stream.Stream),
		tickets:          make(map[int]*asyncreq.Ticket),
		writer:           writer,
		defaultTimeoutMS: cfg.DefaultTimeoutMS,
		diagName:         "conn-diag-" + cos.GenTicketID() + hk.NameSuffix,
	}
	c.async = asyncreq.New(exec, clock, resp)
	return c
}

// NewFromConfig builds a Conn from the process-wide config (spec.md §6's
// recognized options), and sizes the default shared executor's worker
// pool from async.executor_threads before any caller has a chance to
// schedule a timeout on it.
func NewFromConfig(writer iface.Writer, exec iface.Executor, clock iface.Clock, resp iface.ResponseWriter) *Conn {
	cfg := config.Get()
	hk.Init(cfg.Async.ExecutorThreads)
	return New(writer, exec, clock, resp, Config{
		Scheduler: scheduler.Config{
			PerStreamCapBytes:      cfg.Scheduler.PerStreamCapBytes,
			BigStreamCapBytes:      cfg.Scheduler.BigStreamCapBytes,
			StarvationThresholdRnd: cfg.Scheduler.StarvationThresholdRnd,
		},
		DefaultTimeoutMS: int64(cfg.Async.DefaultTimeoutMS),
	})
}

// StartDiagnostics registers a recurring housekeeping task that logs a
// coarse summary of this connection's tree every interval, the "connection
// diagnostics housekeeping" use of hk.Reg described in SPEC_FULL.md. Not
// required for correctness; purely observational.
func (c *Conn) StartDiagnostics(h *hk.Housekeeper, interval time.Duration) {
	h.Reg(c.diagName, func() time.Duration {
		c.mu.Lock()
		snap := c.tree.Snapshot()
		nstreams := len(c.streams)
		c.mu.Unlock()
		nlog.Infof("conn %s: %d tree nodes, %d live streams", c.diagName, len(snap.Nodes), nstreams)
		return interval
	}, interval)
}

// StopDiagnostics unregisters the recurring task started by
// StartDiagnostics; called when the connection is torn down.
func (c *Conn) StopDiagnostics(h *hk.Housekeeper) {
	h.Unreg(c.diagName)
}

func (c *Conn) streamOrNil(id int) *stream.Stream {
	return c.streams[id]
}

// AddStream registers a new stream in both the dependency tree and the
// lifecycle state machine (spec.md §4.1 add + §3 "a Stream is created
// when its id is first referenced").
func (c *Conn) AddStream(id, parentID, weight int, exclusive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.tree.Add(id, parentID, weight, exclusive); err != nil {
		return err
	}
	c.streams[id] = stream.New(id, c.tree, c.onStreamClosed)
	return nil
}

// Reprioritize applies a PRIORITY frame (spec.md §6: PRIORITY maps
// directly to reprioritize).
func (c *Conn) Reprioritize(id, parentID, weight int, exclusive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Reprioritize(id, parentID, weight, exclusive)
}

func (c *Conn) OnHeaders(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streamOrNil(id)
	if s == nil {
		return cos.NewIllegalState("OnHeaders", "unknown stream")
	}
	return s.OnHeaders()
}

func (c *Conn) OnData(id int, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streamOrNil(id)
	if s == nil {
		return cos.NewIllegalState("OnData", "unknown stream")
	}
	s.Enqueue(n)
	return nil
}

func (c *Conn) OnEndStream(id int, local bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streamOrNil(id)
	if s == nil {
		return cos.NewIllegalState("OnEndStream", "unknown stream")
	}
	return s.OnEndStream(local)
}

func (c *Conn) OnRst(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streamOrNil(id)
	if s == nil {
		return cos.NewIllegalState("OnRst", "unknown stream")
	}
	return s.OnRst()
}

func (c *Conn) RecvWindowUpdate(id int, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streamOrNil(id)
	if s == nil {
		return cos.NewIllegalState("RecvWindowUpdate", "unknown stream")
	}
	return s.RecvWindowUpdate(delta)
}

// onStreamClosed is the stream.CloseListener wired into every stream:
// spec.md §4.4's CLOSED transition actions (cancel timeout, dispatch
// terminal event, mark_closed) plus §5's cancellation rule ("a client
// RST_STREAM or local close() ... the manager interprets CLOSED as an
// error-terminal; onError fires (not onTimeout) unless the close was
// caused by a fired timeout").
func (c *Conn) onStreamClosed(id int, abrupt bool) {
	if err := c.tree.MarkClosed(id); err != nil {
		nlog.Errorf("conn: mark_closed(%d): %v", id, err)
	}
	c.sched.Forget(id)
	delete(c.streams, id)

	t, ok := c.tickets[id]
	if !ok {
		return
	}
	delete(c.tickets, id)
	if !t.Live() {
		return
	}
	c.async.Error(t, cos.NewIllegalState("stream", "closed while request still async"))
}

// NextSendable satisfies the frame layer's writer loop (spec.md §6
// scheduler.next_sendable).
func (c *Conn) NextSendable(maxBytes int64) (id int, allotted int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched.NextSendable(c, maxBytes)
}

// Account feeds the bytes actually written for id back into both the
// scheduler and the stream's own bookkeeping.
func (c *Conn) Account(id int, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched.Account(id, n)
	if s := c.streamOrNil(id); s != nil {
		s.OnDataSent(n)
	}
}

// SendWindow and QueuedBytes make *Conn itself a scheduler.StreamQuerier
// by delegating to the stream registry; callers never need a second
// adapter type.
func (c *Conn) SendWindow(id int) int64 {
	if s := c.streamOrNil(id); s != nil {
		return s.SendWindow(id)
	}
	return 0
}

func (c *Conn) QueuedBytes(id int) int64 {
	if s := c.streamOrNil(id); s != nil {
		return s.QueuedBytes(id)
	}
	return 0
}

// FlushOnce drives one scheduling turn end to end: picks the next
// sendable stream, asks payload for up to that many bytes, writes them
// through the injected transport Writer, and accounts for what was
// actually written. Returns ok=false if nothing was currently
// schedulable.
func (c *Conn) FlushOnce(maxBytes int64, payload func(id int, allotted int64) []byte) (id int, n int, ok bool) {
	sid, allotted, ok := c.NextSendable(maxBytes)
	if !ok {
		return 0, 0, false
	}
	p := payload(sid, allotted)
	if len(p) > int(allotted) {
		p = p[:allotted]
	}
	n, err := c.writer.Write(sid, p)
	if err != nil {
		nlog.Errorf("conn: write stream %d: %v", sid, err)
	}
	c.Account(sid, int64(n))
	return sid, n, true
}

// BeginAsync opens a lifecycle record bound to stream id (spec.md §4.5
// begin). timeoutMS==0 falls back to the connection's configured
// default (spec.md §6 async.default_timeout_ms), with 0 meaning "no
// default either" only if the config itself disables it.
func (c *Conn) BeginAsync(id int, timeoutMS int64) (*asyncreq.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streamOrNil(id)
	if s == nil || s.State() == stream.Closed {
		return nil, cos.NewIllegalState("BeginAsync", "stream closed or unknown")
	}
	if timeoutMS == 0 {
		timeoutMS = c.defaultTimeoutMS
	}
	ticket := c.async.Begin(cos.GenTicketID(), id, timeoutMS)
	c.tickets[id] = ticket
	return ticket, nil
}

func (c *Conn) AddListener(t *asyncreq.Ticket, l iface.Listener) {
	c.async.AddListener(t, l)
}

func (c *Conn) SetTimeout(t *asyncreq.Ticket, timeoutMS int64) error {
	return c.async.SetTimeout(t, timeoutMS)
}

func (c *Conn) Complete(t *asyncreq.Ticket) {
	c.mu.Lock()
	delete(c.tickets, t.StreamID)
	c.mu.Unlock()
	c.async.Complete(t)
}

func (c *Conn) ErrorAsync(t *asyncreq.Ticket, cause error) {
	c.mu.Lock()
	delete(c.tickets, t.StreamID)
	c.mu.Unlock()
	c.async.Error(t, cause)
}
