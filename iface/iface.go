// Package iface collects the external seams named in spec.md §6 — the
// interfaces the core consumes from the surrounding transport and the
// callback shapes listeners implement — so that priotree, scheduler,
// stream and asyncreq never import anything above them. Modeled on the
// teacher's pattern of defining a narrow consumer-side interface next to
// the package that calls it (see transport/api.go's StreamClient) rather
// than depending on a concrete transport type.
package iface

import "time"

// Writer is the transport-side sink for outbound frame payloads
// (spec.md §6, "From the transport"). Write returns once the payload has
// been handed off; backpressure is expected to show up as a shrinking
// send_window on the stream rather than as a blocking call here.
type Writer interface {
	Write(streamID int, p []byte) (n int, err error)
}

// Clock abstracts wall/monotonic time so tests can control it.
type Clock interface {
	NowMillis() int64
}

// TaskHandle is an opaque cancellation token returned by Executor.Schedule.
type TaskHandle interface {
	Cancel() bool
}

// Executor is the shared scheduled executor described in spec.md §4.5 and
// §6: a single process-wide pool that runs a task once after delay.
type Executor interface {
	Schedule(delay time.Duration, task func()) TaskHandle
}

// ResponseWriter is the "external response interface" in spec.md §4.5's
// on_timeout_fire: the default path a ticket takes when it times out with
// no listener having produced a terminal response of its own.
type ResponseWriter interface {
	WriteDefaultTimeoutResponse(streamID int)
}

// Listener is the tagged-variant dispatcher spec.md §9 recommends: four
// optional callback slots, any of which may be nil. A nil slot means the
// listener does not care about that event.
type Listener struct {
	OnStartAsync func()
	OnComplete   func()
	OnTimeout    func()
	OnError      func(cause error)
}
