package cos

import "sync"

// StopCh is a broadcast-once stop signal: Close is idempotent, Listen can
// be read by any number of goroutines. Modeled on the teacher's
// transport/collect.go usage (gc.stopCh.Listen() inside a select).
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopCh() *StopCh { return &StopCh{ch: make(chan struct{})} }

func (s *StopCh) Close()                  { s.once.Do(func() { close(s.ch) }) }
func (s *StopCh) Listen() <-chan struct{} { return s.ch }
