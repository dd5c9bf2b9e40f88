// Package util has small shared primitives that do not belong to any
// one subsystem.
package util

// A Gate limits concurrency. Every gate has a maximum number of
// goroutines to allow through at a time. Goroutines enter the gate by
// calling Enter(), and signal that they are done by calling Leave().
// A stopped gate turns away everyone still waiting to enter.
type Gate struct {
	slots chan struct{}
	stop  chan struct{}
}

// NewGate returns a Gate which admits at most n entries at a time.
func NewGate(n int) *Gate {
	return &Gate{
		slots: make(chan struct{}, n),
		stop:  make(chan struct{}),
	}
}

// Enter blocks until there is room inside the gate, then returns true.
// It returns false if the gate was stopped while waiting. It is safe to
// call from multiple goroutines.
func (g *Gate) Enter() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	case <-g.stop:
		return false
	}
}

// Leave marks a goroutine outside the critical section. Balance each
// successful Enter with exactly one Leave. Enter and Leave do not need
// to happen on the same goroutine.
func (g *Gate) Leave() {
	<-g.slots
}

// Stop wakes every goroutine still waiting to enter; their Enter call
// returns false. Goroutines already inside are unaffected. Stop must be
// called at most once.
func (g *Gate) Stop() {
	close(g.stop)
}
