// Package debounce coalesces bursts of triggers into a single trailing call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs fn once, wait after the last Trigger
type Debouncer struct {
	wait time.Duration
	fn   func()

	// run serializes calls to fn
	run sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	stopped bool
}

// New creates a debouncer for fn
func New(wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{wait: wait, fn: fn}
}

// Trigger (re)starts the wait window
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
}

// Pending reports whether a call is scheduled
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush runs a pending call immediately on the caller's goroutine. A call
// already started by the timer is waited for, so fn has observed every
// Trigger made before Flush once it returns. fn must not call Flush.
func (d *Debouncer) Flush() {
	d.run.Lock()
	defer d.run.Unlock()

	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}

// Stop cancels any pending call and ignores later triggers
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

// fire ignores timers superseded by a later Trigger
func (d *Debouncer) fire(gen uint64) {
	d.run.Lock()
	defer d.run.Unlock()

	d.mu.Lock()
	if !d.pending || d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}
