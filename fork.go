package fiberprofiler

import "sync"

// activeCapture is the thread-local active-capture slot: exactly one
// Capture may be active per OS thread, and the fork observer uses this slot
// to find the capture to tear down in the child.
//
// Go gives goroutines no user-visible thread-local storage, and a
// goroutine is not pinned to an OS thread unless it calls
// runtime.LockOSThread, so there is no way to key this slot by "OS thread"
// without cgo. fiber-profiler approximates the single-active-capture
// model with one process-wide slot instead of a per-thread map: in the
// common case (one Capture per process, as the wazero adapter and
// cmd/fiber-profiler both set up) this is exactly equivalent, and it keeps
// NotifyFork usable without requiring callers to thread a thread ID
// through. Programs that run multiple concurrent Captures on
// LockOSThread-pinned goroutines and need per-thread fork teardown should
// call Capture.Stop directly on the capture they own instead of relying on
// NotifyFork. This simplification is recorded in DESIGN.md.
var (
	activeMu      sync.Mutex
	activeCapture *Capture
)

func setActiveCapture(c *Capture) {
	activeMu.Lock()
	activeCapture = c
	activeMu.Unlock()
}

func clearActiveCapture(c *Capture) {
	activeMu.Lock()
	if activeCapture == c {
		activeCapture = nil
	}
	activeMu.Unlock()
}

// NotifyFork tears down the active Capture after a process clone. A
// forked child inherits a Capture whose hooks point at the parent's
// bookkeeping; call this from the child immediately after fork, before
// doing anything else that might emit events. It is safe to call even if
// no Capture is active.
func NotifyFork() {
	activeMu.Lock()
	c := activeCapture
	activeMu.Unlock()
	if c == nil {
		return
	}

	// The child's hooks are already gone from its perspective (they
	// belonged to the parent's runtime registration), so don't attempt to
	// unregister through c.runtime: just clear the bookkeeping directly,
	// the way Stop does, and mark it idle so a subsequent Stop call in the
	// child is a harmless no-op rather than acting on stale state.
	c.mu.Lock()
	c.running = false
	c.capturing = false
	c.frames.Truncate()
	c.current = nil
	c.nesting = 0
	c.nestingMinimum = 0
	c.mu.Unlock()

	clearActiveCapture(c)
}
