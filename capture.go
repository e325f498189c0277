package fiberprofiler

import (
	"log"
	"sync"
	"time"

	"github.com/socketry/fiber-profiler/hostevent"
	"github.com/socketry/fiber-profiler/internal/arena"
)

// Capture owns the per-thread stall-detection state machine: the capture
// engine. It moves through three states — idle, running-paused, and
// running-capturing — as task switches and the interval sampler decide
// whether the current gap between switches is worth recording; everything
// else in this file is the mechanics of getting there from host events.
//
// The struct's shape — one mutex guarding a pile of scalar counters plus a
// growable collection, with Start/Stop toggling whether hooks are live —
// follows a familiar profiler pattern: Start/Stop guard c.running the same
// way a CPU profiler's start/stop guard its sample counts, and
// onCallLike/onReturnLike below play the role a listener's Before/After
// pair plays in that style of profiler.
type Capture struct {
	mu      sync.Mutex
	config  Config
	clock   Clock
	runtime hostevent.Runtime
	rng     *sampler

	running   bool
	capturing bool
	startTime time.Time

	switchTime     time.Time
	nesting        int
	nestingMinimum int
	current        *Frame
	frames         arena.Arena[Frame]

	switches uint64
	samples  uint64
	stalls   uint64
	dropped  uint64

	sinkFailureLogged bool

	callCB hostevent.Callback
	gcCB   hostevent.Callback
	taskCB hostevent.Callback
}

// New constructs an idle Capture against the given host Runtime, starting
// from the process-wide configuration defaults and applying any Option
// overrides.
func New(runtime hostevent.Runtime, opts ...Option) *Capture {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Capture{
		config:  cfg,
		clock:   SystemClock,
		runtime: runtime,
		rng:     newSampler(uint64(time.Now().UnixNano()), cfg.SampleRate),
	}
	c.callCB = c.handleEvent
	c.gcCB = c.handleEvent
	c.taskCB = c.handleEvent
	return c
}

// Start installs hooks and marks the Capture running. It returns false
// without changing state if already running.
//
// Start and Stop are only meaningful for the goroutine that calls them:
// Go has no user-visible OS-thread-local storage short of
// runtime.LockOSThread, so "the current OS thread" is approximated here as
// "the calling goroutine's stack at the time of the call" — callers that
// need true OS-thread affinity (to match a host runtime that is itself
// thread-bound, as the wazero adapter's host is) should call
// runtime.LockOSThread before Start. See DESIGN.md.
func (c *Capture) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}

	if err := c.runtime.RegisterEventHook(hostevent.MaskTaskSwitch, c.taskCB, c); err != nil {
		return false
	}

	c.running = true
	c.startTime = c.clock.Now()
	setActiveCapture(c)
	return true
}

// Stop uninstalls hooks, discards any in-flight interval without
// rendering it, and returns to idle. It is idempotent: calling it again
// after the first successful call returns false and changes nothing. It
// tolerates being called when hooks are already gone, which is what lets
// it double as the fork-child teardown primitive.
func (c *Capture) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}

	c.pauseHooks()
	_ = c.runtime.UnregisterEventHook(hostevent.MaskTaskSwitch, c.taskCB, c)

	c.running = false
	c.capturing = false
	c.frames.Truncate()
	c.current = nil
	c.nesting = 0
	c.nestingMinimum = 0
	clearActiveCapture(c)
	return true
}

// resumeHooks installs call/return and GC-phase hooks as two independent
// subscriptions sharing the same callback target. When TrackCalls is
// disabled it installs neither.
func (c *Capture) resumeHooks() {
	if !c.config.TrackCalls {
		return
	}
	_ = c.runtime.RegisterEventHook(hostevent.MaskCallReturn, c.callCB, c)
	_ = c.runtime.RegisterEventHook(hostevent.MaskGC, c.gcCB, c)
}

// pauseHooks uninstalls the call/return and GC-phase subscriptions. It is
// always safe to call, including when TrackCalls was never enabled or
// hooks were never installed.
func (c *Capture) pauseHooks() {
	_ = c.runtime.UnregisterEventHook(hostevent.MaskCallReturn, c.callCB, c)
	_ = c.runtime.UnregisterEventHook(hostevent.MaskGC, c.gcCB, c)
}

// handleEvent is the single callback registered for every mask; it
// dispatches on the classified event kind: task-switch, call-like,
// return-like, or other.
func (c *Capture) handleEvent(e hostevent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	switch {
	case e.Kind.IsTaskSwitch():
		c.onTaskSwitch(e)
	case e.Kind.IsCallLike():
		c.onCallLike(e)
	case e.Kind.IsReturnLike():
		c.onReturnLike(e)
	default:
		c.onOther(e)
	}
}

func (c *Capture) onTaskSwitch(e hostevent.Event) {
	c.switches++
	now := c.clock.Now()

	if c.capturing {
		duration := now.Sub(c.switchTime)
		c.capturing = false
		c.pauseHooks()
		c.finalizeOpenFrames(now)

		if duration > c.config.StallThreshold {
			c.stalls++
			c.emitReport(duration)
		}

		c.frames.Truncate()
		c.nesting = 0
		c.nestingMinimum = 0
		c.current = nil
	}

	blocking := e.Task != nil && e.Task.IsBlocking()
	if !blocking && c.rng.sample() {
		c.switchTime = now
		c.capturing = true
		c.samples++
		c.resumeHooks()
	}
}

// finalizeOpenFrames closes out every still-open frame on an interval
// boundary, from the innermost outward.
func (c *Capture) finalizeOpenFrames(now time.Time) {
	for f := c.current; f != nil; {
		next := f.Parent
		f.Duration = now.Sub(f.EnterTime)
		c.applyFilter(f)
		f = next
	}
}

func (c *Capture) onCallLike(e hostevent.Event) {
	if !c.capturing || !c.config.TrackCalls {
		return
	}
	now := c.clock.Now()

	parent := c.current
	if parent != nil {
		parent.Children++
	}

	f := c.frames.Push()
	f.EnterTime = now
	f.Nesting = c.nesting
	f.Kind = e.Kind
	f.MethodID = e.MethodID
	f.ClassName = e.ClassName
	f.Path = e.Path
	f.Line = e.Line
	f.Parent = parent

	c.current = f
	c.nesting++
}

func (c *Capture) onReturnLike(e hostevent.Event) {
	if !c.capturing || !c.config.TrackCalls {
		return
	}
	now := c.clock.Now()

	if c.current != nil {
		f := c.current
		f.Duration = now.Sub(f.EnterTime)
		c.current = f.Parent
		c.nesting--
		if c.nesting < c.nestingMinimum {
			c.nestingMinimum = c.nesting
		}
		c.applyFilter(f)
		return
	}

	// Imbalance: a return with no open frame, because capturing began
	// mid-call. Synthesize a frame describing the time since whatever was
	// running before we started observing it.
	enter := c.switchTime
	if last := c.frames.Last(); last != nil {
		enter = last.EnterTime
	}
	f := c.frames.Push()
	f.EnterTime = enter
	f.Duration = now.Sub(enter)
	f.Nesting = c.nesting
	f.Kind = e.Kind
	f.MethodID = e.MethodID
	f.ClassName = e.ClassName
	f.Path = e.Path
	f.Line = e.Line
}

func (c *Capture) onOther(e hostevent.Event) {
	if !c.capturing || !c.config.TrackCalls {
		return
	}
	enter := c.switchTime
	if last := c.frames.Last(); last != nil {
		enter = last.EnterTime
	}

	f := c.frames.Push()
	f.EnterTime = enter
	f.Nesting = c.nesting
	f.Kind = e.Kind
	f.MethodID = e.MethodID
	f.ClassName = e.ClassName
	f.Path = e.Path
	f.Line = e.Line
}

// applyFilter implements the end-of-frame filter rule: a call-like frame
// shorter than FilterThreshold, still at the tail of the arena, is elided
// so it never distorts its parent's topology.
func (c *Capture) applyFilter(f *Frame) {
	if !f.Kind.IsCallLike() {
		return
	}
	if f.Duration >= c.config.FilterThreshold {
		return
	}
	if c.frames.Last() != f {
		return
	}
	// Pop zeroes the element, so read the parent first.
	parent := f.Parent
	f.Parent = nil
	c.frames.Pop()
	if parent != nil {
		parent.Children--
		parent.Filtered++
	}
}

// emitReport renders the arena's current contents and writes the result
// to Output. Errors are logged at most once and otherwise swallowed: the
// engine never raises out of an event callback.
func (c *Capture) emitReport(duration time.Duration) {
	if c.config.Output.Writer == nil {
		return
	}

	frames := make([]*Frame, 0, c.frames.Len())
	c.frames.Iter(func(f *Frame) { frames = append(frames, f) })

	stats := reportStats{Switches: c.switches, Samples: c.samples, Stalls: c.stalls}

	var err error
	if c.config.Output.IsTTY {
		err = renderTTY(c.config.Output.Writer, c.switchTime, duration, frames, c.nestingMinimum, stats)
	} else {
		err = renderMachine(c.config.Output.Writer, c.startTime, c.switchTime, duration, frames, c.nestingMinimum, stats)
	}

	if err != nil && !c.sinkFailureLogged {
		c.sinkFailureLogged = true
		log.Printf("fiberprofiler: writing stall report: %v", err)
	}
}

// Stats is an atomic-enough-for-reporting snapshot of a Capture's
// counters.
type Stats struct {
	Switches uint64
	Samples  uint64
	Stalls   uint64
}

func (c *Capture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Switches: c.switches, Samples: c.samples, Stalls: c.stalls}
}

func (c *Capture) Switches() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.switches }
func (c *Capture) Samples() uint64  { c.mu.Lock(); defer c.mu.Unlock(); return c.samples }
func (c *Capture) Stalls() uint64   { c.mu.Lock(); defer c.mu.Unlock(); return c.stalls }

// ArenaBytes reports the Frame Arena's current memory footprint, for a
// host's own memory accounting.
func (c *Capture) ArenaBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames.MemorySize()
}

func (c *Capture) Running() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.running }

// Dropped counts intervals abandoned because a frame could not be
// pushed. Go's allocator has no
// recoverable failure path analogous to a host's malloc returning NULL
// (it panics the process instead), and nothing in this package increments
// the counter, so it always reads zero. See DESIGN.md.
func (c *Capture) Dropped() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.dropped }

func (c *Capture) StallThreshold() time.Duration  { return c.config.StallThreshold }
func (c *Capture) FilterThreshold() time.Duration { return c.config.FilterThreshold }
func (c *Capture) TrackCalls() bool               { return c.config.TrackCalls }
func (c *Capture) SampleRate() float64            { return c.config.SampleRate }
