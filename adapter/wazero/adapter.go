// Package wazero is a concrete hostevent.Runtime for guest programs running
// under tetratelabs/wazero: it turns wasm function call/return instrumentation
// plus a configurable set of "yield" imports into the event vocabulary
// package hostevent and the Capture Engine expect.
//
// It follows the usual wazero integration pattern: register an
// experimental.FunctionListenerFactory against a context passed to wazero's
// module instantiation and get Before/After callbacks per wasm function
// call. This adapter reuses that exact wiring, classifying each call
// instead of timing it.
package wazero

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/socketry/fiber-profiler/hostevent"
)

// Config configures an Adapter.
type Config struct {
	// YieldFunctions names the host imports whose calls mark a cooperative
	// task switch. A guest scheduler built on, say, a "fiber_yield" host
	// import should list that name here; every call into it is reported as
	// a TaskSwitch instead of an ordinary Call/Return pair, and is never
	// itself subject to CallSampleRate downsampling.
	YieldFunctions []string

	// CallSampleRate downsamples ordinary (non-yield) call/return
	// instrumentation independently of the capture engine's own interval
	// sampler, pairing a host-level per-call sampler with the engine-level
	// one. Zero and one both mean "unsampled"; anything in between samples
	// 1 call in round(1/CallSampleRate).
	CallSampleRate float64
}

func (c Config) isYield(name string) bool {
	for _, y := range c.YieldFunctions {
		if y == name {
			return true
		}
	}
	return false
}

// gcFunctionNames are the well-known entry points guests export for a GC
// cycle, the same name-table approach this codebase uses elsewhere to
// recognize runtime.mallocgc/runtime.alloc across Go and TinyGo builds.
// A host without a matching export never emits GcStart/GcEndSweep; the
// capture engine already tolerates GC hooks that never fire.
var gcFunctionNames = map[string]bool{
	"runtime.gcStart":        true,
	"runtime.gcBgMarkWorker": true,
}

// gcMarkerPath is the fixed path reported on every GC-phase frame, so a
// rendered report can tell a GC pause apart from an ordinary call even
// though no source line is responsible for it.
const gcMarkerPath = "<internal:gc>"

// Adapter is a hostevent.Runtime plus an experimental.FunctionListenerFactory:
// Register wires it into a module's instantiation context, and the capture
// engine subscribes to it via RegisterEventHook like any other Runtime.
type Adapter struct {
	config Config
	sym    symbolizer // nil when the module carries no DWARF debug info

	mu       sync.Mutex
	callCB   hostevent.Callback
	gcCB     hostevent.Callback
	taskCB   hostevent.Callback

	taskID uint64 // bumped on every detected yield; 0 until the first one

	cycle uint64 // downsample cycle length derived from CallSampleRate
}

// New constructs an Adapter for a compiled module. Debug info is loaded
// opportunistically: a module compiled without DWARF sections gets an
// Adapter whose calls resolve to export names with empty path/line, rather
// than an error.
func New(module wazero.CompiledModule, cfg Config) (*Adapter, error) {
	sym, err := newSymbolizer(module)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		config: cfg,
		sym:    sym,
		cycle:  downsampleCycle(cfg.CallSampleRate),
	}, nil
}

func downsampleCycle(rate float64) uint64 {
	if rate <= 0 || rate >= 1 {
		return 1
	}
	n := uint64(1.0/rate + 0.5)
	if n == 0 {
		n = 1
	}
	return n
}

// Register installs the Adapter as the module instantiation context's
// function listener factory.
func (a *Adapter) Register(ctx context.Context) context.Context {
	return context.WithValue(ctx, experimental.FunctionListenerFactoryKey{}, a)
}

// RegisterEventHook implements hostevent.Runtime. mask is expected to be
// exactly one of hostevent.MaskCallReturn, hostevent.MaskGC or
// hostevent.MaskTaskSwitch, matching how Capture.resumeHooks/Start register
// them; any other combination is rejected.
func (a *Adapter) RegisterEventHook(mask hostevent.Mask, cb hostevent.Callback, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch mask {
	case hostevent.MaskCallReturn:
		a.callCB = cb
	case hostevent.MaskGC:
		a.gcCB = cb
	case hostevent.MaskTaskSwitch:
		a.taskCB = cb
	default:
		return fmt.Errorf("wazero adapter: unsupported event mask %#x", uint32(mask))
	}
	return nil
}

// UnregisterEventHook implements hostevent.Runtime. It tolerates being
// called when nothing is registered.
func (a *Adapter) UnregisterEventHook(mask hostevent.Mask, _ hostevent.Callback, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch mask {
	case hostevent.MaskCallReturn:
		a.callCB = nil
	case hostevent.MaskGC:
		a.gcCB = nil
	case hostevent.MaskTaskSwitch:
		a.taskCB = nil
	}
	return nil
}

func (a *Adapter) dispatchCall(e hostevent.Event) {
	a.mu.Lock()
	cb := a.callCB
	a.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (a *Adapter) dispatchGC(e hostevent.Event) {
	a.mu.Lock()
	cb := a.gcCB
	a.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (a *Adapter) dispatchTaskSwitch() {
	a.mu.Lock()
	a.taskID++
	id := a.taskID
	cb := a.taskCB
	a.mu.Unlock()
	if cb != nil {
		cb(hostevent.Event{Kind: hostevent.TaskSwitch, Task: wasmTask{id: id}})
	}
}

// wasmTask is the hostevent.Task this adapter reports. wazero's guest
// scheduler has no concept of a blocking task distinct from a yielding one,
// so IsBlocking always reports false; a host that wants blocking tasks
// excluded from stall accounting should wrap this Adapter and set Task
// itself before forwarding to the Capture's callback.
type wasmTask struct{ id uint64 }

func (t wasmTask) ID() uint64      { return t.id }
func (t wasmTask) IsBlocking() bool { return false }

// NewListener implements experimental.FunctionListenerFactory.
func (a *Adapter) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	name := def.Name()
	if name == "" {
		return nil
	}
	if a.config.isYield(name) {
		return &yieldListener{adapter: a}
	}
	if gcFunctionNames[name] {
		return &gcListener{adapter: a}
	}

	loc := location{HumanName: name, StableName: name}
	if a.sym != nil {
		if l, ok := a.sym.Lookup(name); ok {
			loc = l
		}
	}

	lst := &callListener{adapter: a, class: moduleClass(def), location: loc}
	if a.cycle <= 1 {
		return lst
	}
	return &sampledCallListener{inner: lst, cycle: a.cycle, count: a.cycle}
}

// moduleClass treats a wasm function's defining module as its class name,
// the closest wasm analog of the "class" a host language groups methods
// under.
func moduleClass(def api.FunctionDefinition) string {
	return def.ModuleName()
}

// yieldListener reports every call into a configured yield import as a
// TaskSwitch and never forwards it as an ordinary call/return pair: the
// yield itself is bookkeeping, not guest work worth attributing a frame to.
type yieldListener struct{ adapter *Adapter }

func (y *yieldListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	y.adapter.dispatchTaskSwitch()
	return ctx
}

func (y *yieldListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
}

// gcListener reports entry/exit of a recognized GC entry point as a
// GcStart/GcEndSweep call-like/return-like pair, never as an ordinary
// Call/Return.
type gcListener struct{ adapter *Adapter }

func (g *gcListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	g.adapter.dispatchGC(hostevent.Event{Kind: hostevent.GcStart, Path: gcMarkerPath})
	return ctx
}

func (g *gcListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	g.adapter.dispatchGC(hostevent.Event{Kind: hostevent.GcEndSweep, Path: gcMarkerPath})
}

// callListener reports an ordinary wasm function call as a hostevent.Call
// on Before and its matching hostevent.Return on After, the standard
// Before/After pairing a wazero function listener uses for timing.
type callListener struct {
	adapter  *Adapter
	class    string
	location location
}

func (c *callListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	c.adapter.dispatchCall(hostevent.Event{
		Kind:      hostevent.Call,
		MethodID:  c.location.HumanName,
		ClassName: c.class,
		Path:      c.location.File,
		Line:      int(c.location.Line),
	})
	return ctx
}

func (c *callListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	c.adapter.dispatchCall(hostevent.Event{Kind: hostevent.Return})
}
