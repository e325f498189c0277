// Package fiberprofiler detects cooperative tasks that monopolize a
// single-threaded scheduler and, when one does, renders a report of the
// call stack responsible.
//
// This file is the public facade: construction, start/stop, configuration
// plumbing and output-sink selection. The capture engine itself (Capture,
// in capture.go) is the hard part; this file is the thin, ergonomic front
// door a profiling library's top-level constructor usually plays for the
// engine underneath.
package fiberprofiler

import (
	"sync"

	"github.com/socketry/fiber-profiler/hostevent"
)

var (
	defaultOnce    sync.Once
	defaultCapture *Capture
)

// Default returns the process-wide Capture configured entirely from the
// environment, started against runtime. If the FIBER_PROFILER_CAPTURE
// environment variable (or its default, false) does not enable capturing,
// Default returns nil: there is no live capture to hand back.
//
// Default starts its Capture the first time it successfully builds one;
// later calls reuse the same instance and runtime argument is ignored.
func Default(runtime hostevent.Runtime) *Capture {
	loadDefaults()
	if !captureEnabledDefault {
		return nil
	}
	defaultOnce.Do(func() {
		c := New(runtime)
		if c.Start() {
			defaultCapture = c
		}
	})
	return defaultCapture
}
