package fiberprofiler

import (
	"time"

	"github.com/socketry/fiber-profiler/hostevent"
)

// Frame is one call record: one element of the Frame Arena, the unit the
// capture engine pushes on entry and finalizes on exit.
//
// Its shape generalizes the two call-bookkeeping patterns a wasm profiler
// typically needs: a start timestamp paired with a captured stack trace for
// timing, and a "before" value paired with an "after" delta for resource
// accounting. Frame folds both into one record and adds an explicit parent
// back-reference, since this engine builds its call tree incrementally from
// a live call/return stream rather than from a stack walk captured once at
// sample time.
type Frame struct {
	EnterTime time.Time
	Duration  time.Duration

	// Nesting is the relative depth snapshot taken at push time; it may be
	// negative when returns have outnumbered calls since the interval
	// began (see render.go's collectEntries for the absolute-depth
	// reconstruction).
	Nesting int

	// Children counts direct child frames still present after filtering.
	Children int
	// Filtered counts direct children elided by the filter rule.
	Filtered int

	Kind      hostevent.Kind
	MethodID  string
	ClassName string
	Path      string
	Line      int

	Parent *Frame

	// depth is filled in by the renderer at render time and overwritten on
	// each render pass; it is not part of the capture engine's own
	// invariants. skipped is not written anywhere in this package: the
	// renderer records single-child collapse on its own entries instead.
	depth   int
	skipped bool
}
