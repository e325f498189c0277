package fiberprofiler

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// The report renderer: both output forms share one traversal over the
// frames pushed during a stalling interval.
//
// The traversal shape (single pass, parent lookups via back-pointers, a
// running "skip" counter) builds a call tree report directly, something
// this codebase's pprof-oriented relatives never needed since they hand
// samples to google/pprof's own binary format instead. The fixed-point
// number formatting and the "write the whole report as one buffer before
// handing it to the sink" discipline do follow that lineage's habit of
// building a complete in-memory result before ever touching an io.Writer:
// render the whole thing, then make exactly one Write call, so Output
// never observes a partial report.

const (
	skipThreshold      = 0.98
	expensiveThreshold = 0.2
)

type renderEntry struct {
	frame         *Frame
	skippedBefore int
	expensive     bool
}

// collectEntries performs a single forward pass over frames (oldest to
// newest), assigning each surviving frame its reported depth and returning
// the ordered list of entries to print, plus the total number of frames
// elided by single-child collapse.
func collectEntries(frames []*Frame, nestingMinimum int, intervalDuration time.Duration) (entries []renderEntry, totalSkipped int) {
	skipRun := 0
	for _, f := range frames {
		if f.Parent != nil && f.Parent.Children == 1 &&
			float64(f.Duration) > float64(f.Parent.Duration)*skipThreshold {
			f.depth = f.Parent.depth
			skipRun++
			continue
		}

		skippedBefore := skipRun
		skipRun = 0

		if f.Parent != nil {
			f.depth = f.Parent.depth + 1
		} else {
			f.depth = f.Nesting - nestingMinimum
		}

		expensive := intervalDuration > 0 &&
			float64(f.Duration) > float64(intervalDuration)*expensiveThreshold

		entries = append(entries, renderEntry{frame: f, skippedBefore: skippedBefore, expensive: expensive})
		totalSkipped += skippedBefore
	}
	totalSkipped += skipRun
	return entries, totalSkipped
}

// reportStats is the set of scalar counters every report's trailer carries.
type reportStats struct {
	Switches uint64
	Samples  uint64
	Stalls   uint64
}

// renderTTY writes the human-readable form: tab-indented lines naming path,
// line, event-kind, class, method, duration and a T+ offset from the
// interval's start. Expensive frames and skip/filter markers are flagged
// inline since this package has no terminal-color dependency of its own;
// color/highlighting is left to whatever wraps Output.
func renderTTY(w io.Writer, switchTime time.Time, duration time.Duration, frames []*Frame, nestingMinimum int, stats reportStats) error {
	var b strings.Builder

	fmt.Fprintf(&b, "stall: %s\n", duration)

	entries, _ := collectEntries(frames, nestingMinimum, duration)
	for _, e := range entries {
		f := e.frame
		if e.skippedBefore > 0 {
			fmt.Fprintf(&b, "%s... skipped %d nested calls ...\n", strings.Repeat("\t", f.depth), e.skippedBefore)
		}

		marker := ""
		if e.expensive {
			marker = " [expensive]"
		}
		fmt.Fprintf(&b, "%s%s:%d %s %s#%s %s T+%s%s\n",
			strings.Repeat("\t", f.depth),
			f.Path, f.Line, f.Kind, f.ClassName, f.MethodID,
			f.Duration, formatFixed(f.EnterTime.Sub(switchTime).Seconds(), 3), marker)

		if f.Filtered > 0 {
			fmt.Fprintf(&b, "%s... filtered %d direct calls ...\n", strings.Repeat("\t", f.depth+1), f.Filtered)
		}
	}

	fmt.Fprintf(&b, "switches=%d samples=%d stalls=%d\n", stats.Switches, stats.Samples, stats.Stalls)

	_, err := io.WriteString(w, b.String())
	return err
}

// renderMachine writes the single-line, newline-delimited JSON-like form
// consumed by offline aggregation (see cmd/fiber-profiler-aggregate),
// formatted bit-exact so independently written parsers agree on it.
func renderMachine(w io.Writer, startTime, switchTime time.Time, duration time.Duration, frames []*Frame, nestingMinimum int, stats reportStats) error {
	var b strings.Builder

	entries, totalSkipped := collectEntries(frames, nestingMinimum, duration)

	b.WriteString(`{"start_time":`)
	b.WriteString(formatFixed(switchTime.Sub(startTime).Seconds(), 3))
	b.WriteString(`,"duration":`)
	b.WriteString(formatFixed(duration.Seconds(), 6))
	b.WriteString(`,"calls":[`)

	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		f := e.frame
		b.WriteString(`{"path":`)
		b.WriteString(strconv.Quote(f.Path))
		b.WriteString(`,"line":`)
		b.WriteString(strconv.Itoa(f.Line))
		b.WriteString(`,"class":`)
		b.WriteString(strconv.Quote(f.ClassName))
		b.WriteString(`,"method":`)
		b.WriteString(strconv.Quote(f.MethodID))
		b.WriteString(`,"duration":`)
		b.WriteString(formatFixed(f.Duration.Seconds(), 6))
		b.WriteString(`,"offset":`)
		b.WriteString(formatFixed(f.EnterTime.Sub(switchTime).Seconds(), 3))
		b.WriteString(`,"nesting":`)
		b.WriteString(strconv.Itoa(f.depth))
		b.WriteString(`,"skipped":`)
		b.WriteString(strconv.Itoa(e.skippedBefore))
		b.WriteString(`,"filtered":`)
		b.WriteString(strconv.Itoa(f.Filtered))
		b.WriteByte('}')
	}
	b.WriteByte(']')

	if totalSkipped > 0 {
		b.WriteString(`,"skipped":`)
		b.WriteString(strconv.Itoa(totalSkipped))
	}

	fmt.Fprintf(&b, `,"switches":%d,"samples":%d,"stalls":%d}`, stats.Switches, stats.Samples, stats.Stalls)
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

func formatFixed(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
