package fiberprofiler

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/socketry/fiber-profiler/hostevent"
)

// nopRuntime is a hostevent.Runtime that accepts every (un)registration
// without doing anything with it; tests drive Capture by calling
// handleEvent directly instead of going through a real host runtime.
type nopRuntime struct{}

func (nopRuntime) RegisterEventHook(hostevent.Mask, hostevent.Callback, any) error   { return nil }
func (nopRuntime) UnregisterEventHook(hostevent.Mask, hostevent.Callback, any) error { return nil }

type fakeTask struct {
	blocking bool
}

func (t fakeTask) ID() uint64      { return 1 }
func (t fakeTask) IsBlocking() bool { return t.blocking }

func newTestCapture(t *testing.T, stall, filter time.Duration, sampleRate float64, out *bytes.Buffer) (*Capture, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Now()}
	c := New(nopRuntime{},
		WithStallThreshold(stall),
		WithFilterThreshold(filter),
		WithSampleRate(sampleRate),
		WithOutput(Output{Writer: out, IsTTY: false}),
	)
	c.clock = clk
	if !c.Start() {
		t.Fatal("Start() = false, want true")
	}
	return c, clk
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) time.Time {
	f.now = f.now.Add(d)
	return f.now
}

func taskSwitch() hostevent.Event {
	return hostevent.Event{Kind: hostevent.TaskSwitch, Task: fakeTask{}}
}

func call(method, class, path string, line int) hostevent.Event {
	return hostevent.Event{Kind: hostevent.Call, MethodID: method, ClassName: class, Path: path, Line: line}
}

func ret() hostevent.Event {
	return hostevent.Event{Kind: hostevent.Return}
}

func gcStart() hostevent.Event {
	return hostevent.Event{Kind: hostevent.GcStart, Path: "<internal:gc>"}
}

func gcEnd() hostevent.Event {
	return hostevent.Event{Kind: hostevent.GcEndSweep, Path: "<internal:gc>"}
}

func TestMinimalStall(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 10*time.Microsecond, 1, &out)
	defer c.Stop()

	c.handleEvent(taskSwitch()) // t=0, enters capturing
	c.handleEvent(call("sleep", "Kernel", "sleep.rb", 1))
	clk.advance(200 * time.Microsecond)
	c.handleEvent(ret())
	c.handleEvent(taskSwitch()) // t=0.0002, finalizes the interval

	if got := c.Switches(); got != 2 {
		t.Errorf("Switches() = %d, want 2", got)
	}
	// The second switch ends the stalled interval and, at sample rate 1,
	// also starts sampling the next one, so the accessor reads 2 while the
	// report rendered for the stall carries the count as it stood then.
	if got := c.Samples(); got != 2 {
		t.Errorf("Samples() = %d, want 2", got)
	}
	if got := c.Stalls(); got != 1 {
		t.Errorf("Stalls() = %d, want 1", got)
	}

	line := out.String()
	if !strings.Contains(line, `"switches":2,"samples":1,"stalls":1}`) {
		t.Errorf("report counters, want switches=2 samples=1 stalls=1: %s", line)
	}
	if !strings.Contains(line, `"method":"sleep"`) {
		t.Errorf("report missing sleep call: %s", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("report not newline-terminated: %q", line)
	}
}

// Many short calls inside "outer" get filtered and show up as outer's
// filtered count; the slow sleep call that follows survives.
func TestDeepCallChainFiltersShortFrames(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 10*time.Microsecond, 1, &out)
	defer c.Stop()

	c.handleEvent(taskSwitch())
	c.handleEvent(call("outer", "App", "app.rb", 1))
	for i := 0; i < 50; i++ {
		c.handleEvent(call("tiny", "App", "app.rb", 2))
		clk.advance(time.Microsecond)
		c.handleEvent(ret())
	}
	c.handleEvent(ret()) // close "outer"; all of its children were filtered
	c.handleEvent(call("sleep", "Kernel", "sleep.rb", 3))
	clk.advance(10 * time.Millisecond)
	c.handleEvent(ret())
	c.handleEvent(taskSwitch())

	if got := c.Stalls(); got != 1 {
		t.Fatalf("Stalls() = %d, want 1", got)
	}

	report := out.String()
	if !strings.Contains(report, `"method":"sleep"`) {
		t.Errorf("report missing surviving sleep call: %s", report)
	}
	if strings.Contains(report, `"method":"tiny"`) {
		t.Errorf("report should have filtered all tiny calls: %s", report)
	}
	if !strings.Contains(report, `"filtered":50`) {
		t.Errorf("report missing filtered count on parent: %s", report)
	}
}

// Interval ends with more than one frame still open (a nested call that
// never returned before the next task switch). Every ancestor, not just
// the innermost frame, must come out of finalization with a real duration
// and a completed filter check.
func TestFinalizeOpenFramesClosesEveryAncestor(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 10*time.Microsecond, 1, &out)
	defer c.Stop()

	c.handleEvent(taskSwitch())
	c.handleEvent(call("outer", "App", "app.rb", 1))
	clk.advance(80 * time.Microsecond)
	c.handleEvent(call("inner", "App", "app.rb", 2))
	clk.advance(80 * time.Microsecond)
	c.handleEvent(taskSwitch()) // finalizes both "outer" and "inner" still open

	if got := c.Stalls(); got != 1 {
		t.Fatalf("Stalls() = %d, want 1", got)
	}

	report := out.String()
	if strings.Contains(report, `"duration":0.000000`) {
		t.Errorf("an ancestor frame was left with a zero duration: %s", report)
	}
	if !strings.Contains(report, `"method":"outer"`) || !strings.Contains(report, `"method":"inner"`) {
		t.Errorf("report missing one of the still-open frames: %s", report)
	}
}

// GC during a stall: a recognized GC phase must render with a path so it
// can be told apart from an ordinary call in the report.
func TestGCDuringStallReportsMarkerPath(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 0, 1, &out)
	defer c.Stop()

	c.handleEvent(taskSwitch())
	c.handleEvent(gcStart())
	clk.advance(200 * time.Microsecond)
	c.handleEvent(gcEnd())
	c.handleEvent(taskSwitch())

	if got := c.Stalls(); got != 1 {
		t.Fatalf("Stalls() = %d, want 1", got)
	}

	report := out.String()
	if !strings.Contains(report, `"path":"<internal:gc>"`) {
		t.Errorf("report missing a GC frame with a marker path: %s", report)
	}
}

// Sampling reduces how many intervals get captured; the xorshift PRNG is
// seeded deterministically so the expected range is reproducible.
func TestSamplingReducesCaptures(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 10*time.Microsecond, 0.1, &out)
	defer c.Stop()
	c.rng = newSampler(12345, 0.1)

	for i := 0; i < 100; i++ {
		c.handleEvent(taskSwitch())
		clk.advance(time.Millisecond)
		c.handleEvent(taskSwitch())
	}

	if got := c.Samples(); got == 0 || got > 50 {
		t.Errorf("Samples() = %d, want in (0, 50]", got)
	}
	if got := c.Stalls(); got < 1 || got > c.Samples() {
		t.Errorf("Stalls() = %d, want in [1, %d]", got, c.Samples())
	}
}

func TestMultipleStallsProduceIndependentLines(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 10*time.Microsecond, 1, &out)
	defer c.Stop()

	for i := 0; i < 2; i++ {
		c.handleEvent(taskSwitch())
		c.handleEvent(call("work", "App", "app.rb", i+1))
		clk.advance(200 * time.Microsecond)
		c.handleEvent(ret())
		c.handleEvent(taskSwitch())
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d report lines, want 2: %q", len(lines), out.String())
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, `{"start_time"`) {
			t.Errorf("line %d does not look like a report: %q", i, line)
		}
	}
}

// Boundary: return with an empty arena synthesizes a frame rooted at the
// interval's switch time.
func TestReturnWithEmptyArenaSynthesizesFrame(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 0, 1, &out)
	defer c.Stop()

	c.handleEvent(taskSwitch())
	clk.advance(200 * time.Microsecond)
	c.handleEvent(ret()) // no matching call: imbalance
	c.handleEvent(taskSwitch())

	report := out.String()
	if !strings.Contains(report, `"offset":0.000`) {
		t.Errorf("synthesized frame should start at the interval's switch_time: %s", report)
	}
}

// Law: stop is idempotent.
func TestStopIdempotent(t *testing.T) {
	c := New(nopRuntime{}, WithOutput(Output{Writer: &bytes.Buffer{}}))
	if !c.Start() {
		t.Fatal("Start() = false, want true")
	}
	if !c.Stop() {
		t.Fatal("first Stop() = false, want true")
	}
	if c.Stop() {
		t.Fatal("second Stop() = true, want false")
	}
	if c.Running() {
		t.Fatal("Running() = true after Stop, want false")
	}
}

// Misuse: starting twice, or stopping while idle.
func TestMisuseReturnsFalseWithoutStateChange(t *testing.T) {
	c := New(nopRuntime{}, WithOutput(Output{Writer: &bytes.Buffer{}}))
	if c.Stop() {
		t.Fatal("Stop() on idle capture = true, want false")
	}
	if !c.Start() {
		t.Fatal("Start() = false, want true")
	}
	if c.Start() {
		t.Fatal("second Start() = true, want false")
	}
	c.Stop()
}

// After NotifyFork, the child's Stop returns false.
func TestNotifyForkClearsActiveCapture(t *testing.T) {
	c := New(nopRuntime{}, WithOutput(Output{Writer: &bytes.Buffer{}}))
	if !c.Start() {
		t.Fatal("Start() = false, want true")
	}
	NotifyFork()
	if c.Running() {
		t.Fatal("Running() = true after NotifyFork, want false")
	}
	if c.Stop() {
		t.Fatal("Stop() after NotifyFork = true, want false")
	}
}

// Law: the machine form is valid, independently parseable JSON per line.
func TestMachineReportIsValidJSON(t *testing.T) {
	var out bytes.Buffer
	c, clk := newTestCapture(t, 100*time.Microsecond, 10*time.Microsecond, 1, &out)
	defer c.Stop()

	c.handleEvent(taskSwitch())
	c.handleEvent(call("sleep", "Kernel", "sleep.rb", 1))
	clk.advance(200 * time.Microsecond)
	c.handleEvent(ret())
	c.handleEvent(taskSwitch())

	line := strings.TrimRight(out.String(), "\n")
	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		t.Fatalf("report line is not valid JSON: %v\nline: %s", err, line)
	}
	if parsed["stalls"] != float64(1) {
		t.Errorf(`parsed["stalls"] = %v, want 1`, parsed["stalls"])
	}
}
