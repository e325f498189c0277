package fiberprofiler

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// Output is the byte sink a Capture's reports are written to, plus the
// is-tty flag that selects the renderer. TTY detection itself is an
// external collaborator left to the caller; Output just carries the
// caller's answer.
type Output struct {
	Writer io.Writer
	IsTTY  bool
}

// Config holds a Capture's tunables, immutable for its lifetime once
// passed to New.
//
// The env-var-backed-default pattern generalizes the functional-options
// style profilers in this codebase's lineage use for construction-time
// overrides: instead of one option per field applied at construction time
// only, fiber-profiler reads process-wide defaults once at package init
// and New() starts from those unless the caller overrides a field
// explicitly via an Option.
type Config struct {
	StallThreshold  time.Duration
	FilterThreshold time.Duration
	TrackCalls      bool
	SampleRate      float64
	Output          Output
}

// Option overrides a single Config field on top of the process-wide
// defaults.
type Option func(*Config)

func WithStallThreshold(d time.Duration) Option {
	return func(c *Config) { c.StallThreshold = d }
}

func WithFilterThreshold(d time.Duration) Option {
	return func(c *Config) { c.FilterThreshold = d }
}

func WithTrackCalls(enabled bool) Option {
	return func(c *Config) { c.TrackCalls = enabled }
}

func WithSampleRate(rate float64) Option {
	return func(c *Config) { c.SampleRate = rate }
}

func WithOutput(out Output) Option {
	return func(c *Config) { c.Output = out }
}

const (
	envCaptureEnabled   = "FIBER_PROFILER_CAPTURE"
	envStallThreshold   = "FIBER_PROFILER_CAPTURE_STALL_THRESHOLD"
	envFilterThreshold  = "FIBER_PROFILER_CAPTURE_FILTER_THRESHOLD"
	envTrackCalls       = "FIBER_PROFILER_CAPTURE_TRACK_CALLS"
	envSampleRate       = "FIBER_PROFILER_CAPTURE_SAMPLE_RATE"
	defaultStallSeconds = 0.01
)

var (
	defaultsOnce sync.Once
	defaults     Config
	// captureEnabledDefault gates whether Default() returns a live
	// capture.
	captureEnabledDefault bool
)

// loadDefaults reads the process-wide configuration defaults from the
// environment exactly once: they are effectively immutable for the rest
// of the process's life.
func loadDefaults() {
	defaultsOnce.Do(func() {
		stall := envFloat(envStallThreshold, defaultStallSeconds)
		defaults = Config{
			StallThreshold:  secondsToDuration(stall),
			FilterThreshold: secondsToDuration(envFloat(envFilterThreshold, 0.1*stall)),
			TrackCalls:      envBool(envTrackCalls, true),
			SampleRate:      envFloat(envSampleRate, 1.0),
			Output:          Output{Writer: os.Stderr, IsTTY: false},
		}
		captureEnabledDefault = envBool(envCaptureEnabled, false)
	})
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func envFloat(name string, fallback float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// defaultConfig returns a copy of the process-wide defaults, loading them
// from the environment on first use.
func defaultConfig() Config {
	loadDefaults()
	return defaults
}
