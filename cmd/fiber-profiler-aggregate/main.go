// Command fiber-profiler-aggregate is the small offline aggregator
// fiber-profiler's machine report format is designed to feed: it reads one
// or more NDJSON stall reports, sums call durations across every stall
// they describe, and prints a summary or, with --pprof, emits a
// github.com/google/pprof profile.Profile: functions and locations
// assigned 1-based IDs, functions shared by name, and one sample per
// distinct call carrying that call's single Location (no caller stack).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/pprof/profile"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slices"
)

type reportCall struct {
	Path     string  `json:"path"`
	Line     int64   `json:"line"`
	Class    string  `json:"class"`
	Method   string  `json:"method"`
	Duration float64 `json:"duration"`
	Nesting  int     `json:"nesting"`
}

type report struct {
	Duration float64      `json:"duration"`
	Calls    []reportCall `json:"calls"`
	Stalls   uint64       `json:"stalls"`
}

type callKey struct {
	Path, Class, Method string
	Line                int64
}

type callTotal struct {
	key      callKey
	total    float64 // seconds
	samples  int
}

func main() {
	var pprofOut string
	var top int
	pflag.StringVar(&pprofOut, "pprof", "", "Write an aggregated pprof profile to the given path instead of a text summary.")
	pflag.IntVar(&top, "top", 20, "Number of call paths to show in the text summary.")
	pflag.Parse()

	paths := pflag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fiber-profiler-aggregate [flags] <report.ndjson>...")
		os.Exit(1)
	}

	totals, stalls, err := aggregate(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if pprofOut != "" {
		if err := writePprof(pprofOut, totals); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	printSummary(totals, stalls, top)
}

// aggregate reads every NDJSON report file and sums each call path's
// duration and sample count across every stall line in every file.
func aggregate(paths []string) (map[callKey]*callTotal, uint64, error) {
	totals := make(map[callKey]*callTotal)
	var stalls uint64

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("opening %s: %w", path, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var r report
			if err := json.Unmarshal(line, &r); err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("%s: malformed report line: %w", path, err)
			}
			stalls += r.Stalls
			for _, c := range r.Calls {
				k := callKey{Path: c.Path, Class: c.Class, Method: c.Method, Line: c.Line}
				t, ok := totals[k]
				if !ok {
					t = &callTotal{key: k}
					totals[k] = t
				}
				t.total += c.Duration
				t.samples++
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	return totals, stalls, nil
}

func printSummary(totals map[callKey]*callTotal, stalls uint64, top int) {
	list := make([]*callTotal, 0, len(totals))
	for _, t := range totals {
		list = append(list, t)
	}
	slices.SortFunc(list, func(a, b *callTotal) bool { return a.total > b.total })

	fmt.Printf("%d stalls across %d distinct call paths\n", stalls, len(list))
	if len(list) > top {
		list = list[:top]
	}
	for _, t := range list {
		fmt.Printf("%10.6fs  (x%d)  %s:%d %s#%s\n", t.total, t.samples, t.key.Path, t.key.Line, t.key.Class, t.key.Method)
	}
}

// writePprof builds a pprof profile.Profile with one "duration" sample
// value per distinct call path and writes it to path.
func writePprof(path string, totals map[callKey]*callTotal) error {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "duration", Unit: "seconds"}},
	}

	funcsByName := make(map[string]*profile.Function)

	for _, t := range totals {
		name := fmt.Sprintf("%s#%s", t.key.Class, t.key.Method)
		fn, ok := funcsByName[name]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(prof.Function)) + 1,
				Name:       name,
				SystemName: name,
				Filename:   t.key.Path,
			}
			prof.Function = append(prof.Function, fn)
			funcsByName[name] = fn
		}

		loc := &profile.Location{
			ID:   uint64(len(prof.Location)) + 1,
			Line: []profile.Line{{Function: fn, Line: t.key.Line}},
		}
		prof.Location = append(prof.Location, loc)

		prof.Sample = append(prof.Sample, &profile.Sample{
			Value:    []int64{int64(t.total * 1e9)},
			Location: []*profile.Location{loc},
		})
	}

	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer w.Close()
	return prof.Write(w)
}
