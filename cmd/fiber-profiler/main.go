// Command fiber-profiler runs a WebAssembly guest under tetratelabs/wazero
// with fiber-profiler's stall detector attached, writing stall reports to
// stdout (or a file) as the guest runs.
//
// It follows the familiar wazero CLI shape: a program struct,
// signal.NotifyContext cancellation, and directory-mount flag parsing,
// with pprof wiring swapped out for adapter/wazero's stall-detection
// wiring and spf13/pflag in place of the standard library flag package.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/socketry/fiber-profiler"
	wzadapter "github.com/socketry/fiber-profiler/adapter/wazero"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type program struct {
	filePath       string
	stallThreshold time.Duration
	filterThresh   time.Duration
	sampleRate     float64
	callSampleRate float64
	trackCalls     bool
	format         string
	outputPath     string
	yieldFuncs     []string
	mounts         []string
}

func (prog *program) run(ctx context.Context) error {
	wasmName := filepath.Base(prog.filePath)
	wasmCode, err := os.ReadFile(prog.filePath)
	if err != nil {
		return fmt.Errorf("loading wasm module: %w", err)
	}

	runtimeCtx := context.Background()
	rt := wazero.NewRuntimeWithConfig(runtimeCtx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true).
		WithCustomSections(true))

	compiledModule, err := rt.CompileModule(runtimeCtx, wasmCode)
	if err != nil {
		return fmt.Errorf("compiling wasm module: %w", err)
	}

	adapter, err := wzadapter.New(compiledModule, wzadapter.Config{
		YieldFunctions: prog.yieldFuncs,
		CallSampleRate: prog.callSampleRate,
	})
	if err != nil {
		return fmt.Errorf("building fiber-profiler adapter: %w", err)
	}

	out, closeOut, err := prog.openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	capture := fiberprofiler.New(adapter,
		fiberprofiler.WithStallThreshold(prog.stallThreshold),
		fiberprofiler.WithFilterThreshold(prog.filterThresh),
		fiberprofiler.WithSampleRate(prog.sampleRate),
		fiberprofiler.WithTrackCalls(prog.trackCalls),
		fiberprofiler.WithOutput(fiberprofiler.Output{
			Writer: out,
			IsTTY:  prog.format == "tty",
		}),
	)
	if !capture.Start() {
		return fmt.Errorf("starting capture: already running")
	}
	defer capture.Stop()

	instanceCtx := adapter.Register(runtimeCtx)
	instanceCtx, cancel := context.WithCancelCause(instanceCtx)
	go func() {
		defer cancel(nil)
		wasi_snapshot_preview1.MustInstantiate(instanceCtx, rt)

		config := wazero.NewModuleConfig().
			WithStdout(os.Stdout).
			WithStderr(os.Stderr).
			WithStdin(os.Stdin).
			WithRandSource(rand.Reader).
			WithSysNanosleep().
			WithSysNanotime().
			WithSysWalltime().
			WithArgs(wasmName).
			WithFSConfig(createFSConfig(prog.mounts))

		instance, err := rt.InstantiateModule(instanceCtx, compiledModule, config)
		if err != nil {
			cancel(fmt.Errorf("instantiating module: %w", err))
			return
		}
		if err := instance.Close(instanceCtx); err != nil {
			cancel(fmt.Errorf("closing module: %w", err))
			return
		}
	}()

	select {
	case <-ctx.Done():
	case <-instanceCtx.Done():
	}
	return silenceContextCanceled(context.Cause(instanceCtx))
}

func (prog *program) openOutput() (*os.File, func(), error) {
	if prog.outputPath == "" || prog.outputPath == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(prog.outputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func silenceContextCanceled(err error) error {
	if err == context.Canceled {
		err = nil
	}
	return err
}

func createFSConfig(mounts []string) wazero.FSConfig {
	fs := wazero.NewFSConfig()
	for _, m := range mounts {
		parts := strings.Split(m, ":")
		if len(parts) < 2 {
			log.Fatalf("invalid mount: %s", m)
		}
		var mode string
		if len(parts) == 3 {
			mode = parts[2]
		}
		if mode == "ro" {
			fs = fs.WithReadOnlyDirMount(parts[0], parts[1])
			continue
		}
		fs = fs.WithDirMount(parts[0], parts[1])
	}
	return fs
}

func run(ctx context.Context) error {
	var (
		stallThreshold time.Duration
		filterThresh   time.Duration
		sampleRate     float64
		callSampleRate float64
		trackCalls     bool
		format         string
		outputPath     string
		yieldFuncs     []string
		mounts         []string
	)

	pflag.DurationVar(&stallThreshold, "stall-threshold", 10*time.Millisecond, "Minimum interval duration reported as a stall.")
	pflag.DurationVar(&filterThresh, "filter-threshold", time.Millisecond, "Call-like frames shorter than this are elided from reports.")
	pflag.Float64Var(&sampleRate, "sample-rate", 1.0, "Fraction of intervals captured (0-1).")
	pflag.Float64Var(&callSampleRate, "call-sample-rate", 1.0, "Fraction of individual calls instrumented within a captured interval (0-1).")
	pflag.BoolVar(&trackCalls, "track-calls", true, "Record call-stack frames; disable to report stalls with no call detail.")
	pflag.StringVar(&format, "format", "machine", `Report format: "machine" (NDJSON) or "tty" (human-readable).`)
	pflag.StringVar(&outputPath, "output", "-", `Where to write reports ("-" for stdout).`)
	pflag.StringSliceVar(&yieldFuncs, "yield", nil, "Host import name(s) that mark a cooperative task switch.")
	pflag.StringSliceVar(&mounts, "mount", nil, "guest:host[:ro] directory mounts.")
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: fiber-profiler [flags] </path/to/app.wasm>")
	}

	return (&program{
		filePath:       args[0],
		stallThreshold: stallThreshold,
		filterThresh:   filterThresh,
		sampleRate:     sampleRate,
		callSampleRate: callSampleRate,
		trackCalls:     trackCalls,
		format:         format,
		outputPath:     outputPath,
		yieldFuncs:     yieldFuncs,
		mounts:         mounts,
	}).run(ctx)
}
