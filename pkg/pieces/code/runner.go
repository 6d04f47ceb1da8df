// Package code is the inline script runtime for CODE steps. Every
// execution gets a fresh goja VM seeded with the run's data view; a
// watcher goroutine interrupts the VM when the invocation context or
// the script ceiling expires.
package code

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

// DefaultScriptTimeout caps one script's wall-clock time when no
// timeout is configured. A busy-looping script would otherwise hold its
// worker slot until the run deadline.
const DefaultScriptTimeout = 30 * time.Second

// Options configures the runner built by NewRunner.
type Options struct {
	Logger *slog.Logger

	// Timeout caps one script's wall-clock time. Zero means
	// DefaultScriptTimeout; the run deadline still applies on top.
	Timeout time.Duration
}

// Runner executes CODE step sources. Safe for concurrent use: each call
// builds its own VM and shares nothing with other calls.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	return &Runner{timeout: timeout, logger: logger}
}

// RunCode executes source as the body of a JavaScript function and
// returns its return value. The data view arrives as globals (trigger,
// steps, run, loop bindings); the resolved step input is bound as both
// inputs and input.
func (r *Runner) RunCode(ctx context.Context, source string, input map[string]any, data map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}

	scriptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vm := goja.New()

	for name, value := range data {
		_ = vm.Set(name, value)
	}

	_ = vm.Set("inputs", input)
	_ = vm.Set("input", input)
	r.bindConsole(ctx, vm)

	done := make(chan struct{})

	go func() {
		select {
		case <-scriptCtx.Done():
			vm.Interrupt(scriptCtx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunString("(function() {\n" + source + "\n})()")
	close(done)

	if err != nil {
		return nil, r.classify(ctx, scriptCtx, err)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}

	return val.Export(), nil
}

// classify maps a VM error onto the invocation error taxonomy. Outer
// context errors pass through untouched so the interpreter can fold
// them into the run status.
func (r *Runner) classify(ctx, scriptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if scriptCtx.Err() != nil {
		return &piece.InvocationError{
			Kind:    piece.FailureTimeout,
			Message: fmt.Sprintf("script exceeded %s", r.timeout),
		}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &piece.InvocationError{Kind: piece.FailureRuntime, Message: exc.Value().String()}
	}

	return &piece.InvocationError{Kind: piece.FailureRuntime, Message: err.Error()}
}

// bindConsole routes console calls to the runner's logger so script
// output lands in the worker's log stream instead of vanishing.
func (r *Runner) bindConsole(ctx context.Context, vm *goja.Runtime) {
	console := vm.NewObject()

	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	for name, level := range levels {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			r.logger.Log(ctx, level, consoleLine(call.Arguments), "origin", "script")

			return goja.Undefined()
		})
	}

	_ = vm.Set("console", console)
}

func consoleLine(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatValue(arg)
	}

	return strings.Join(parts, " ")
}

func formatValue(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "undefined"
	}

	if goja.IsNull(val) {
		return "null"
	}

	switch v := val.Export().(type) {
	case string:
		return v
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
