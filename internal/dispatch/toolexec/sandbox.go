// Package toolexec runs caller-supplied JavaScript tool bodies inside a
// sandboxed goja runtime for the /v1/tools/execute route. No filesystem
// or network globals are exposed; the only bridge into the script is
// console.log/info/warn/error and the injected params object.
package toolexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Result is the outcome of one sandboxed tool execution.
type Result struct {
	Output   any
	Logs     []string
	Duration time.Duration
}

// ErrTimeout is returned when the script did not finish within the
// configured wall-clock budget.
var ErrTimeout = errors.New("toolexec: execution exceeded time budget")

// Execute runs source, a JS expression or function literal, with params
// bound as the global `params`, bounded by budget wall-clock time.
func Execute(ctx context.Context, source string, params map[string]any, budget time.Duration) (Result, error) {
	rt := goja.New()

	var logs []string
	if err := attachConsole(rt, &logs); err != nil {
		return Result{}, fmt.Errorf("toolexec: attach console: %w", err)
	}
	if err := rt.Set("params", params); err != nil {
		return Result{}, fmt.Errorf("toolexec: set params: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			rt.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	script := fmt.Sprintf(`(function() {
	const entry = (%s);
	if (typeof entry === 'function') {
		return entry(params);
	}
	return entry;
})();`, source)

	started := time.Now()
	val, err := rt.RunString(script)
	duration := time.Since(started)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{Logs: logs, Duration: duration}, ErrTimeout
		}
		return Result{Logs: logs, Duration: duration}, fmt.Errorf("toolexec: script error: %w", err)
	}

	return Result{Output: val.Export(), Logs: logs, Duration: duration}, nil
}

func attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
