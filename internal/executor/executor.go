// Package executor runs untrusted lens source inside a fresh interpreter per
// invocation, under a wall-clock deadline. Interpreting the source instead
// of compiling it keeps a hostile or broken lens from taking the process
// with it: a fresh interpreter shares no mutable state with the orchestrator
// or with any other invocation, imports are whitelisted before evaluation,
// and a panic out of interpreted code settles the invocation as crashed
// instead of crashing the pipeline.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/sync/semaphore"

	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/config"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/lens"
	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/logging"
)

// factoryFunc is the shape the lens source must export as Lens: it receives
// the document, the patient context, a reserved persona slot, and the
// current markup, and returns the capability map.
type factoryFunc = func(map[string]interface{}, map[string]interface{}, interface{}, string) map[string]interface{}

// capResult carries one capability call's outcome back out of the isolate.
type capResult struct {
	text string
	err  error
}

// Executor dispatches lens jobs into isolates. Safe for concurrent use; a
// weighted semaphore bounds how many isolates run at once.
type Executor struct {
	sink     logging.Sink
	isolates *semaphore.Weighted
}

// New builds an executor. A nil sink falls back to the process default; a
// non-positive cap falls back to the configured default.
func New(sink logging.Sink, maxConcurrent int64) *Executor {
	if sink == nil {
		sink = logging.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrentIsolates
	}
	return &Executor{sink: sink, isolates: semaphore.NewWeighted(maxConcurrent)}
}

// invocation tracks the lifecycle of one isolate and guards settlement:
// exactly one terminal transition wins, everything after it is ignored.
type invocation struct {
	mu    sync.Mutex
	state lens.State
	done  atomic.Bool // silences isolate output once settled
}

func (v *invocation) transition(to lens.State) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state.Terminal() {
		return false
	}
	v.state = to
	return true
}

// Run applies one lens job and settles exactly one outcome: success, a
// reported failure, a timeout after the deadline elapses, or a crash when
// the isolate dies without settling. Run blocks until settlement, never
// longer than the deadline.
func (e *Executor) Run(ctx context.Context, job lens.Job, timeout time.Duration) lens.Outcome {
	if strings.TrimSpace(job.Source) == "" {
		return lens.Outcome{State: lens.StateFailed, Message: "empty lens"}
	}
	if timeout <= 0 {
		timeout = config.DefaultExecutionTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The slot wait counts against the deadline; a starved acquire settles
	// as a bounded failure instead of blocking the caller.
	if err := e.isolates.Acquire(ctx, 1); err != nil {
		return lens.Outcome{State: lens.StateFailed, Message: fmt.Sprintf("no isolate available: %v", err)}
	}

	inv := &invocation{state: lens.StateCreated}
	settled := make(chan lens.Outcome, 1)

	go func() {
		defer e.isolates.Release(1)
		defer func() {
			if r := recover(); r != nil {
				if inv.transition(lens.StateCrashed) {
					settled <- lens.Outcome{State: lens.StateCrashed, Message: fmt.Sprintf("lens isolate crashed: %v", r)}
				}
			}
		}()
		inv.transition(lens.StateRunning)
		out := e.invoke(ctx, inv, job)
		if inv.transition(out.State) {
			settled <- out
		}
	}()

	select {
	case out := <-settled:
		inv.done.Store(true)
		return out
	case <-ctx.Done():
		inv.done.Store(true)
		if !inv.transition(lens.StateTimedOut) {
			// Settled in the same instant the deadline fired.
			return <-settled
		}
		return lens.Outcome{State: lens.StateTimedOut, Message: fmt.Sprintf("lens execution exceeded %s", timeout)}
	}
}

// invoke compiles and drives the lens inside a fresh interpreter. Every call
// into interpreted code runs through the interpreter's context-aware
// evaluation, so the deadline interrupts a lens that never returns and the
// isolate slot always comes back at settlement.
func (e *Executor) invoke(ctx context.Context, inv *invocation, job lens.Job) lens.Outcome {
	src := wrapSource(job.Source)
	if err := checkImports(src); err != nil {
		return failed(err.Error())
	}

	i := interp.New(interp.Options{
		Stdout: newLogWriter(e.sink, logging.LevelInfo, job.Lens, &inv.done),
		Stderr: newLogWriter(e.sink, logging.LevelError, job.Lens, &inv.done),
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return failed(fmt.Sprintf("isolate setup: %v", err))
	}

	// Host bridge: the host rebinds Call before each drive, then evaluates
	// lee.Call() under the context so the interpreter's interrupt can
	// reclaim interpreted code that spins. The import whitelist keeps lens
	// source from reaching the bridge itself.
	var call func() interface{}
	if err := i.Use(interp.Exports{"lee/lee": {"Call": reflect.ValueOf(&call).Elem()}}); err != nil {
		return failed(fmt.Sprintf("isolate setup: %v", err))
	}

	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return failed(fmt.Sprintf("lens source failed to evaluate: %v", err))
	}
	if _, err := i.EvalWithContext(ctx, `import "lee"`); err != nil {
		return failed(fmt.Sprintf("isolate setup: %v", err))
	}

	v, err := i.EvalWithContext(ctx, "main.Lens")
	if err != nil {
		return failed("lens does not declare a Lens function")
	}
	factory, ok := v.Interface().(factoryFunc)
	if !ok {
		return failed(fmt.Sprintf("Lens has the wrong signature (got %T)", v.Interface()))
	}

	doc, err := deepCopy(job.Document)
	if err != nil {
		return failed(fmt.Sprintf("document not copyable into isolate: %v", err))
	}
	pc, err := deepCopy(job.PatientContext)
	if err != nil {
		return failed(fmt.Sprintf("patient context not copyable into isolate: %v", err))
	}

	drive := func(fn func() interface{}) (interface{}, error) {
		call = fn
		res, err := i.EvalWithContext(ctx, "lee.Call()")
		if err != nil {
			return nil, err
		}
		if !res.IsValid() {
			return nil, nil
		}
		return res.Interface(), nil
	}

	raw, err := drive(func() interface{} { return factory(doc, pc, nil, job.Markup) })
	if err != nil {
		return interrupted(err, "lens factory")
	}
	caps, _ := raw.(map[string]interface{})
	if caps == nil {
		return failed("lens returned no capabilities")
	}

	enhance, ok := caps["enhance"]
	if !ok || enhance == nil {
		return failed("lens does not provide an enhance capability")
	}
	raw, err = drive(func() interface{} {
		text, err := callString(enhance)
		return capResult{text: text, err: err}
	})
	if err != nil {
		return interrupted(err, "enhance")
	}
	res, _ := raw.(capResult)
	if res.err != nil {
		return failed(fmt.Sprintf("enhance failed: %v", res.err))
	}
	markup := res.text

	explanation := ""
	if exp, ok := caps["explanation"]; ok && exp != nil {
		// Explanation is always optional; its failures are swallowed.
		if raw, err := drive(func() interface{} {
			text, err := callString(exp)
			return capResult{text: text, err: err}
		}); err == nil {
			if res, ok := raw.(capResult); ok && res.err == nil {
				explanation = res.text
			}
		}
	}

	return lens.Outcome{State: lens.StateSucceeded, Markup: markup, Explanation: explanation}
}

func failed(msg string) lens.Outcome {
	return lens.Outcome{State: lens.StateFailed, Message: msg}
}

// interrupted maps an error out of a driven call: a panic the interpreter
// recovered settles as crashed, anything else as a reported failure.
func interrupted(err error, step string) lens.Outcome {
	var p interp.Panic
	if errors.As(err, &p) {
		return lens.Outcome{State: lens.StateCrashed, Message: fmt.Sprintf("lens isolate crashed: %v", p.Value)}
	}
	return failed(fmt.Sprintf("%s failed: %v", step, err))
}

// callString invokes a zero-argument capability that must yield a string.
func callString(capability interface{}) (string, error) {
	switch fn := capability.(type) {
	case func() (string, error):
		return fn()
	case func() string:
		return fn(), nil
	default:
		return "", fmt.Errorf("capability is not a zero-argument string function (got %T)", capability)
	}
}

// deepCopy keeps the orchestrator's instances as the only mutable ones; the
// isolate never sees anything another invocation could also touch.
func deepCopy(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
