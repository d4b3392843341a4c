// internal/jsexec/runtime.go
package jsexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/observability"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
)

// UndefinedResult is the respond payload for a script whose entry function
// produced undefined.
const UndefinedResult = "Action result is undefined"

// Request is one script execution.
type Request struct {
	Script     string
	WaitBefore time.Duration
	WaitAfter  time.Duration
}

// Runtime executes agent scripts in a fresh goja VM per execution. Only one
// script runs at a time.
type Runtime struct {
	logger    *zap.Logger
	cfg       config.SandboxConfig
	execMutex sync.Mutex
}

func NewRuntime(logger *zap.Logger, cfg config.SandboxConfig) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{logger: logger.Named("jsexec"), cfg: cfg}
}

// ExecuteCall runs an interrupted execute_javascript call. It reports
// fired=false, and does nothing, while the call is not interrupted or has
// no script yet.
func (r *Runtime) ExecuteCall(ctx context.Context, call interrupt.ToolCall, safe pageagent.SafeContext) (interrupt.Decision, bool) {
	if call.Status != interrupt.StatusInterrupted || call.Name != pageagent.ToolExecuteJavaScript {
		return interrupt.Decision{}, false
	}
	in, err := pageagent.ParseExecuteJavaScript(call.Inputs, pageagent.Waits{
		Before: r.cfg.DefaultWaitBefore,
		After:  r.cfg.DefaultWaitAfter,
	})
	if err != nil {
		return interrupt.Reject(err.Error()), true
	}
	if strings.TrimSpace(in.JSCode) == "" {
		return interrupt.Decision{}, false
	}
	return r.Execute(ctx, Request{Script: in.JSCode, WaitBefore: in.WaitBeforeRun, WaitAfter: in.WaitAfterRun}, safe), true
}

// Execute waits, runs the script's main function with the safe context,
// waits again and turns the outcome into a decision. Script failures become
// reject decisions and skip the second wait.
func (r *Runtime) Execute(ctx context.Context, req Request, safe pageagent.SafeContext) (d interrupt.Decision) {
	r.execMutex.Lock()
	defer r.execMutex.Unlock()

	start := time.Now()
	defer func() {
		observability.ScriptDuration.WithLabelValues(string(d.Kind)).Observe(time.Since(start).Seconds())
		r.logger.Debug("Script finished.",
			zap.String("kind", string(d.Kind)),
			zap.Duration("elapsed", time.Since(start)))
	}()

	if err := sleep(ctx, req.WaitBefore); err != nil {
		return interrupt.Reject(err.Error())
	}

	out, err := r.run(ctx, req.Script, safe)
	if err != nil {
		r.logger.Info("Script failed.", zap.Error(err))
		return interrupt.Reject(err.Error())
	}

	if err := sleep(ctx, req.WaitAfter); err != nil {
		return interrupt.Reject(err.Error())
	}

	switch {
	case out.serializeErr != nil:
		return interrupt.Reject(out.serializeErr.Error())
	case out.undefined:
		return interrupt.Respond(UndefinedResult)
	default:
		return interrupt.Respond(out.text)
	}
}

// outcome is a settled entry function result.
type outcome struct {
	text         string
	undefined    bool
	serializeErr error
	err          error
}

// shim captures main without calling it. The newline keeps a trailing line
// comment in the script from swallowing the return.
func shim(script string) string {
	return "(function(){\n" + script + "\n;return main;\n})()"
}

func (r *Runtime) run(ctx context.Context, script string, safe pageagent.SafeContext) (outcome, error) {
	prog, err := goja.Compile("agent.js", shim(script), false)
	if err != nil {
		return outcome{}, compileError(err)
	}

	// Canceled on the way out so a runaway timer callback is interrupted
	// and pending host calls see a done context.
	var runCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.ScriptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.ScriptTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	var calls sync.WaitGroup
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()
	defer func() {
		cancel()
		// Once stopped no script runs, so no new host call can start. Calls
		// the script never awaited still hold the page until they return.
		loop.Stop()
		calls.Wait()
		loop.Terminate()
	}()

	results := make(chan outcome, 1)
	// The first outcome wins; later ones are dropped so the loop never blocks.
	done := func(o outcome) {
		select {
		case results <- o:
		default:
		}
	}
	loop.RunOnLoop(func(vm *goja.Runtime) {
		context.AfterFunc(runCtx, func() {
			vm.Interrupt(runCtx.Err())
		})

		sandbox, err := r.prepare(runCtx, vm, loop, &calls, safe)
		if err != nil {
			done(outcome{err: err})
			return
		}

		entryVal, err := vm.RunProgram(prog)
		if err != nil {
			done(outcome{err: scriptError(err)})
			return
		}
		entry, ok := goja.AssertFunction(entryVal)
		if !ok {
			done(outcome{err: errors.New("main is not a function")})
			return
		}
		ret, err := entry(goja.Undefined(), sandbox.context)
		if err != nil {
			done(outcome{err: scriptError(err)})
			return
		}
		if err := sandbox.settle(ret, done); err != nil {
			done(outcome{err: scriptError(err)})
		}
	})

	select {
	case out := <-results:
		return out, out.err
	case <-runCtx.Done():
		return outcome{}, fmt.Errorf("script interrupted: %w", runCtx.Err())
	}
}

// sleep pauses for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func compileError(err error) error {
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return syntax
	}
	return fmt.Errorf("failed to compile script: %w", err)
}

// scriptError reduces a goja error to the message a script author would
// see from the thrown value.
func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("script interrupted: %w", cause)
		}
		return errors.New("script interrupted")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(thrownMessage(ex.Value()))
	}
	return err
}

// thrownMessage returns v.message when the thrown value has one, otherwise
// its string form.
func thrownMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return fmt.Sprint(v)
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}
