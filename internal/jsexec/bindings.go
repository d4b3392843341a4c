package jsexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
	"github.com/xkilldash9x/page-agent/internal/shortcut"
)

var timerGlobals = []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "clearImmediate"}

// hostFunc is a Go operation callable from a script. args are exported
// script values.
type hostFunc func(ctx context.Context, args []any) (any, error)

// env is the per-execution view of one VM. It is only touched on the loop.
type env struct {
	ctx    context.Context
	vm     *goja.Runtime
	loop   *eventloop.EventLoop
	logger *zap.Logger

	// calls counts host operations still running off the loop.
	calls *sync.WaitGroup

	stringify   goja.Callable
	promiseCtor *goja.Object
	toPromise   goja.Callable

	context *goja.Object
}

// prepare strips the VM down to ECMAScript built-ins plus console, and
// timers when enabled, and builds the safe context object.
func (r *Runtime) prepare(ctx context.Context, vm *goja.Runtime, loop *eventloop.EventLoop, calls *sync.WaitGroup, safe pageagent.SafeContext) (*env, error) {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	global := vm.GlobalObject()
	_ = global.Delete("require")
	if !r.cfg.ExposeTimers {
		for _, name := range timerGlobals {
			_ = global.Delete(name)
		}
	}

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is unavailable")
	}
	promiseCtor := vm.Get("Promise").ToObject(vm)
	toPromise, ok := goja.AssertFunction(promiseCtor.Get("resolve"))
	if !ok {
		return nil, errors.New("Promise.resolve is unavailable")
	}

	e := &env{
		ctx:         ctx,
		vm:          vm,
		loop:        loop,
		logger:      r.logger,
		calls:       calls,
		stringify:   stringify,
		promiseCtor: promiseCtor,
		toPromise:   toPromise,
	}
	_ = global.Set("console", e.console())

	e.context = vm.NewObject()
	_ = e.context.Set("page", e.page(safe.Page))
	_ = e.context.Set("shortcuts", e.shortcuts(safe))
	return e, nil
}

// settle waits for ret, which may or may not be a promise, and reports it.
func (e *env) settle(ret goja.Value, done func(outcome)) error {
	p, err := e.toPromise(e.promiseCtor, ret)
	if err != nil {
		return err
	}
	then, ok := goja.AssertFunction(p.ToObject(e.vm).Get("then"))
	if !ok {
		return errors.New("result is not awaitable")
	}
	_, err = then(p,
		e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			done(e.serialize(call.Argument(0)))
			return goja.Undefined()
		}),
		e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			done(outcome{err: errors.New(thrownMessage(call.Argument(0)))})
			return goja.Undefined()
		}),
	)
	return err
}

func (e *env) serialize(v goja.Value) outcome {
	if v == nil || goja.IsUndefined(v) {
		return outcome{undefined: true}
	}
	s, err := e.stringify(goja.Undefined(), v)
	if err != nil {
		return outcome{serializeErr: scriptError(err)}
	}
	if !goja.IsUndefined(s) {
		return outcome{text: s.String()}
	}
	// Functions and symbols have no JSON form.
	var text string
	if ex := e.vm.Try(func() { text = v.String() }); ex != nil {
		return outcome{serializeErr: scriptError(ex)}
	}
	return outcome{text: text}
}

// async exposes fn as a script function returning a promise. fn runs off
// the loop; its result is delivered back on the loop.
func (e *env) async(name string, fn hostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		promise, resolve, reject := e.vm.NewPromise()
		e.calls.Add(1)
		go func() {
			defer e.calls.Done()
			v, err := e.invoke(name, fn, args)
			e.loop.RunOnLoop(func(vm *goja.Runtime) {
				switch {
				case err != nil:
					reject(vm.NewGoError(err))
				case v == nil:
					resolve(goja.Undefined())
				default:
					resolve(vm.ToValue(v))
				}
			})
		}()
		return e.vm.ToValue(promise)
	}
}

func (e *env) invoke(name string, fn hostFunc, args []any) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Recovered from panic in host call.", zap.String("call", name), zap.Any("panic", p))
			err = fmt.Errorf("%s failed: %v", name, p)
		}
	}()
	return fn(e.ctx, args)
}

// page exposes the driver operations under their script names.
func (e *env) page(d browser.Driver) *goja.Object {
	obj := e.vm.NewObject()
	if d == nil {
		return obj
	}
	methods := map[string]hostFunc{
		"clickElement": func(ctx context.Context, args []any) (any, error) {
			index, err := shortcut.IntArg(args, 0, "index")
			if err != nil {
				return nil, err
			}
			return d.ClickElement(ctx, index)
		},
		"inputText": func(ctx context.Context, args []any) (any, error) {
			index, err := shortcut.IntArg(args, 0, "index")
			if err != nil {
				return nil, err
			}
			text, err := shortcut.StringArg(args, 1, "text")
			if err != nil {
				return nil, err
			}
			return d.InputText(ctx, index, text)
		},
		"scroll": func(ctx context.Context, args []any) (any, error) {
			down, err := shortcut.BoolArg(args, 0, "down", true)
			if err != nil {
				return nil, err
			}
			pages, err := shortcut.FloatArg(args, 1, "pages", 1)
			if err != nil {
				return nil, err
			}
			return d.ScrollPage(ctx, down, pages)
		},
		"getCurrentUrl": func(ctx context.Context, _ []any) (any, error) {
			return d.GetCurrentURL(ctx)
		},
		"getPageTitle": func(ctx context.Context, _ []any) (any, error) {
			return d.GetPageTitle(ctx)
		},
		"getPageInfo": func(ctx context.Context, _ []any) (any, error) {
			return d.GetPageInfo(ctx)
		},
		"getViewportExpansion": func(ctx context.Context, _ []any) (any, error) {
			return d.GetViewportExpansion(ctx)
		},
		"updateTree": func(ctx context.Context, _ []any) (any, error) {
			return nil, d.UpdateTree(ctx)
		},
		"getSimplifiedHTML": func(ctx context.Context, _ []any) (any, error) {
			return d.GetSimplifiedHTML(ctx)
		},
		"cleanUpHighlights": func(ctx context.Context, _ []any) (any, error) {
			return nil, d.CleanUpHighlights(ctx)
		},
	}
	for name, fn := range methods {
		_ = obj.Set(name, e.async("page."+name, fn))
	}
	return obj
}

// shortcuts exposes the bound capabilities. Reading any other name yields a
// function that fails with a clear message instead of a bare TypeError.
func (e *env) shortcuts(safe pageagent.SafeContext) goja.Value {
	target := e.vm.NewObject()
	for _, name := range safe.Names {
		capability, ok := safe.Shortcuts[name]
		if !ok {
			continue
		}
		_ = target.Set(name, e.async("shortcuts."+name, func(ctx context.Context, args []any) (any, error) {
			return capability(ctx, args...)
		}))
	}

	proxy := e.vm.NewProxy(target, &goja.ProxyTrapConfig{
		Get: func(target *goja.Object, property string, receiver goja.Value) goja.Value {
			if v := target.Get(property); v != nil {
				return v
			}
			// Probed by await and JSON.stringify.
			if property == "then" || property == "toJSON" {
				return goja.Undefined()
			}
			return e.vm.ToValue(func(goja.FunctionCall) goja.Value {
				panic(e.vm.NewGoError(fmt.Errorf("shortcut %q is not registered", property)))
			})
		},
	})
	return e.vm.ToValue(proxy)
}

// console routes script logging to zap.
func (e *env) console() *goja.Object {
	console := e.vm.NewObject()
	logFunc := func(level zapcore.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = e.describe(arg)
			}
			e.logger.Log(level, "[JS Console]", zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFunc(zap.InfoLevel))
	_ = console.Set("info", logFunc(zap.InfoLevel))
	_ = console.Set("warn", logFunc(zap.WarnLevel))
	_ = console.Set("error", logFunc(zap.ErrorLevel))
	_ = console.Set("debug", logFunc(zap.DebugLevel))
	return console
}

func (e *env) describe(v goja.Value) string {
	if _, isObj := v.(*goja.Object); isObj {
		if s, err := e.stringify(goja.Undefined(), v); err == nil && !goja.IsUndefined(s) {
			return s.String()
		}
	}
	var text string
	if ex := e.vm.Try(func() { text = v.String() }); ex != nil {
		return "[unprintable]"
	}
	return text
}
