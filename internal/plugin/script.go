package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ScriptPlugin adapts a JavaScript strategy file into the Plugin
// contract. The script declares a manifest object and optional hook
// functions:
//
//	var manifest = {
//	    name: "sma-cross",
//	    version: "1.0.0",
//	    category: "strategy",
//	};
//	function init(cfg) { ... }
//	function start() { ... }
//	function onBar(bar) { ... }
//
// Hooks the script omits are legal no-op transitions. Thrown values
// surface as ordinary hook errors. goja runtimes are not safe for
// concurrent use; one mutex serializes every VM entry.
type ScriptPlugin struct {
	mf *Manifest

	mu sync.Mutex
	vm *goja.Runtime

	init     goja.Callable
	start    goja.Callable
	stop     goja.Callable
	shutdown goja.Callable
	onBar    goja.Callable
}

// scriptStrategy is returned when the script defines onBar, so only
// bar-handling scripts satisfy StrategyAdapter.
type scriptStrategy struct {
	*ScriptPlugin
}

// NewScriptPlugin evaluates src and captures the script's manifest and
// hook functions. name is used in diagnostics until the manifest is
// read. When the script defines onBar, the returned plugin also
// implements StrategyAdapter.
func NewScriptPlugin(name, src string) (Plugin, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	p := &ScriptPlugin{vm: vm}
	p.bindConsole(slog.Default())

	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("script %q: %w", name, err)
	}

	mfVal := vm.Get("manifest")
	if mfVal == nil || goja.IsUndefined(mfVal) || goja.IsNull(mfVal) {
		return nil, fmt.Errorf("script %q: no manifest object defined", name)
	}
	mf := &Manifest{}
	if err := vm.ExportTo(mfVal, mf); err != nil {
		return nil, fmt.Errorf("script %q: manifest: %w", name, err)
	}
	if err := mf.Normalize(); err != nil {
		return nil, fmt.Errorf("script %q: manifest: %w", name, err)
	}
	p.mf = mf

	p.init = scriptFn(vm, "init")
	p.start = scriptFn(vm, "start")
	p.stop = scriptFn(vm, "stop")
	p.shutdown = scriptFn(vm, "shutdown")
	p.onBar = scriptFn(vm, "onBar")

	if p.onBar != nil {
		return &scriptStrategy{p}, nil
	}
	return p, nil
}

// LoadScriptPlugin reads a script file and adapts it.
func LoadScriptPlugin(path string) (Plugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", path, err)
	}
	return NewScriptPlugin(filepath.Base(path), string(src))
}

// ScriptFactory returns a Factory yielding a fresh VM per instance. The
// script is evaluated once up front so registration surfaces its errors
// immediately.
func ScriptFactory(path string) (Factory, error) {
	if _, err := LoadScriptPlugin(path); err != nil {
		return nil, err
	}
	return func() Plugin {
		p, err := LoadScriptPlugin(path)
		if err != nil {
			return nil
		}
		return p
	}, nil
}

func scriptFn(vm *goja.Runtime, name string) goja.Callable {
	fn, ok := goja.AssertFunction(vm.Get(name))
	if !ok {
		return nil
	}
	return fn
}

func (p *ScriptPlugin) Manifest() *Manifest {
	return p.mf
}

// Init rebinds the script's console onto the host's namespaced logger,
// then invokes the script's init with the resolved configuration.
func (p *ScriptPlugin) Init(ctx context.Context, host Host, cfg map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if host != nil {
		p.bindConsole(host.Logger(p.mf.Name))
	}
	return p.callLocked(ctx, p.init, "init", cfg)
}

func (p *ScriptPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callLocked(ctx, p.start, "start")
}

func (p *ScriptPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callLocked(ctx, p.stop, "stop")
}

func (p *ScriptPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callLocked(ctx, p.shutdown, "shutdown")
}

// OnBar forwards one bar into the script. Times cross the boundary as
// epoch milliseconds, the JS-native representation.
func (s *scriptStrategy) OnBar(ctx context.Context, bar Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callLocked(ctx, s.onBar, "onBar", map[string]any{
		"symbol": bar.Symbol,
		"start":  bar.Start.UnixMilli(),
		"open":   bar.Open,
		"high":   bar.High,
		"low":    bar.Low,
		"close":  bar.Close,
		"volume": bar.Volume,
	})
}

// callLocked invokes fn with args converted through the VM. The caller
// holds p.mu. Context cancellation interrupts the running script.
func (p *ScriptPlugin) callLocked(ctx context.Context, fn goja.Callable, hook string, args ...any) error {
	if fn == nil {
		return nil
	}

	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = p.vm.ToValue(a)
	}

	watch := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			p.vm.Interrupt(ctx.Err())
		case <-watch:
		}
	}()

	_, err := fn(goja.Undefined(), vals...)
	close(watch)
	<-done
	p.vm.ClearInterrupt()

	if err != nil {
		return fmt.Errorf("script %q: %s: %w", p.mf.Name, hook, err)
	}
	return nil
}

// bindConsole installs console.log/warn/error backed by a slog logger.
func (p *ScriptPlugin) bindConsole(logger *slog.Logger) {
	console := p.vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		logger.Info(consoleLine(call))
		return goja.Undefined()
	})
	console.Set("warn", func(call goja.FunctionCall) goja.Value {
		logger.Warn(consoleLine(call))
		return goja.Undefined()
	})
	console.Set("error", func(call goja.FunctionCall) goja.Value {
		logger.Error(consoleLine(call))
		return goja.Undefined()
	})
	p.vm.Set("console", console)
}

func consoleLine(call goja.FunctionCall) string {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = fmt.Sprintf("%v", a.Export())
	}
	return strings.Join(parts, " ")
}
