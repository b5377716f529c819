package loader

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// entryPoint is the name of the single capability every unit must expose.
const entryPoint = "run"

// contextLocal is the thread-local key holding the invocation context.
const contextLocal = "context"

// StarlarkLoader loads .star units.
type StarlarkLoader struct {
	logger zerolog.Logger
}

// NewStarlarkLoader creates a new Starlark loader.
func NewStarlarkLoader(logger zerolog.Logger) *StarlarkLoader {
	return &StarlarkLoader{
		logger: logger.With().Str("component", "starlark-loader").Logger(),
	}
}

// Load executes the unit's top-level code in a fresh module namespace and
// returns a plugin wrapping its run function.
func (l *StarlarkLoader) Load(ctx context.Context, src plugin.Source) (plugin.Plugin, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, plugin.NewLoadFailedError(src.Name, fmt.Errorf("failed to read file: %w", err))
	}

	logger := l.logger.With().Str("plugin", src.Name).Logger()
	thread := &starlark.Thread{
		Name: src.Name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Str("source", "print").Msg(msg)
		},
	}
	thread.SetLocal(contextLocal, ctx)

	globals, err := starlark.ExecFile(thread, src.Path, data, predeclared())
	if err != nil {
		return nil, plugin.NewLoadFailedError(src.Name, err)
	}

	run, err := lookupRun(src.Name, globals)
	if err != nil {
		return nil, err
	}

	return &starlarkPlugin{
		name:   src.Name,
		thread: thread,
		run:    run,
	}, nil
}

// lookupRun validates the unit's run capability.
func lookupRun(name string, globals starlark.StringDict) (starlark.Callable, error) {
	v, ok := globals[entryPoint]
	if !ok {
		return nil, plugin.NewMissingCapabilityError(name, "does not have a run function")
	}

	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, plugin.NewMissingCapabilityError(name, fmt.Sprintf("run is a %s, not a function", v.Type()))
	}

	if f, ok := fn.(*starlark.Function); ok {
		if n := requiredParams(f); n > 0 {
			return nil, plugin.NewMissingCapabilityError(name, fmt.Sprintf("run must take no arguments, requires %d", n))
		}
	}

	return fn, nil
}

// requiredParams counts the parameters a call must supply: those without a
// default, excluding *args and **kwargs.
func requiredParams(f *starlark.Function) int {
	n := f.NumParams()
	if f.HasVarargs() {
		n--
	}
	if f.HasKwargs() {
		n--
	}
	required := 0
	for i := 0; i < n; i++ {
		if f.ParamDefault(i) == nil {
			required++
		}
	}
	return required
}

// predeclared returns a new environment for one unit. Each unit gets its own
// so that no state leaks between units.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
		"math":   starlarkmath.Module,
		"time":   starlarktime.Module,
	}
}

type starlarkPlugin struct {
	name   string
	thread *starlark.Thread
	run    starlark.Callable
}

func (p *starlarkPlugin) Name() string {
	return p.name
}

func (p *starlarkPlugin) Run(ctx context.Context) (string, error) {
	p.thread.SetLocal(contextLocal, ctx)

	v, err := starlark.Call(p.thread, p.run, nil, nil)
	if err != nil {
		return "", err
	}
	return display(v), nil
}

// display converts a run result to its human-readable form. Strings are
// shown without quotes; everything else uses its Starlark representation.
func display(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
