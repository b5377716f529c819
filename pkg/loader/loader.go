// Package loader turns discovered plugin sources into invocable plugins.
//
// Loading executes a unit's top-level code and then checks that it exposes a
// zero-argument run entry point. Failures are returned as classified
// *plugin.Error values: LoadFailed when the top-level code fails and
// MissingCapability when no usable run entry point exists.
package loader

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// Loader produces a plugin from a single source.
type Loader interface {
	Load(ctx context.Context, src plugin.Source) (plugin.Plugin, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, src plugin.Source) (plugin.Plugin, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, src plugin.Source) (plugin.Plugin, error) {
	return f(ctx, src)
}

// Result pairs a source with its load result. Exactly one of Plugin and Err is set.
type Result struct {
	Source plugin.Source
	Plugin plugin.Plugin
	Err    error
}

// OK reports whether the source loaded.
func (r Result) OK() bool {
	return r.Err == nil && r.Plugin != nil
}

// Mux dispatches to a Loader by source kind.
type Mux struct {
	loaders map[plugin.Kind]Loader
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{loaders: make(map[plugin.Kind]Loader)}
}

// NewDefaultMux creates a Mux with the Starlark and WASM loaders registered.
func NewDefaultMux(logger zerolog.Logger) *Mux {
	m := NewMux()
	m.Register(plugin.KindStarlark, NewStarlarkLoader(logger))
	m.Register(plugin.KindWASM, NewWASMLoader(logger, nil))
	return m
}

// Register sets the loader for kind, replacing any existing one.
func (m *Mux) Register(kind plugin.Kind, l Loader) {
	m.loaders[kind] = l
}

// Kinds returns the registered kinds in sorted order.
func (m *Mux) Kinds() []plugin.Kind {
	kinds := make([]plugin.Kind, 0, len(m.loaders))
	for k := range m.loaders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Load implements Loader.
func (m *Mux) Load(ctx context.Context, src plugin.Source) (plugin.Plugin, error) {
	l, ok := m.loaders[src.Kind]
	if !ok {
		return nil, plugin.NewLoadFailedError(src.Name, fmt.Errorf("no loader for %s source %s", src.Kind, src.Path))
	}
	return l.Load(ctx, src)
}
