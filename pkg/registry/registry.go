// Package registry holds the immutable per-cycle snapshot of loaded plugins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pluginmon/pluginmon/pkg/loader"
	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// Entry is one registered plugin and the source it was loaded from.
type Entry struct {
	Name   string
	Source plugin.Source
	Plugin plugin.Plugin
}

// Registry maps unit names to loaded plugins for exactly one cycle. It is
// never mutated after Build; the next cycle builds a new one.
type Registry struct {
	entries  []Entry
	byName   map[string]int
	replaced []Entry
}

// Build collects the successful load results. Results must be in discovery
// order: when two sources share a name, the later one wins.
func Build(results []loader.Result) *Registry {
	latest := make(map[string]Entry, len(results))
	var replaced []Entry

	for _, r := range results {
		if !r.OK() {
			continue
		}
		name := r.Plugin.Name()
		if prev, ok := latest[name]; ok {
			replaced = append(replaced, prev)
		}
		latest[name] = Entry{Name: name, Source: r.Source, Plugin: r.Plugin}
	}

	entries := make([]Entry, 0, len(latest))
	for _, e := range latest {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		byName[e.Name] = i
	}

	return &Registry{
		entries:  entries,
		byName:   byName,
		replaced: replaced,
	}
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns the registered plugins sorted by name. The returned slice
// is a copy.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.entries[i].Plugin, true
}

// Replaced returns the entries that lost a name collision.
func (r *Registry) Replaced() []Entry {
	out := make([]Entry, len(r.replaced))
	copy(out, r.replaced)
	return out
}

// Close releases resources held by registered and replaced plugins.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, group := range [][]Entry{r.entries, r.replaced} {
		for _, e := range group {
			c, ok := e.Plugin.(plugin.Closer)
			if !ok {
				continue
			}
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
