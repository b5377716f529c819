// Package discovery lists plugin sources in a directory and watches it for changes.
package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// DefaultExtensions are the source file extensions accepted when none are configured.
var DefaultExtensions = []string{".star", ".wasm"}

// Result is the outcome of one discovery pass.
type Result struct {
	// Sources are the candidates, sorted lexically by path.
	Sources []plugin.Source

	// Created is true if the directory did not exist and was created.
	Created bool
}

// Discoverer lists candidate plugin files in a single directory.
type Discoverer struct {
	dir        string
	extensions map[string]bool
	logger     zerolog.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithExtensions replaces the accepted file extensions. Extensions are
// matched case-insensitively and may be given with or without the dot.
func WithExtensions(exts ...string) Option {
	return func(d *Discoverer) {
		if len(exts) == 0 {
			return
		}
		d.extensions = normalizeExtensions(exts)
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Discoverer) {
		d.logger = logger.With().Str("component", "discovery").Logger()
	}
}

// New creates a Discoverer for dir.
func New(dir string, opts ...Option) *Discoverer {
	d := &Discoverer{
		dir:        dir,
		extensions: normalizeExtensions(DefaultExtensions),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dir returns the watched directory.
func (d *Discoverer) Dir() string {
	return d.dir
}

// Matches reports whether path passes the source file filter.
func (d *Discoverer) Matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false
	}
	return d.extensions[strings.ToLower(filepath.Ext(base))]
}

// Discover lists the sources in the directory. If the directory does not
// exist it is created and an empty result is returned. Failure to create or
// read the directory is a DirectoryError.
func (d *Discoverer) Discover() (*Result, error) {
	if _, err := os.Stat(d.dir); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, plugin.NewDirectoryError(d.dir, err)
		}

		d.logger.Info().Str("path", d.dir).Msg("Plugin directory does not exist, creating")
		if err := os.MkdirAll(d.dir, 0o755); err != nil {
			return nil, plugin.NewDirectoryError(d.dir, err)
		}
		return &Result{Created: true}, nil
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, plugin.NewDirectoryError(d.dir, err)
	}

	sources := make([]plugin.Source, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if !d.Matches(path) {
			continue
		}
		sources = append(sources, plugin.NewSource(path))
	}

	// Registry name collisions are resolved in this order.
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Path < sources[j].Path
	})

	d.logger.Debug().
		Str("path", d.dir).
		Int("sources", len(sources)).
		Msg("Discovered plugin sources")

	return &Result{Sources: sources}, nil
}

// Discover lists the sources in dir using a one-off Discoverer.
func Discover(dir string, opts ...Option) ([]plugin.Source, error) {
	res, err := New(dir, opts...).Discover()
	if err != nil {
		return nil, err
	}
	return res.Sources, nil
}

func normalizeExtensions(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}
