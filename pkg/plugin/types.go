package plugin

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// Kind identifies how a unit's source is loaded.
type Kind string

const (
	// KindStarlark is a Starlark script defining a run() function.
	KindStarlark Kind = "starlark"

	// KindWASM is a WebAssembly module exporting a run function.
	KindWASM Kind = "wasm"

	// KindUnknown is any other file that passed the discovery filter.
	KindUnknown Kind = "unknown"
)

// KindForExt maps a file extension (with leading dot) to a Kind.
func KindForExt(ext string) Kind {
	switch strings.ToLower(ext) {
	case ".star":
		return KindStarlark
	case ".wasm":
		return KindWASM
	default:
		return KindUnknown
	}
}

// Source is a candidate unit found by discovery. It lives for one cycle.
type Source struct {
	// Path is the full path to the unit's file.
	Path string `json:"path"`

	// Name is the unit name, derived from the file stem.
	Name string `json:"name"`

	// Kind is derived from the file extension.
	Kind Kind `json:"kind"`
}

// NewSource builds a Source from a file path.
func NewSource(path string) Source {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return Source{
		Path: path,
		Name: strings.TrimSuffix(base, ext),
		Kind: KindForExt(ext),
	}
}

// Plugin is a loaded unit with its run capability.
type Plugin interface {
	// Name returns the unit name.
	Name() string

	// Run invokes the unit's entry point. The context carries tracing and
	// logging values only; a running unit is never interrupted through it.
	Run(ctx context.Context) (string, error)
}

// Closer is implemented by plugins that hold resources beyond one cycle's
// registry, such as a WASM runtime.
type Closer interface {
	Close(ctx context.Context) error
}

// Stage is the step of a cycle an Outcome belongs to.
type Stage string

const (
	// StageLoad covers executing the unit's top-level code and validating it.
	StageLoad Stage = "load"

	// StageRun covers invoking the unit's run capability.
	StageRun Stage = "run"
)

// Outcome is the per-unit, per-cycle result.
type Outcome struct {
	// Name is the unit name.
	Name string `json:"name"`

	// Stage is where the outcome was produced.
	Stage Stage `json:"stage"`

	// Value is the displayable result of a successful run.
	Value string `json:"value,omitempty"`

	// Err is the failure, if any.
	Err error `json:"-"`

	// Duration is how long the isolated call took.
	Duration time.Duration `json:"duration"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Status returns "success" or "failure" for metrics and storage.
func (o Outcome) Status() string {
	if o.OK() {
		return "success"
	}
	return "failure"
}

// Message returns the failure description, or "" on success.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
