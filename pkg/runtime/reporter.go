package runtime

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pluginmon/pluginmon/pkg/plugin"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

// Reporter receives scheduler events as they happen. Outcomes are streamed
// one at a time, never batched until the end of a cycle.
type Reporter interface {
	// Starting is called once before the first cycle.
	Starting(interval time.Duration)

	// DirectoryCreated is called when discovery had to create the plugin
	// directory.
	DirectoryCreated(dir string)

	// Loaded is called for each unit placed in the registry.
	Loaded(src plugin.Source)

	// LoadFailed is called for each unit excluded from the registry, either
	// because loading failed or because it has no run capability.
	LoadFailed(o plugin.Outcome)

	// NoPlugins is called when a cycle's registry is empty.
	NoPlugins()

	// CycleStarted is called before the first run of a non-empty cycle.
	CycleStarted(report *CycleReport)

	// Outcome is called for each run outcome as soon as it is produced.
	Outcome(o plugin.Outcome)

	// CycleFinished is called after the last run of a cycle.
	CycleFinished(report *CycleReport)

	// ShuttingDown is called once when the scheduler terminates.
	ShuttingDown()
}

const separator = "----------------------------------------"

// ConsoleReporter writes human-readable lines to an io.Writer.
type ConsoleReporter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewConsoleReporter creates a ConsoleReporter. Successful loads are only
// printed when verbose is set.
func NewConsoleReporter(w io.Writer, verbose bool) *ConsoleReporter {
	return &ConsoleReporter{w: w, verbose: verbose}
}

func (r *ConsoleReporter) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Starting implements Reporter.
func (r *ConsoleReporter) Starting(interval time.Duration) {
	r.printf("Starting plugin monitor (interval: %s)", interval)
}

// DirectoryCreated implements Reporter.
func (r *ConsoleReporter) DirectoryCreated(dir string) {
	r.printf("Creating plugin directory: %s", dir)
}

// Loaded implements Reporter.
func (r *ConsoleReporter) Loaded(src plugin.Source) {
	if r.verbose {
		r.printf("Successfully loaded plugin: %s", src.Name)
	}
}

// LoadFailed implements Reporter.
func (r *ConsoleReporter) LoadFailed(o plugin.Outcome) {
	detail := plugin.DetailOf(o.Err)
	if plugin.IsMissingCapability(o.Err) {
		if strings.HasPrefix(detail, "does ") {
			r.printf("Warning: Plugin %s %s", o.Name, detail)
		} else {
			r.printf("Warning: Plugin %s has no usable run function: %s", o.Name, detail)
		}
		return
	}
	r.printf("Error loading plugin %s: %s", o.Name, detail)
}

// NoPlugins implements Reporter.
func (r *ConsoleReporter) NoPlugins() {
	r.printf("No plugins found. Waiting for plugins to be added...")
}

// CycleStarted implements Reporter.
func (r *ConsoleReporter) CycleStarted(*CycleReport) {
	r.printf("\nExecuting plugins:\n%s", separator)
}

// Outcome implements Reporter.
func (r *ConsoleReporter) Outcome(o plugin.Outcome) {
	if o.OK() {
		r.printf("%s: %s", o.Name, o.Value)
		return
	}
	r.printf("Error executing %s: %s", o.Name, plugin.DetailOf(o.Err))
}

// CycleFinished implements Reporter.
func (r *ConsoleReporter) CycleFinished(report *CycleReport) {
	if len(report.Registered) > 0 {
		r.printf("%s", separator)
	}
}

// ShuttingDown implements Reporter.
func (r *ConsoleReporter) ShuttingDown() {
	r.printf("\nShutting down plugin monitor...")
}

// LogReporter emits scheduler events as structured log records.
type LogReporter struct {
	logger *telemetry.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *telemetry.Logger) *LogReporter {
	return &LogReporter{logger: logger.NewComponentLogger("reporter")}
}

// Starting implements Reporter.
func (r *LogReporter) Starting(interval time.Duration) {
	r.logger.WithField("interval", interval.String()).Info("plugin monitor starting")
}

// DirectoryCreated implements Reporter.
func (r *LogReporter) DirectoryCreated(dir string) {
	r.logger.WithField("dir", dir).Info("created plugin directory")
}

// Loaded implements Reporter.
func (r *LogReporter) Loaded(src plugin.Source) {
	r.logger.WithPlugin(src.Name).WithFields(map[string]interface{}{
		"kind": string(src.Kind),
		"path": src.Path,
	}).Debug("plugin loaded")
}

// LoadFailed implements Reporter.
func (r *LogReporter) LoadFailed(o plugin.Outcome) {
	log := r.logger.WithOutcome(o)
	if plugin.IsMissingCapability(o.Err) {
		log.Warnf("plugin excluded: %s", plugin.DetailOf(o.Err))
		return
	}
	log.Error("plugin failed to load")
}

// NoPlugins implements Reporter.
func (r *LogReporter) NoPlugins() {
	r.logger.Info("no plugins found")
}

// CycleStarted implements Reporter.
func (r *LogReporter) CycleStarted(report *CycleReport) {
	r.logger.WithCycle(report.ID, report.Number).
		WithField("plugins", len(report.Registered)).
		Debug("executing plugins")
}

// Outcome implements Reporter.
func (r *LogReporter) Outcome(o plugin.Outcome) {
	log := r.logger.WithOutcome(o)
	if o.OK() {
		log.WithField("value", o.Value).Info("plugin run succeeded")
		return
	}
	log.Error("plugin run failed")
}

// CycleFinished implements Reporter.
func (r *LogReporter) CycleFinished(report *CycleReport) {
	r.logger.WithCycle(report.ID, report.Number).WithFields(map[string]interface{}{
		"succeeded":   report.Succeeded(),
		"failed":      report.Failed(),
		"excluded":    len(report.LoadFailures),
		"duration":    report.Duration.String(),
		"interrupted": report.Interrupted,
	}).Info("cycle finished")
}

// ShuttingDown implements Reporter.
func (r *LogReporter) ShuttingDown() {
	r.logger.Info("plugin monitor shutting down")
}

// MultiReporter fans each event out to several reporters in order.
type MultiReporter []Reporter

// Starting implements Reporter.
func (m MultiReporter) Starting(interval time.Duration) {
	for _, r := range m {
		r.Starting(interval)
	}
}

// DirectoryCreated implements Reporter.
func (m MultiReporter) DirectoryCreated(dir string) {
	for _, r := range m {
		r.DirectoryCreated(dir)
	}
}

// Loaded implements Reporter.
func (m MultiReporter) Loaded(src plugin.Source) {
	for _, r := range m {
		r.Loaded(src)
	}
}

// LoadFailed implements Reporter.
func (m MultiReporter) LoadFailed(o plugin.Outcome) {
	for _, r := range m {
		r.LoadFailed(o)
	}
}

// NoPlugins implements Reporter.
func (m MultiReporter) NoPlugins() {
	for _, r := range m {
		r.NoPlugins()
	}
}

// CycleStarted implements Reporter.
func (m MultiReporter) CycleStarted(report *CycleReport) {
	for _, r := range m {
		r.CycleStarted(report)
	}
}

// Outcome implements Reporter.
func (m MultiReporter) Outcome(o plugin.Outcome) {
	for _, r := range m {
		r.Outcome(o)
	}
}

// CycleFinished implements Reporter.
func (m MultiReporter) CycleFinished(report *CycleReport) {
	for _, r := range m {
		r.CycleFinished(report)
	}
}

// ShuttingDown implements Reporter.
func (m MultiReporter) ShuttingDown() {
	for _, r := range m {
		r.ShuttingDown()
	}
}
