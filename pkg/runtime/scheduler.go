package runtime

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pluginmon/pluginmon/pkg/discovery"
	"github.com/pluginmon/pluginmon/pkg/loader"
	"github.com/pluginmon/pluginmon/pkg/plugin"
	"github.com/pluginmon/pluginmon/pkg/registry"
	"github.com/pluginmon/pluginmon/pkg/sink"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

// DefaultInterval is the idle time between cycles.
const DefaultInterval = 5 * time.Second

// State is the scheduler's lifecycle state.
type State int32

const (
	// StateRunning means a cycle is being built or executed.
	StateRunning State = iota

	// StateIdle means the scheduler is sleeping between cycles.
	StateIdle

	// StateTerminated means Run has returned.
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Scheduler.
type Config struct {
	// Dir is the plugin directory.
	Dir string

	// Interval is the sleep between cycles. DefaultInterval when zero.
	Interval time.Duration

	// Extensions overrides the discovery filter.
	Extensions []string
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ID        string
	Number    int
	StartedAt time.Time
	Duration  time.Duration

	// DirectoryCreated is set when discovery created the plugin directory.
	DirectoryCreated bool

	// Discovered is the number of candidate sources.
	Discovered int

	// Registered are the plugin names in the cycle's registry, in run order.
	Registered []string

	// LoadFailures are the units excluded from the registry.
	LoadFailures []plugin.Outcome

	// Outcomes are the run outcomes in invocation order.
	Outcomes []plugin.Outcome

	// Interrupted is set when cancellation stopped the cycle before every
	// registered plugin ran.
	Interrupted bool
}

// Succeeded counts successful run outcomes.
func (r *CycleReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed counts failed run outcomes.
func (r *CycleReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Scheduler drives cycles of discover, load, run and report until its
// context is cancelled.
type Scheduler struct {
	interval   time.Duration
	discoverer *discovery.Discoverer
	loader     loader.Loader
	reporter   Reporter
	publishers []sink.Publisher
	wake       <-chan struct{}
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger

	state atomic.Int32
	cycle int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLoader replaces the default Starlark and WASM loaders.
func WithLoader(l loader.Loader) Option {
	return func(s *Scheduler) {
		s.loader = l
	}
}

// WithReporter sets the reporter. The default writes to stdout.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		s.reporter = r
	}
}

// WithPublishers adds sinks that receive every completed cycle.
func WithPublishers(p ...sink.Publisher) Option {
	return func(s *Scheduler) {
		s.publishers = append(s.publishers, p...)
	}
}

// WithWake sets a channel that ends the idle sleep early, such as
// discovery.Watcher.Changes.
func WithWake(ch <-chan struct{}) Option {
	return func(s *Scheduler) {
		s.wake = ch
	}
}

// WithTelemetry sets the logger, tracer and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.tel = tel
	}
}

// NewScheduler creates a Scheduler in the Running state.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: cfg.Interval,
		reporter: NewConsoleReporter(os.Stdout, false),
		tel:      telemetry.Nop(),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.tel.Logger.NewComponentLogger("scheduler")
	zlog := s.tel.Logger.Zerolog()
	s.discoverer = discovery.New(cfg.Dir,
		discovery.WithExtensions(cfg.Extensions...),
		discovery.WithLogger(zlog),
	)
	if s.loader == nil {
		s.loader = loader.NewDefaultMux(zlog)
	}
	s.state.Store(int32(StateRunning))
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Interval returns the idle time between cycles.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run executes cycles until ctx is cancelled, then reports the shutdown and
// returns nil. A DirectoryError ends the run and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.reporter.Starting(s.interval)

	for {
		s.setState(StateRunning)
		if _, err := s.RunCycle(ctx); err != nil {
			s.setState(StateTerminated)
			s.logger.WithError(err).Error("scheduler stopped")
			return fmt.Errorf("scheduler: %w", err)
		}

		if ctx.Err() != nil {
			return s.terminate()
		}

		s.setState(StateIdle)
		if !s.sleep(ctx) {
			return s.terminate()
		}
	}
}

func (s *Scheduler) terminate() error {
	s.setState(StateTerminated)
	s.reporter.ShuttingDown()
	return nil
}

// sleep waits for the interval or a wake signal. It returns false when ctx
// is cancelled.
func (s *Scheduler) sleep(ctx context.Context) bool {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.wake:
		s.logger.Debug("plugin directory changed, starting next cycle early")
		return true
	}
}

// RunCycle executes exactly one cycle. Per-unit failures are reported and
// recorded in the CycleReport; only a DirectoryError is returned.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	s.cycle++
	report := &CycleReport{
		ID:        uuid.New().String(),
		Number:    s.cycle,
		StartedAt: time.Now(),
	}
	log := s.logger.WithCycle(report.ID, report.Number)

	ctx, span := s.tel.Tracer.StartCycleSpan(ctx, report.ID, report.Number)
	defer span.End()

	found, err := s.discoverer.Discover()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if found.Created {
		report.DirectoryCreated = true
		s.reporter.DirectoryCreated(s.discoverer.Dir())
	}
	report.Discovered = len(found.Sources)

	reg := s.buildRegistry(ctx, found.Sources, report)
	report.Registered = reg.Names()

	if reg.Len() == 0 {
		s.reporter.NoPlugins()
	} else {
		s.reporter.CycleStarted(report)
		s.invokeAll(ctx, reg, report)
	}

	if err := reg.Close(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Warn("failed to release plugins")
	}

	report.Duration = time.Since(report.StartedAt)
	s.reporter.CycleFinished(report)
	s.tel.Metrics.RecordCycle(report.Duration, reg.Len())

	if report.Interrupted {
		log.Info("cycle interrupted, skipping sinks")
	} else {
		s.publish(ctx, report)
	}

	telemetry.RecordError(span, nil)
	log.Debugf("cycle finished: %d succeeded, %d failed, %d excluded",
		report.Succeeded(), report.Failed(), len(report.LoadFailures))
	return report, nil
}

// buildRegistry loads every source under the isolation boundary. Failures
// are reported as they occur.
func (s *Scheduler) buildRegistry(ctx context.Context, sources []plugin.Source, report *CycleReport) *registry.Registry {
	results := make([]loader.Result, 0, len(sources))

	for _, src := range sources {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		spanCtx, span := s.tel.Tracer.StartPluginSpan(ctx, src, plugin.StageLoad)

		start := time.Now()
		p, err := Guard(func() (plugin.Plugin, error) {
			return s.loader.Load(spanCtx, src)
		})
		if err == nil && p == nil {
			err = fmt.Errorf("loader returned no plugin")
		}

		if err != nil {
			err = classify(src.Name, plugin.StageLoad, err)
			o := plugin.Outcome{Name: src.Name, Stage: plugin.StageLoad, Err: err, Duration: time.Since(start)}
			report.LoadFailures = append(report.LoadFailures, o)
			s.reporter.LoadFailed(o)
			s.tel.Metrics.RecordLoadFailure(string(plugin.KindOf(err)))
			telemetry.RecordOutcome(span, o)
			span.End()
			results = append(results, loader.Result{Source: src, Err: err})
			continue
		}

		s.reporter.Loaded(src)
		telemetry.RecordError(span, nil)
		span.End()
		results = append(results, loader.Result{Source: src, Plugin: p})
	}

	reg := registry.Build(results)
	for _, e := range reg.Replaced() {
		s.logger.WithPlugin(e.Name).WithField("path", e.Source.Path).Warn("plugin shadowed by a later source with the same name")
	}
	return reg
}

// invokeAll runs every registry entry in order. Cancellation is checked
// between invocations; a running unit is never interrupted.
func (s *Scheduler) invokeAll(ctx context.Context, reg *registry.Registry, report *CycleReport) {
	for _, e := range reg.Entries() {
		if ctx.Err() != nil {
			report.Interrupted = true
			return
		}

		spanCtx, span := s.tel.Tracer.StartPluginSpan(ctx, e.Source, plugin.StageRun)
		runCtx := context.WithoutCancel(spanCtx)
		p := e.Plugin

		o := Isolate(e.Name, plugin.StageRun, func() (string, error) {
			return p.Run(runCtx)
		})

		telemetry.RecordOutcome(span, o)
		span.End()

		report.Outcomes = append(report.Outcomes, o)
		s.tel.Metrics.RecordPluginRun(o.Name, o.Status(), o.Duration)
		s.reporter.Outcome(o)
	}
}

// publish hands the cycle to every sink. Sink failures are logged and
// counted only.
func (s *Scheduler) publish(ctx context.Context, report *CycleReport) {
	if len(s.publishers) == 0 {
		return
	}

	payload := sink.FromOutcomes(report.ID, report.Number, report.StartedAt, report.Outcomes, report.LoadFailures)
	for _, p := range s.publishers {
		spanCtx, span := s.tel.Tracer.StartSpan(ctx, "sink.publish", telemetry.AttrSinkName.String(p.Name()))

		_, err := Guard(func() (struct{}, error) {
			return struct{}{}, p.Publish(spanCtx, payload)
		})
		status := "success"
		if err != nil {
			status = "failure"
			s.logger.WithField("sink", p.Name()).WithError(err).Error("failed to publish cycle")
		}
		s.tel.Metrics.RecordSinkPublish(p.Name(), status)
		telemetry.RecordError(span, err)
		span.End()
	}
}
