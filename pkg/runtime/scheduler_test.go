package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pluginmon/pluginmon/pkg/loader"
	"github.com/pluginmon/pluginmon/pkg/plugin"
	"github.com/pluginmon/pluginmon/pkg/sink"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

const (
	weatherUnit = `
def run():
    return "Cloudy"
`
	badUnit = `
def run():
    fail("boom")
`
	nocapUnit = `
def helper():
    return 1
`
	newsUnit = `
def run():
    return "headline"
`
)

func writeUnit(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

// recorder captures reporter events.
type recorder struct {
	mu       sync.Mutex
	events   []string
	outcomes []plugin.Outcome
	cycles   chan *CycleReport
}

func newRecorder() *recorder {
	return &recorder{cycles: make(chan *CycleReport, 100)}
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) Starting(interval time.Duration) { r.add("starting %s", interval) }
func (r *recorder) DirectoryCreated(dir string)     { r.add("created %s", dir) }
func (r *recorder) Loaded(src plugin.Source)        { r.add("loaded %s", src.Name) }
func (r *recorder) LoadFailed(o plugin.Outcome) {
	r.add("load_failed %s %s %s", o.Name, plugin.KindOf(o.Err), plugin.DetailOf(o.Err))
}
func (r *recorder) NoPlugins()                { r.add("no_plugins") }
func (r *recorder) CycleStarted(*CycleReport) { r.add("cycle_started") }
func (r *recorder) ShuttingDown()             { r.add("shutting_down") }
func (r *recorder) CycleFinished(c *CycleReport) {
	r.add("cycle_finished")
	r.cycles <- c
}
func (r *recorder) Outcome(o plugin.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	r.add("outcome %s", o.Name)
}

func (r *recorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func (r *recorder) next(t *testing.T) *CycleReport {
	t.Helper()
	select {
	case c := <-r.cycles:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a cycle")
		return nil
	}
}

func outcomeByName(report *CycleReport, name string) (plugin.Outcome, bool) {
	for _, o := range report.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return plugin.Outcome{}, false
}

func TestRunCycle_MissingDirectoryIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plugins")
	rec := newRecorder()
	s := NewScheduler(Config{Dir: dir}, WithReporter(rec))

	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected plugin directory to exist: %v", err)
	}
	if !report.DirectoryCreated || report.Discovered != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if !rec.has("created "+dir) || !rec.has("no_plugins") {
		t.Errorf("expected directory and no-plugins events, got %v", rec.events)
	}
}

func TestRunCycle_ScenarioA_Success(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "weather.star", weatherUnit)

	s := NewScheduler(Config{Dir: dir}, WithReporter(newRecorder()))
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(report.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(report.Outcomes))
	}
	o := report.Outcomes[0]
	if o.Name != "weather" || !o.OK() || o.Value != "Cloudy" {
		t.Errorf("unexpected outcome %+v", o)
	}
}

func TestRunCycle_ScenarioB_FailureIsIsolated(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "bad.star", badUnit)
	writeUnit(t, dir, "weather.star", weatherUnit)

	s := NewScheduler(Config{Dir: dir}, WithReporter(newRecorder()))
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(report.Outcomes) != 2 {
		t.Fatalf("expected exactly one outcome per unit, got %d", len(report.Outcomes))
	}
	bad, _ := outcomeByName(report, "bad")
	if bad.OK() || !strings.Contains(bad.Message(), "boom") {
		t.Errorf("expected bad to fail with boom, got %+v", bad)
	}
	if !plugin.IsExecutionFailed(bad.Err) {
		t.Errorf("expected ExecutionFailed, got %v", bad.Err)
	}
	weather, _ := outcomeByName(report, "weather")
	if !weather.OK() || weather.Value != "Cloudy" {
		t.Errorf("expected sibling to succeed, got %+v", weather)
	}
	if report.Succeeded() != 1 || report.Failed() != 1 {
		t.Errorf("unexpected counts %d/%d", report.Succeeded(), report.Failed())
	}
}

func TestRunCycle_ScenarioC_MissingCapability(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "nocap.star", nocapUnit)
	writeUnit(t, dir, "weather.star", weatherUnit)

	rec := newRecorder()
	s := NewScheduler(Config{Dir: dir}, WithReporter(rec))

	for cycle := 1; cycle <= 3; cycle++ {
		report, err := s.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: RunCycle failed: %v", cycle, err)
		}

		if len(report.Registered) != 1 || report.Registered[0] != "weather" {
			t.Errorf("cycle %d: expected only weather registered, got %v", cycle, report.Registered)
		}
		if _, found := outcomeByName(report, "nocap"); found {
			t.Errorf("cycle %d: nocap must not produce a run outcome", cycle)
		}
		if len(report.LoadFailures) != 1 || report.LoadFailures[0].Stage != plugin.StageLoad {
			t.Errorf("cycle %d: unexpected load failures %+v", cycle, report.LoadFailures)
		}
	}

	warnings := 0
	rec.mu.Lock()
	for _, e := range rec.events {
		if strings.HasPrefix(e, "load_failed nocap missing_capability") {
			warnings++
		}
	}
	rec.mu.Unlock()
	if warnings != 3 {
		t.Errorf("expected one nocap warning per cycle, got %d in %v", warnings, rec.events)
	}
}

func TestRunCycle_LoadFailureExcludesOnlyThatUnit(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "broken.star", "def run(:\n")
	writeUnit(t, dir, "weather.star", weatherUnit)

	rec := newRecorder()
	s := NewScheduler(Config{Dir: dir}, WithReporter(rec))
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(report.Registered) != 1 || report.Registered[0] != "weather" {
		t.Errorf("expected only weather registered, got %v", report.Registered)
	}
	if !rec.has("load_failed broken load_failed") {
		t.Errorf("expected load failure for broken, got %v", rec.events)
	}
	if len(report.Outcomes) != 1 {
		t.Errorf("expected 1 outcome, got %d", len(report.Outcomes))
	}
}

func TestRunCycle_DeterministicAcrossCycles(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "bad.star", badUnit)
	writeUnit(t, dir, "news.star", newsUnit)
	writeUnit(t, dir, "weather.star", weatherUnit)

	s := NewScheduler(Config{Dir: dir}, WithReporter(newRecorder()))
	summarize := func(r *CycleReport) string {
		var parts []string
		for _, o := range r.Outcomes {
			parts = append(parts, o.Name+"|"+o.Status()+"|"+o.Value+"|"+plugin.DetailOf(o.Err))
		}
		return strings.Join(parts, "\n")
	}

	first, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	second, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if summarize(first) != summarize(second) {
		t.Errorf("cycles differ:\n%s\n---\n%s", summarize(first), summarize(second))
	}
	if first.ID == second.ID || second.Number != first.Number+1 {
		t.Errorf("expected distinct cycle identities, got %s/%d and %s/%d",
			first.ID, first.Number, second.ID, second.Number)
	}
}

func TestRunCycle_DeletedUnitDisappears(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "news.star", newsUnit)
	writeUnit(t, dir, "weather.star", weatherUnit)

	s := NewScheduler(Config{Dir: dir}, WithReporter(newRecorder()))
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "news.star")); err != nil {
		t.Fatal(err)
	}
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(report.Registered) != 1 || report.Registered[0] != "weather" {
		t.Errorf("expected news to be gone, got %v", report.Registered)
	}
}

type stubPlugin struct {
	name string
	run  func() (string, error)
}

func (p *stubPlugin) Name() string                        { return p.name }
func (p *stubPlugin) Run(context.Context) (string, error) { return p.run() }

func stubLoader(runs map[string]func() (string, error)) loader.Loader {
	return loader.LoaderFunc(func(ctx context.Context, src plugin.Source) (plugin.Plugin, error) {
		run, ok := runs[src.Name]
		if !ok {
			return nil, plugin.NewMissingCapabilityError(src.Name, "does not have a run function")
		}
		return &stubPlugin{name: src.Name, run: run}, nil
	})
}

func TestRunCycle_PanicsAreContained(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a.star", "")
	writeUnit(t, dir, "b.star", "")
	writeUnit(t, dir, "c.star", "")

	panicky := loader.LoaderFunc(func(ctx context.Context, src plugin.Source) (plugin.Plugin, error) {
		switch src.Name {
		case "a":
			panic("loader exploded")
		case "b":
			return &stubPlugin{name: "b", run: func() (string, error) { panic("run exploded") }}, nil
		default:
			return &stubPlugin{name: src.Name, run: func() (string, error) { return "ok", nil }}, nil
		}
	})

	s := NewScheduler(Config{Dir: dir}, WithReporter(newRecorder()), WithLoader(panicky))
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(report.LoadFailures) != 1 || !plugin.IsLoadFailed(report.LoadFailures[0].Err) {
		t.Fatalf("expected a LoadFailed for a, got %+v", report.LoadFailures)
	}
	if !strings.Contains(report.LoadFailures[0].Message(), "panic: loader exploded") {
		t.Errorf("unexpected load failure %q", report.LoadFailures[0].Message())
	}
	b, _ := outcomeByName(report, "b")
	if b.OK() || !strings.Contains(b.Message(), "panic: run exploded") {
		t.Errorf("unexpected outcome for b: %+v", b)
	}
	c, _ := outcomeByName(report, "c")
	if !c.OK() {
		t.Errorf("expected c to succeed, got %+v", c)
	}
}

func TestRunCycle_CancellationBetweenInvocations(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a.star", "")
	writeUnit(t, dir, "b.star", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bRan := false
	l := stubLoader(map[string]func() (string, error){
		"a": func() (string, error) {
			cancel()
			return "finished despite cancel", nil
		},
		"b": func() (string, error) {
			bRan = true
			return "", nil
		},
	})

	pub := &recordingPublisher{}
	s := NewScheduler(Config{Dir: dir}, WithReporter(newRecorder()), WithLoader(l), WithPublishers(pub))
	report, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if bRan {
		t.Error("b must not start after cancellation")
	}
	if !report.Interrupted {
		t.Error("expected cycle to be marked interrupted")
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Value != "finished despite cancel" {
		t.Errorf("expected the running unit to finish, got %+v", report.Outcomes)
	}
	if pub.count() != 0 {
		t.Error("interrupted cycles must not be published")
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []*sink.Payload
	err      error
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, payload *sink.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func TestRunCycle_PublishesToSinks(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "bad.star", badUnit)
	writeUnit(t, dir, "nocap.star", nocapUnit)
	writeUnit(t, dir, "weather.star", weatherUnit)

	failing := &recordingPublisher{err: errors.New("remote unreachable")}
	good := &recordingPublisher{}

	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	tel := telemetry.Nop()
	tel.Metrics = metrics

	s := NewScheduler(Config{Dir: dir},
		WithReporter(newRecorder()),
		WithPublishers(failing, good),
		WithTelemetry(tel),
	)
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("a failing sink must not fail the cycle: %v", err)
	}

	if good.count() != 1 {
		t.Fatalf("expected the second sink to still receive the cycle, got %d", good.count())
	}
	payload := good.payloads[0]
	if payload.CycleID != report.ID {
		t.Errorf("payload cycle %s != report %s", payload.CycleID, report.ID)
	}
	doc := payload.Document()
	if doc["weather"] != "Cloudy" {
		t.Errorf("expected weather in document, got %v", doc)
	}
	errs := doc[sink.ErrorsKey].(map[string]string)
	if !strings.Contains(errs["bad"], "boom") || errs["nocap"] == "" {
		t.Errorf("unexpected errors %v", errs)
	}

	count, err := testutil.GatherAndCount(metrics.Registry(), "pluginmon_sink_publish_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected success and failure sink series, got %d", count)
	}
	count, _ = testutil.GatherAndCount(metrics.Registry(), "pluginmon_plugin_runs_total")
	if count != 2 {
		t.Errorf("expected 2 plugin run series, got %d", count)
	}
}

func TestRun_DirectoryErrorIsFatal(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	writeUnit(t, filepath.Dir(file), "not-a-dir", "x")

	s := NewScheduler(Config{Dir: filepath.Join(file, "plugins"), Interval: time.Millisecond},
		WithReporter(newRecorder()))
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail")
	}
	if !plugin.IsDirectoryError(err) {
		t.Errorf("expected DirectoryError, got %v", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", s.State())
	}
}

func TestRun_ScenarioD_NewUnitPickedUp(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "weather.star", weatherUnit)

	rec := newRecorder()
	s := NewScheduler(Config{Dir: dir, Interval: 20 * time.Millisecond}, WithReporter(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := rec.next(t)
	if len(first.Registered) != 1 {
		t.Fatalf("expected 1 registered plugin, got %v", first.Registered)
	}

	writeUnit(t, dir, "news.star", newsUnit)

	deadline := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case c := <-rec.cycles:
			_, found = outcomeByName(c, "news")
		case <-deadline:
			t.Fatal("new unit was never picked up")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if s.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", s.State())
	}
	if !rec.has("shutting_down") || !rec.has("starting 20ms") {
		t.Errorf("expected start and shutdown notices, got %v", rec.events)
	}
}

func TestRun_WakeEndsSleepEarly(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "weather.star", weatherUnit)

	wake := make(chan struct{}, 1)
	rec := newRecorder()
	s := NewScheduler(Config{Dir: dir, Interval: time.Hour}, WithReporter(rec), WithWake(wake))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	rec.next(t)
	wake <- struct{}{}
	second := rec.next(t)
	if second.Number != 2 {
		t.Errorf("expected second cycle, got %d", second.Number)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRun_CancelDuringSleep(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	s := NewScheduler(Config{Dir: dir, Interval: time.Hour}, WithReporter(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	rec.next(t)
	for i := 0; s.State() != StateIdle && i < 500; i++ {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle state while sleeping, got %s", s.State())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not interrupt the sleep")
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(Config{Dir: t.TempDir()})
	if s.Interval() != DefaultInterval {
		t.Errorf("expected default interval, got %s", s.Interval())
	}
	if s.State() != StateRunning {
		t.Errorf("expected initial running state, got %s", s.State())
	}
}

func TestConsoleReporter(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "bad.star", badUnit)
	writeUnit(t, dir, "broken.star", "def run(:\n")
	writeUnit(t, dir, "nocap.star", nocapUnit)
	writeUnit(t, dir, "weather.star", weatherUnit)

	var buf bytes.Buffer
	s := NewScheduler(Config{Dir: dir}, WithReporter(NewConsoleReporter(&buf, true)))
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Successfully loaded plugin: weather",
		"Error loading plugin broken:",
		"Warning: Plugin nocap does not have a run function",
		"Executing plugins:",
		separator,
		"weather: Cloudy",
		"Error executing bad:",
		"boom",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
	if strings.Count(out, separator) != 2 {
		t.Errorf("expected opening and closing separators, got:\n%s", out)
	}

	empty := NewScheduler(Config{Dir: t.TempDir()}, WithReporter(NewConsoleReporter(&buf, false)))
	buf.Reset()
	if _, err := empty.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "No plugins found. Waiting for plugins to be added..." {
		t.Errorf("unexpected empty-cycle output %q", buf.String())
	}
}

func TestMultiReporter(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	m := MultiReporter{a, b}

	m.Starting(time.Second)
	m.Outcome(plugin.Outcome{Name: "x"})
	m.ShuttingDown()

	for _, r := range []*recorder{a, b} {
		if !r.has("starting 1s") || !r.has("outcome x") || !r.has("shutting_down") {
			t.Errorf("expected every event forwarded, got %v", r.events)
		}
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := telemetry.DefaultConfig().Logging
	cfg.Format = "json"
	r := NewLogReporter(telemetry.NewLoggerWithWriter(cfg, &buf))

	r.Outcome(plugin.Outcome{Name: "weather", Stage: plugin.StageRun, Value: "Cloudy"})
	r.LoadFailed(plugin.Outcome{Name: "nocap", Err: plugin.NewMissingCapabilityError("nocap", "does not have a run function")})

	out := buf.String()
	for _, want := range []string{`"plugin":"weather"`, `"value":"Cloudy"`, `"plugin":"nocap"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %s, got %s", want, out)
		}
	}
}
