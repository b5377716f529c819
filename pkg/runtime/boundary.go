package runtime

import (
	"fmt"
	"time"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// Isolate invokes fn for the named unit and converts whatever happens into
// an Outcome. It never panics and never returns an error: a returned error
// or a recovered panic becomes a failure Outcome.
//
// Errors that are not already classified are wrapped as LoadFailed for the
// load stage and ExecutionFailed for the run stage.
func Isolate(name string, stage plugin.Stage, fn func() (string, error)) (out plugin.Outcome) {
	out = plugin.Outcome{Name: name, Stage: stage}
	start := time.Now()

	value, err := Guard(fn)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = classify(name, stage, err)
		return out
	}
	out.Value = value
	return out
}

// Guard calls fn and turns a panic into an error formatted as
// "panic: <value>".
func Guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func classify(name string, stage plugin.Stage, err error) error {
	if plugin.KindOf(err) != "" {
		return err
	}
	if stage == plugin.StageLoad {
		return plugin.NewLoadFailedError(name, err)
	}
	return plugin.NewExecutionFailedError(name, err)
}
