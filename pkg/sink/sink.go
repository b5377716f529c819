// Package sink publishes each cycle's outcomes to downstream consumers.
//
// Sinks run after every unit of a cycle has been invoked. A sink failure is
// reported by the scheduler and never stops it.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

const (
	// ErrorsKey holds failure messages keyed by plugin name in a Document.
	ErrorsKey = "_errors"

	// GeneratedAtKey holds the cycle time in a Document.
	GeneratedAtKey = "_generated_at"
)

// Publisher delivers a cycle's payload somewhere.
type Publisher interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Publish delivers the payload.
	Publish(ctx context.Context, p *Payload) error
}

// Payload is everything a sink may publish about one cycle.
type Payload struct {
	CycleID     string
	Cycle       int
	GeneratedAt time.Time

	// Outcomes are the run outcomes, in invocation order.
	Outcomes []plugin.Outcome

	// LoadFailures are the units excluded from the registry.
	LoadFailures []plugin.Outcome
}

// FromOutcomes builds a Payload for a cycle.
func FromOutcomes(cycleID string, cycle int, at time.Time, outcomes, loadFailures []plugin.Outcome) *Payload {
	return &Payload{
		CycleID:      cycleID,
		Cycle:        cycle,
		GeneratedAt:  at,
		Outcomes:     outcomes,
		LoadFailures: loadFailures,
	}
}

// Document flattens the payload into the published JSON shape: every
// successful plugin maps to its value, failures are collected under
// "_errors" and the cycle time under "_generated_at".
func (p *Payload) Document() map[string]any {
	doc := make(map[string]any, len(p.Outcomes)+2)
	errs := make(map[string]string)

	for _, o := range p.LoadFailures {
		errs[o.Name] = plugin.DetailOf(o.Err)
	}
	for _, o := range p.Outcomes {
		if o.OK() {
			doc[o.Name] = o.Value
			delete(errs, o.Name)
			continue
		}
		errs[o.Name] = plugin.DetailOf(o.Err)
	}

	if len(errs) > 0 {
		doc[ErrorsKey] = errs
	}
	doc[GeneratedAtKey] = p.GeneratedAt.UTC().Format(time.RFC3339)
	return doc
}

// MarshalIndent renders the Document as indented JSON.
func (p *Payload) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(p.Document(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
