package sink

import (
	"context"
	"fmt"

	"github.com/pluginmon/pluginmon/pkg/plugin"
	"github.com/pluginmon/pluginmon/pkg/stores"
)

// StatusStore is the part of stores.Store used by StorePublisher.
type StatusStore interface {
	ReplacePluginStatus(ctx context.Context, statuses []*stores.PluginStatus) error
}

// StorePublisher records the latest outcome of every plugin in a store. Rows
// for plugins that no longer exist are removed.
type StorePublisher struct {
	store StatusStore
}

// NewStorePublisher creates a StorePublisher.
func NewStorePublisher(store StatusStore) *StorePublisher {
	return &StorePublisher{store: store}
}

// Name implements Publisher.
func (p *StorePublisher) Name() string {
	return "sqlite"
}

// Publish implements Publisher.
func (p *StorePublisher) Publish(ctx context.Context, payload *Payload) error {
	if err := p.store.ReplacePluginStatus(ctx, Statuses(payload)); err != nil {
		return fmt.Errorf("sqlite sink: %w", err)
	}
	return nil
}

// Statuses converts a payload into one status row per plugin. A run outcome
// takes precedence over a load failure for the same name.
func Statuses(payload *Payload) []*stores.PluginStatus {
	byName := make(map[string]*stores.PluginStatus)
	var order []string

	add := func(o plugin.Outcome) {
		if _, seen := byName[o.Name]; !seen {
			order = append(order, o.Name)
		}
		byName[o.Name] = toStatus(payload, o)
	}
	for _, o := range payload.LoadFailures {
		add(o)
	}
	for _, o := range payload.Outcomes {
		add(o)
	}

	out := make([]*stores.PluginStatus, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

func toStatus(payload *Payload, o plugin.Outcome) *stores.PluginStatus {
	s := &stores.PluginStatus{
		Name:       o.Name,
		Status:     stores.PluginStatusValue(o.Status()),
		Stage:      string(o.Stage),
		DurationMS: o.Duration.Milliseconds(),
		CycleID:    payload.CycleID,
		UpdatedAt:  payload.GeneratedAt,
	}
	if o.OK() {
		value := o.Value
		s.Value = &value
	} else {
		msg := plugin.DetailOf(o.Err)
		s.Error = &msg
	}
	return s
}
