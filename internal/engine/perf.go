package engine

import (
	"context"
	"encoding/json"
	"slices"

	"energybench/internal/process"
)

// fallbackEvents are sampled when none of the requested events is available.
var fallbackEvents = []string{"cpu-clock", "cycles"}

// perfEvents returns the sampled events, discovering them on first use.
func (e *Engine) perfEvents(ctx context.Context) []string {
	if e.events == nil {
		e.events = DiscoverEvents(ctx, e.runner, e.opts.PerfEvents)
		e.logger.Debug("Perf events", "events", e.events)
	}
	return e.events
}

// DiscoverEvents keeps the requested events that perf reports as available,
// in perf's listing order. It falls back to cpu-clock and cycles when perf
// cannot be queried or nothing matches.
func DiscoverEvents(ctx context.Context, runner process.Runner, requested []string) []string {
	if len(requested) == 0 {
		return slices.Clone(fallbackEvents)
	}

	res, err := runner.Run(ctx, process.Spec{Command: process.New("perf", "list", "--json", "--no-desc")})
	if err != nil {
		return slices.Clone(fallbackEvents)
	}

	var listed []struct {
		EventName string `json:"EventName"`
	}
	if err := json.Unmarshal(res.Stdout, &listed); err != nil {
		return slices.Clone(fallbackEvents)
	}

	var captured []string
	for _, evt := range listed {
		if len(captured) == len(requested) {
			break
		}
		if slices.Contains(requested, evt.EventName) && !slices.Contains(captured, evt.EventName) {
			captured = append(captured, evt.EventName)
		}
	}
	if len(captured) == 0 {
		return slices.Clone(fallbackEvents)
	}
	return captured
}
