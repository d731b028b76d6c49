package main

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/nugget/tether/internal/events"
)

// traceBuffer is sized for one busy model turn. Events beyond it are
// dropped and counted rather than slowing the conversation.
const traceBuffer = 256

// traceEvents logs every bus event at debug level until the returned
// stop function is called. stop waits for the backlog to drain.
func traceEvents(bus *events.Bus, logger *slog.Logger) (stop func()) {
	sub := bus.Subscribe(traceBuffer)
	logger = logger.With("component", "trace")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C {
			logger.Debug("event", eventAttrs(e)...)
		}
	}()

	return func() {
		sub.Close()
		<-done
		if n := sub.Dropped(); n > 0 {
			logger.Warn("trace dropped events", "count", n)
		}
	}
}

// eventAttrs flattens an event into log attributes, data keys sorted
// so lines are stable.
func eventAttrs(e events.Event) []any {
	attrs := make([]any, 0, 4+2*len(e.Data))
	attrs = append(attrs, "source", e.Source, "kind", e.Kind)
	for _, k := range slices.Sorted(maps.Keys(e.Data)) {
		attrs = append(attrs, k, e.Data[k])
	}
	return attrs
}
