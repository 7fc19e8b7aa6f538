package watcher

import (
	"context"
	"time"
)

// DefaultPollInterval is used when PollEngine is created with a zero
// interval.
const DefaultPollInterval = 5 * time.Second

// PollEngine asks the server for every watched revision on a fixed
// interval. The first round runs as soon as a generation starts.
type PollEngine struct {
	*engineCore
	interval time.Duration
}

var _ Engine = (*PollEngine)(nil)

// NewPollEngine creates a poll engine. It starts polling once a database
// is added.
func NewPollEngine(opts EngineOptions, interval time.Duration) *PollEngine {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	e := &PollEngine{engineCore: newEngineCore("poll", opts), interval: interval}
	e.run = e.loop
	return e
}

func (e *PollEngine) loop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.updateRevisions(ctx, gen); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(gen, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
