package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ gtbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Counters are the dispatcher counters, registered under the "outbox" sub
// scope.
type Counters struct {
	Sent         *Counter
	Failed       *Counter
	DeadLettered *Counter
}

func NewCounters(scope tally.Scope) Counters {
	s := scope.SubScope("outbox")
	return Counters{
		Sent:         &Counter{Counter: s.Counter("sent")},
		Failed:       &Counter{Counter: s.Counter("failed")},
		DeadLettered: &Counter{Counter: s.Counter("dead_lettered")},
	}
}

// StatsFunc returns the number of outbox records per status.
type StatsFunc func(ctx context.Context) (map[gtbx.Status]int64, error)

// ReportBacklog updates the "outbox.records" gauge, tagged by status, every
// interval until ctx is done.
func ReportBacklog(ctx context.Context, scope tally.Scope, interval time.Duration, stats StatsFunc, logger gtbx.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		updateBacklog(ctx, scope, stats, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateBacklog(ctx context.Context, scope tally.Scope, stats StatsFunc, logger gtbx.Logger) {
	counts, err := stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("when trying to count the outbox records", err)
		}
		return
	}
	for _, s := range []gtbx.Status{gtbx.StatusPending, gtbx.StatusSent, gtbx.StatusFailed} {
		scope.SubScope("outbox").Tagged(map[string]string{"status": string(s)}).Gauge("records").Update(float64(counts[s]))
	}
	logger.Debug(fmt.Sprintf("outbox backlog: %d pending, %d failed", counts[gtbx.StatusPending], counts[gtbx.StatusFailed]))
}
