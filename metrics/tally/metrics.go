package tally

import (
	"github.com/3rs4lg4d0/eventhub/gtbx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ gtbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// OutboxCounters registers the counters of delivered and failed outbox
// records under the "outbox" sub-scope.
func OutboxCounters(scope tally.Scope) (published, failed *Counter) {
	s := scope.SubScope("outbox")
	return &Counter{Counter: s.Counter("published")}, &Counter{Counter: s.Counter("failed")}
}

// NotificationCounters registers the notifier counters under the
// "notifications" sub-scope.
func NotificationCounters(scope tally.Scope) (sent, duplicated, failed *Counter) {
	s := scope.SubScope("notifications")
	return &Counter{Counter: s.Counter("sent")},
		&Counter{Counter: s.Counter("duplicated")},
		&Counter{Counter: s.Counter("failed")}
}
