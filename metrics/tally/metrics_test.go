package tally

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/3rs4lg4d0/eventhub/test"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
)

func TestInc(t *testing.T) {
	chann := make(chan int64, 1)
	counter := &Counter{Counter: &test.MockedTallyCounter{
		Output: chann,
	}}
	type args struct {
		delta int64
	}
	testcases := []struct {
		name         string
		args         args
		wantCtrValue int64
	}{
		{
			name: "increase 1",
			args: args{
				delta: 1,
			},
			wantCtrValue: 1,
		},
		{
			name: "increase 5",
			args: args{
				delta: 5,
			},
			wantCtrValue: 6,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			counter.Inc(tc.args.delta)
			internalValue := <-chann
			assert.Equal(t, tc.wantCtrValue, internalValue)
		})
	}
}

func TestScopedCounters(t *testing.T) {
	scope := tally.NewTestScope("eventhub", nil)
	published, failed := OutboxCounters(scope)
	sent, duplicated, notifyFailed := NotificationCounters(scope)

	published.Inc(3)
	failed.Inc(1)
	sent.Inc(2)
	duplicated.Inc(1)
	notifyFailed.Inc(4)

	counters := scope.Snapshot().Counters()
	testcases := []struct {
		name      string
		key       string
		wantValue int64
	}{
		{name: "outbox published", key: "eventhub.outbox.published+", wantValue: 3},
		{name: "outbox failed", key: "eventhub.outbox.failed+", wantValue: 1},
		{name: "notifications sent", key: "eventhub.notifications.sent+", wantValue: 2},
		{name: "notifications duplicated", key: "eventhub.notifications.duplicated+", wantValue: 1},
		{name: "notifications failed", key: "eventhub.notifications.failed+", wantValue: 4},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok := counters[tc.key]
			if assert.True(t, ok, "counter %s not registered", tc.key) {
				assert.Equal(t, tc.wantValue, c.Value())
			}
		})
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(zerolog.New(&buf).Level(zerolog.DebugLevel))
	assert.True(t, r.Capabilities().Reporting())
	assert.False(t, r.Capabilities().Tagging())

	r.ReportCounter("eventhub.outbox.published", nil, 4)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "counter", entry["message"])
	assert.Equal(t, "metrics", entry["component"])
	assert.Equal(t, "eventhub.outbox.published", entry["metric"])
	assert.Equal(t, float64(4), entry["delta"])
}
