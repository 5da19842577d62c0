package tally

import (
	"time"

	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
)

// LogReporter is a tally.StatsReporter that writes every reported value to
// a zerolog logger at debug level. Counters are reported as deltas.
type LogReporter struct {
	logger zerolog.Logger
}

var _ tally.StatsReporter = (*LogReporter)(nil)

func NewLogReporter(l zerolog.Logger) *LogReporter {
	return &LogReporter{logger: l.With().Str("component", "metrics").Logger()}
}

func (r *LogReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *LogReporter) Reporting() bool { return true }

func (r *LogReporter) Tagging() bool { return false }

func (r *LogReporter) Flush() {}

func (r *LogReporter) ReportCounter(name string, _ map[string]string, value int64) {
	r.logger.Debug().Str("metric", name).Int64("delta", value).Msg("counter")
}

func (r *LogReporter) ReportGauge(name string, _ map[string]string, value float64) {
	r.logger.Debug().Str("metric", name).Float64("value", value).Msg("gauge")
}

func (r *LogReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	r.logger.Debug().Str("metric", name).Dur("value", interval).Msg("timer")
}

func (r *LogReporter) ReportHistogramValueSamples(name string, _ map[string]string, _ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64, samples int64) {
	r.logger.Debug().Str("metric", name).Float64("lower", bucketLowerBound).
		Float64("upper", bucketUpperBound).Int64("samples", samples).Msg("histogram")
}

func (r *LogReporter) ReportHistogramDurationSamples(name string, _ map[string]string, _ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration, samples int64) {
	r.logger.Debug().Str("metric", name).Dur("lower", bucketLowerBound).
		Dur("upper", bucketUpperBound).Int64("samples", samples).Msg("histogram")
}
