package tally

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	tally "github.com/uber-go/tally/v4"
)

// LogReporter is a tally.StatsReporter writing every reported value to a
// gtbx.Logger at debug level. Useful when no metrics backend is available.
type LogReporter struct {
	logger gtbx.Logger
}

var _ tally.StatsReporter = (*LogReporter)(nil)

func NewLogReporter(l gtbx.Logger) *LogReporter {
	if l == nil {
		l = &gtbx.NopLogger{}
	}
	return &LogReporter{logger: l}
}

func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.logger.Debug(fmt.Sprintf("metric counter %s%s %d", name, formatTags(tags), value))
}

func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Debug(fmt.Sprintf("metric gauge %s%s %g", name, formatTags(tags), value))
}

func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Debug(fmt.Sprintf("metric timer %s%s %s", name, formatTags(tags), interval))
}

func (r *LogReporter) ReportHistogramValueSamples(name string, tags map[string]string, _ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64, samples int64) {
	r.logger.Debug(fmt.Sprintf("metric histogram %s%s [%g, %g) %d", name, formatTags(tags), bucketLowerBound, bucketUpperBound, samples))
}

func (r *LogReporter) ReportHistogramDurationSamples(name string, tags map[string]string, _ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration, samples int64) {
	r.logger.Debug(fmt.Sprintf("metric histogram %s%s [%s, %s) %d", name, formatTags(tags), bucketLowerBound, bucketUpperBound, samples))
}

func (r *LogReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *LogReporter) Reporting() bool {
	return true
}

func (r *LogReporter) Tagging() bool {
	return true
}

func (r *LogReporter) Flush() {}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
