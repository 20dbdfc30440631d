package collectors

import (
	"context"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/evidence"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// MetricPoint is one (timestamp, value) sample of a time series.
type MetricPoint struct {
	TimestampUnix int64   `json:"ts"`
	Value         float64 `json:"value"`
}

// MetricsBackend is the narrow capability the metrics collector depends on.
type MetricsBackend interface {
	// FetchSeries returns points for one query at the given period (seconds),
	// paginating internally; nextPage reports whether more pages exist
	// beyond what FetchSeries chose to return for this call.
	FetchSeries(ctx context.Context, hint contracts.MetricQueryHint, window contracts.TimeWindow, periodSeconds int) (points []MetricPoint, truncatedByPaging bool, err error)
}

const (
	maxQueries       = 20  // Q
	maxPointsPerSeries = 500 // P
)

var periodBuckets = []int{60, 300, 900, 3600, 21600, 86400}

// SelectPeriod picks the smallest bucketed period that keeps the series
// near 300 points across span, rounding up so a window that isn't an exact
// multiple of 300 points still gets a period wide enough to cover it.
func SelectPeriod(spanSeconds int) int {
	target := (spanSeconds + 299) / 300
	if target < 1 {
		target = 1
	}
	for _, b := range periodBuckets {
		if b >= target {
			return b
		}
	}
	return periodBuckets[len(periodBuckets)-1]
}

// MetricsCollector fetches up to Q bounded time series over the incident
// window.
type MetricsCollector struct {
	backend     MetricsBackend
	objectStore *store.ObjectStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	budget      evidence.Budget
}

// NewMetricsCollector builds a MetricsCollector.
func NewMetricsCollector(backend MetricsBackend, objectStore *store.ObjectStore, bus *events.Bus, metrics *obstrace.Metrics) *MetricsCollector {
	return &MetricsCollector{backend: backend, objectStore: objectStore, bus: bus, metrics: metrics, budget: evidence.DefaultBudget()}
}

// Type implements pipeline.Collector.
func (c *MetricsCollector) Type() string { return "metrics" }

// Collect implements pipeline.Collector.
func (c *MetricsCollector) Collect(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string) contracts.CollectorResult {
	if len(evt.Hints.MetricQueries) == 0 {
		return skipped(c.Type())
	}

	queries := evt.Hints.MetricQueries
	queryTruncated := false
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
		queryTruncated = true
	}

	period := SelectPeriod(int(evt.TimeWindow.End.Sub(evt.TimeWindow.Start).Seconds()))

	blob := newBlob(c.Type(), evt, collectorRunID)
	pointTruncated := false

	for _, q := range queries {
		points, pagedTruncated, err := c.backend.FetchSeries(ctx, q, evt.TimeWindow, period)
		if err != nil {
			return contracts.CollectorResult{CollectorType: c.Type(), Error: "fetch series failed", Cause: err.Error()}
		}
		if pagedTruncated {
			pointTruncated = true
		}
		if len(points) > maxPointsPerSeries {
			points = points[:maxPointsPerSeries]
			pointTruncated = true
		}

		rows := make([]interface{}, len(points))
		for i, p := range points {
			rows[i] = p
		}

		blob.Sections = append(blob.Sections, contracts.EvidenceSection{
			Name:  seriesName(q),
			Rows:  rows,
			Extra: summarize(points),
		})
	}

	blob.Truncated = queryTruncated || pointTruncated

	if err := c.budget.HalveUntilFits(blob); err != nil {
		return contracts.CollectorResult{CollectorType: c.Type(), Error: "failed to enforce size budget", Cause: err.Error()}
	}

	key := store.EvidenceKey(evt.IncidentID, collectorRunID, c.Type())
	return writeEvidence(ctx, c.objectStore, c.bus, c.metrics, blob, key, evt)
}

func seriesName(hint contracts.MetricQueryHint) string {
	return hint.Namespace + "/" + hint.MetricName
}

// seriesSummary is the {min,max,avg,count} computed on the kept points.
type seriesSummary struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

func summarize(points []MetricPoint) seriesSummary {
	if len(points) == 0 {
		return seriesSummary{}
	}
	s := seriesSummary{Min: points[0].Value, Max: points[0].Value, Count: len(points)}
	var sum float64
	for _, p := range points {
		if p.Value < s.Min {
			s.Min = p.Value
		}
		if p.Value > s.Max {
			s.Max = p.Value
		}
		sum += p.Value
	}
	s.Avg = sum / float64(len(points))
	return s
}
