package collectors

import (
	"context"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/evidence"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// LogsQueryStatus mirrors the analytic-query backend's lifecycle states.
type LogsQueryStatus string

const (
	LogsComplete  LogsQueryStatus = "Complete"
	LogsFailed    LogsQueryStatus = "Failed"
	LogsCancelled LogsQueryStatus = "Cancelled"
	LogsTimeout   LogsQueryStatus = "Timeout"
	LogsRunning   LogsQueryStatus = "Running"
)

// LogsBackend is the narrow capability the logs collector depends on: start
// an analytic query and poll it for completion.
type LogsBackend interface {
	StartQuery(ctx context.Context, logGroups []string, window contracts.TimeWindow, query string) (queryID string, err error)
	PollQuery(ctx context.Context, queryID string) (status LogsQueryStatus, rows []map[string]interface{}, err error)
}

const (
	recentErrorsCap  = 50 // R1
	topSignaturesCap = 20 // R2
	pollInterval     = time.Second
	pollDeadline     = 30 * time.Second // D_poll
)

// LogsCollector runs the two fixed analytic queries over the incident's log
// groups.
type LogsCollector struct {
	backend     LogsBackend
	objectStore *store.ObjectStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	budget      evidence.Budget
}

// NewLogsCollector builds a LogsCollector.
func NewLogsCollector(backend LogsBackend, objectStore *store.ObjectStore, bus *events.Bus, metrics *obstrace.Metrics) *LogsCollector {
	return &LogsCollector{backend: backend, objectStore: objectStore, bus: bus, metrics: metrics, budget: evidence.DefaultBudget()}
}

// Type implements pipeline.Collector.
func (c *LogsCollector) Type() string { return "logs" }

// Collect implements pipeline.Collector.
func (c *LogsCollector) Collect(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string) contracts.CollectorResult {
	if len(evt.Hints.LogGroups) == 0 {
		return skipped(c.Type())
	}

	recent, err := c.runQuery(ctx, evt, recentQuery, recentErrorsCap)
	if err != nil {
		return contracts.CollectorResult{CollectorType: c.Type(), Error: "recent errors query failed", Cause: err.Error()}
	}
	signatures, err := c.runQuery(ctx, evt, signaturesQuery, topSignaturesCap)
	if err != nil {
		return contracts.CollectorResult{CollectorType: c.Type(), Error: "top signatures query failed", Cause: err.Error()}
	}

	blob := newBlob(c.Type(), evt, collectorRunID)
	blob.Sections = []contracts.EvidenceSection{
		{Name: "recent_errors", Rows: rowsToInterfaces(recent)},
		{Name: "top_signatures", Rows: rowsToInterfaces(signatures)},
	}

	if err := c.budget.EnforceWithDrop(blob); err != nil {
		return contracts.CollectorResult{CollectorType: c.Type(), Error: "failed to enforce size budget", Cause: err.Error()}
	}

	key := store.EvidenceKey(evt.IncidentID, collectorRunID, c.Type())
	return writeEvidence(ctx, c.objectStore, c.bus, c.metrics, blob, key, evt)
}

const recentQuery = "fields @timestamp, @message | filter @message like /(?i)error|exception|fail/ | sort @timestamp desc"
const signaturesQuery = "fields @message | filter @message like /(?i)error|exception|fail/ | stats count(*) as count by @message | sort count desc"

func (c *LogsCollector) runQuery(ctx context.Context, evt contracts.IncidentEvent, query string, limit int) ([]map[string]interface{}, error) {
	queryID, err := c.backend.StartQuery(ctx, evt.Hints.LogGroups, evt.TimeWindow, query)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(pollDeadline)
	for {
		status, rows, err := c.backend.PollQuery(ctx, queryID)
		if err != nil {
			return nil, err
		}
		switch status {
		case LogsComplete:
			if len(rows) > limit {
				rows = rows[:limit]
			}
			return rows, nil
		case LogsFailed, LogsCancelled, LogsTimeout:
			return nil, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
