package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

type fakeCollector struct {
	typ     string
	delay   time.Duration
	result  contracts.CollectorResult
	panics  bool
}

func (f *fakeCollector) Type() string { return f.typ }

func (f *fakeCollector) Collect(ctx context.Context, evt contracts.IncidentEvent, runID string) contracts.CollectorResult {
	if f.panics {
		panic("boom")
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return f.result
}

func TestFanout_Run_AllSucceed(t *testing.T) {
	collectors := []Collector{
		&fakeCollector{typ: "logs", result: contracts.CollectorResult{CollectorType: "logs"}},
		&fakeCollector{typ: "metrics", result: contracts.CollectorResult{CollectorType: "metrics"}},
	}
	f := NewFanout(collectors, DefaultFanoutConfig(), nil)

	results := f.Run(context.Background(), contracts.IncidentEvent{IncidentID: "inc-1"}, "run-1")
	require.Len(t, results, 2)
	require.Equal(t, "logs", results[0].CollectorType)
	require.Equal(t, "metrics", results[1].CollectorType)
	require.Empty(t, results[0].Error)
}

func TestFanout_Run_OneTimesOutDoesNotBlockOthers(t *testing.T) {
	collectors := []Collector{
		&fakeCollector{typ: "logs", delay: 50 * time.Millisecond, result: contracts.CollectorResult{CollectorType: "logs"}},
		&fakeCollector{typ: "workflow", delay: time.Hour, result: contracts.CollectorResult{CollectorType: "workflow"}},
	}
	f := NewFanout(collectors, FanoutConfig{PerCollectorTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	results := f.Run(context.Background(), contracts.IncidentEvent{IncidentID: "inc-1"}, "run-1")
	elapsed := time.Since(start)

	require.Less(t, elapsed, 500*time.Millisecond)
	require.Equal(t, "timeout", results[1].Cause)
}

func TestFanout_Run_CollectorPanicYieldsFailedResult(t *testing.T) {
	collectors := []Collector{
		&fakeCollector{typ: "metrics", panics: true},
	}
	f := NewFanout(collectors, DefaultFanoutConfig(), nil)

	results := f.Run(context.Background(), contracts.IncidentEvent{IncidentID: "inc-1"}, "run-1")
	require.Len(t, results, 1)
	require.Equal(t, "panic", results[0].Cause)
}
