package collectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

func testObjectStore() *store.ObjectStore {
	return store.NewObjectStore(store.NewMockS3Client(), "test-bucket")
}

type fakeLogsBackend struct {
	rows []map[string]interface{}
}

func (f *fakeLogsBackend) StartQuery(ctx context.Context, logGroups []string, window contracts.TimeWindow, query string) (string, error) {
	return "q-1", nil
}

func (f *fakeLogsBackend) PollQuery(ctx context.Context, queryID string) (LogsQueryStatus, []map[string]interface{}, error) {
	return LogsComplete, f.rows, nil
}

func TestLogsCollector_Skipped_NoHints(t *testing.T) {
	c := NewLogsCollector(&fakeLogsBackend{}, testObjectStore(), nil, nil)
	result := c.Collect(context.Background(), contracts.IncidentEvent{}, "run-1")
	require.True(t, result.Skipped)
}

func TestLogsCollector_WritesEvidenceRef(t *testing.T) {
	backend := &fakeLogsBackend{rows: []map[string]interface{}{{"message": "boom", "password=hunter2": "x"}}}
	c := NewLogsCollector(backend, testObjectStore(), nil, nil)
	evt := contracts.IncidentEvent{
		IncidentID: "inc-1",
		TimeWindow: contracts.TimeWindow{Start: time.Now().Add(-10 * time.Minute), End: time.Now()},
		Hints:      contracts.Hints{LogGroups: []string{"/aws/lambda/loggen"}},
	}
	result := c.Collect(context.Background(), evt, "run-1")
	require.False(t, result.Skipped)
	require.Empty(t, result.Error)
	require.NotNil(t, result.EvidenceRef)
	require.Equal(t, "logs", result.EvidenceRef.CollectorType)
}

type fakeMetricsBackend struct {
	points []MetricPoint
}

func (f *fakeMetricsBackend) FetchSeries(ctx context.Context, hint contracts.MetricQueryHint, window contracts.TimeWindow, period int) ([]MetricPoint, bool, error) {
	return f.points, false, nil
}

func TestMetricsCollector_Skipped_NoQueries(t *testing.T) {
	c := NewMetricsCollector(&fakeMetricsBackend{}, testObjectStore(), nil, nil)
	result := c.Collect(context.Background(), contracts.IncidentEvent{}, "run-1")
	require.True(t, result.Skipped)
}

func TestMetricsCollector_WritesEvidenceRef(t *testing.T) {
	points := make([]MetricPoint, 10)
	for i := range points {
		points[i] = MetricPoint{TimestampUnix: int64(i), Value: float64(i)}
	}
	backend := &fakeMetricsBackend{points: points}
	c := NewMetricsCollector(backend, testObjectStore(), nil, nil)
	evt := contracts.IncidentEvent{
		IncidentID: "inc-1",
		TimeWindow: contracts.TimeWindow{Start: time.Now().Add(-5 * time.Minute), End: time.Now()},
		Hints:      contracts.Hints{MetricQueries: []contracts.MetricQueryHint{{Namespace: "AWS/Lambda", MetricName: "Errors"}}},
	}
	result := c.Collect(context.Background(), evt, "run-1")
	require.False(t, result.Skipped)
	require.NotNil(t, result.EvidenceRef)
}

func TestSelectPeriod_Boundaries(t *testing.T) {
	require.Equal(t, 60, SelectPeriod(5*60))
	require.GreaterOrEqual(t, SelectPeriod(24*60*60), 300)
}

type fakeWorkflowBackend struct {
	own   Execution
	peers map[string][]Execution
}

func (f *fakeWorkflowBackend) DescribeExecution(ctx context.Context, arn string, historyTail int) (Execution, error) {
	return f.own, nil
}

func (f *fakeWorkflowBackend) ListExecutions(ctx context.Context, stateMachineARN string, statuses []ExecutionStatus, after time.Time) ([]Execution, error) {
	return f.peers[stateMachineARN], nil
}

func TestWorkflowCollector_Skipped_NoARNs(t *testing.T) {
	c := NewWorkflowCollector(&fakeWorkflowBackend{}, testObjectStore(), nil, nil)
	result := c.Collect(context.Background(), contracts.IncidentEvent{}, "run-1")
	require.True(t, result.Skipped)
}

func TestWorkflowCollector_RunningDoesNotFlagInData(t *testing.T) {
	backend := &fakeWorkflowBackend{own: Execution{ARN: "arn:own", Status: ExecRunning}}
	c := NewWorkflowCollector(backend, testObjectStore(), nil, nil)
	evt := contracts.IncidentEvent{
		IncidentID: "inc-1",
		TimeWindow: contracts.TimeWindow{Start: time.Now().Add(-10 * time.Minute), End: time.Now()},
		Hints:      contracts.Hints{WorkflowARNs: []string{"arn:own"}},
	}
	result := c.Collect(context.Background(), evt, "run-1")
	require.False(t, result.Skipped)
	require.NotNil(t, result.EvidenceRef)
}

func TestLastFailedState_WalksNewestFirst(t *testing.T) {
	history := []HistoryEvent{
		{Type: "TaskStateEntered", StateName: "Validate"},
		{Type: "TaskStateEntered", StateName: "Process"},
		{Type: "TaskFailed"},
	}
	require.Equal(t, "Process", lastFailedState(history))
}
