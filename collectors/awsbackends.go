package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// CloudWatchLogsBackend implements LogsBackend against CloudWatch Logs
// Insights.
type CloudWatchLogsBackend struct {
	client *cloudwatchlogs.Client
}

// NewCloudWatchLogsBackend builds a CloudWatchLogsBackend.
func NewCloudWatchLogsBackend(client *cloudwatchlogs.Client) *CloudWatchLogsBackend {
	return &CloudWatchLogsBackend{client: client}
}

// StartQuery implements LogsBackend.
func (b *CloudWatchLogsBackend) StartQuery(ctx context.Context, logGroups []string, window contracts.TimeWindow, query string) (string, error) {
	out, err := b.client.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupNames: logGroups,
		StartTime:     aws.Int64(window.Start.Unix()),
		EndTime:       aws.Int64(window.End.Unix()),
		QueryString:   aws.String(query),
	})
	if err != nil {
		return "", fmt.Errorf("start query: %w", err)
	}
	return aws.ToString(out.QueryId), nil
}

// PollQuery implements LogsBackend.
func (b *CloudWatchLogsBackend) PollQuery(ctx context.Context, queryID string) (LogsQueryStatus, []map[string]interface{}, error) {
	out, err := b.client.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{QueryId: aws.String(queryID)})
	if err != nil {
		return "", nil, fmt.Errorf("get query results: %w", err)
	}
	status := mapQueryStatus(out.Status)
	if status != LogsComplete {
		return status, nil, nil
	}
	rows := make([]map[string]interface{}, 0, len(out.Results))
	for _, fields := range out.Results {
		row := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			row[aws.ToString(f.Field)] = aws.ToString(f.Value)
		}
		rows = append(rows, row)
	}
	return status, rows, nil
}

func mapQueryStatus(s cwltypes.QueryStatus) LogsQueryStatus {
	switch s {
	case cwltypes.QueryStatusComplete:
		return LogsComplete
	case cwltypes.QueryStatusFailed:
		return LogsFailed
	case cwltypes.QueryStatusCancelled:
		return LogsCancelled
	case cwltypes.QueryStatusTimeout:
		return LogsTimeout
	default:
		return LogsRunning
	}
}

// CloudWatchMetricsBackend implements MetricsBackend against CloudWatch
// GetMetricData.
type CloudWatchMetricsBackend struct {
	client *cloudwatch.Client
}

// NewCloudWatchMetricsBackend builds a CloudWatchMetricsBackend.
func NewCloudWatchMetricsBackend(client *cloudwatch.Client) *CloudWatchMetricsBackend {
	return &CloudWatchMetricsBackend{client: client}
}

// FetchSeries implements MetricsBackend.
func (b *CloudWatchMetricsBackend) FetchSeries(ctx context.Context, hint contracts.MetricQueryHint, window contracts.TimeWindow, periodSeconds int) ([]MetricPoint, bool, error) {
	out, err := b.client.GetMetricData(ctx, &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(window.Start),
		EndTime:   aws.Time(window.End),
		MetricDataQueries: []cwtypes.MetricDataQuery{
			{
				Id: aws.String("m1"),
				MetricStat: &cwtypes.MetricStat{
					Metric: &cwtypes.Metric{
						Namespace:  aws.String(hint.Namespace),
						MetricName: aws.String(hint.MetricName),
					},
					Period: aws.Int32(int32(periodSeconds)),
					Stat:   aws.String("Average"),
				},
			},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("get metric data: %w", err)
	}
	if len(out.MetricDataResults) == 0 {
		return nil, false, nil
	}
	result := out.MetricDataResults[0]
	points := make([]MetricPoint, 0, len(result.Values))
	for i, v := range result.Values {
		ts := window.Start
		if i < len(result.Timestamps) {
			ts = result.Timestamps[i]
		}
		points = append(points, MetricPoint{TimestampUnix: ts.Unix(), Value: v})
	}
	truncated := len(points) > maxPointsPerSeries
	if truncated {
		points = points[:maxPointsPerSeries]
	}
	return points, truncated, nil
}

// StepFunctionsBackend implements WorkflowBackend against AWS Step
// Functions.
type StepFunctionsBackend struct {
	client *sfn.Client
}

// NewStepFunctionsBackend builds a StepFunctionsBackend.
func NewStepFunctionsBackend(client *sfn.Client) *StepFunctionsBackend {
	return &StepFunctionsBackend{client: client}
}

// DescribeExecution implements WorkflowBackend.
func (b *StepFunctionsBackend) DescribeExecution(ctx context.Context, arn string, historyTail int) (Execution, error) {
	desc, err := b.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{ExecutionArn: aws.String(arn)})
	if err != nil {
		return Execution{}, fmt.Errorf("describe execution: %w", err)
	}
	hist, err := b.client.GetExecutionHistory(ctx, &sfn.GetExecutionHistoryInput{
		ExecutionArn: aws.String(arn),
		ReverseOrder: true,
		MaxResults:   int32(historyTail),
	})
	if err != nil {
		return Execution{}, fmt.Errorf("get execution history: %w", err)
	}
	events := make([]HistoryEvent, 0, len(hist.Events))
	for _, e := range hist.Events {
		events = append(events, HistoryEvent{
			Type:      string(e.Type),
			Timestamp: aws.ToTime(e.Timestamp),
		})
	}
	return Execution{
		ARN:       arn,
		Status:    mapExecutionStatus(desc.Status),
		StartDate: aws.ToTime(desc.StartDate),
		Error:     aws.ToString(desc.Error),
		Cause:     aws.ToString(desc.Cause),
		History:   events,
	}, nil
}

// ListExecutions implements WorkflowBackend.
func (b *StepFunctionsBackend) ListExecutions(ctx context.Context, stateMachineARN string, statuses []ExecutionStatus, after time.Time) ([]Execution, error) {
	wanted := ExecFailed
	if len(statuses) > 0 {
		wanted = statuses[0]
	}
	out, err := b.client.ListExecutions(ctx, &sfn.ListExecutionsInput{
		StateMachineArn: aws.String(stateMachineARN),
		StatusFilter:    mapStatusFilter(wanted),
		MaxResults:      int32(failedExecutionsCap),
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	execs := make([]Execution, 0, len(out.Executions))
	for _, e := range out.Executions {
		start := aws.ToTime(e.StartDate)
		if start.Before(after) {
			continue
		}
		execs = append(execs, Execution{
			ARN:       aws.ToString(e.ExecutionArn),
			Status:    mapExecutionStatus(e.Status),
			StartDate: start,
		})
	}
	return execs, nil
}

func mapExecutionStatus(s sfntypes.ExecutionStatus) ExecutionStatus {
	switch s {
	case sfntypes.ExecutionStatusSucceeded:
		return ExecSucceeded
	case sfntypes.ExecutionStatusFailed:
		return ExecFailed
	case sfntypes.ExecutionStatusTimedOut:
		return ExecTimedOut
	case sfntypes.ExecutionStatusAborted:
		return ExecAborted
	default:
		return ExecRunning
	}
}

func mapStatusFilter(s ExecutionStatus) sfntypes.ExecutionStatus {
	switch s {
	case ExecSucceeded:
		return sfntypes.ExecutionStatusSucceeded
	case ExecTimedOut:
		return sfntypes.ExecutionStatusTimedOut
	case ExecAborted:
		return sfntypes.ExecutionStatusAborted
	default:
		return sfntypes.ExecutionStatusFailed
	}
}
