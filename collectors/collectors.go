// Package collectors implements the three evidence-gathering backends —
// logs, metrics, workflow — each a pure step: given an incident event and
// a collector_run_id, query one backend over the event's time window and
// write one budgeted, redacted, content-addressed evidence blob.
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

// writeEvidence applies the budget to blob, writes it to the object store,
// and best-effort emits evidence.collected. Shared by all three collectors.
func writeEvidence(ctx context.Context, objectStore *store.ObjectStore, bus *events.Bus, metrics *obstrace.Metrics,
	blob *contracts.EvidenceBlob, key string, evt contracts.IncidentEvent) contracts.CollectorResult {

	sha, size, err := objectStore.PutJSON(ctx, key, blob)
	if err != nil {
		return contracts.CollectorResult{
			CollectorType: blob.CollectorType,
			Error:         "failed to write evidence blob",
			Cause:         err.Error(),
		}
	}

	ref := &contracts.EvidenceRef{
		CollectorType: blob.CollectorType,
		Bucket:        objectStore.Bucket(),
		Key:           key,
		SHA256:        sha,
		ByteSize:      size,
		Truncated:     blob.Truncated,
	}

	if blob.Truncated && metrics != nil {
		metrics.RecordCollectorDrop(blob.CollectorType)
	}

	if bus != nil {
		bus.PublishBestEffort(events.Event{
			Type:       events.EvidenceCollected,
			IncidentID: evt.IncidentID,
			RunID:      blob.CollectorRunID,
			Payload: map[string]interface{}{
				"collector_type": blob.CollectorType,
				"evidence_ref":    ref,
				"time_window":     blob.TimeWindow,
				"service":         evt.Service,
			},
		})
	}

	return contracts.CollectorResult{CollectorType: blob.CollectorType, EvidenceRef: ref}
}

func skipped(collectorType string) contracts.CollectorResult {
	return contracts.CollectorResult{CollectorType: collectorType, Skipped: true}
}

func newBlob(collectorType string, evt contracts.IncidentEvent, collectorRunID string) *contracts.EvidenceBlob {
	return &contracts.EvidenceBlob{
		SchemaVersion:  "evidence.v1",
		CollectorType:  collectorType,
		IncidentID:     evt.IncidentID,
		CollectorRunID: collectorRunID,
		CreatedAt:      time.Now().UTC(),
		TimeWindow:     evt.TimeWindow,
	}
}

func rowsToInterfaces(rows []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = evidence.RedactFields(r)
	}
	return out
}
