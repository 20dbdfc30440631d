package pipeline

import (
	"context"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// SnapshotPersister aggregates one run's collector results into a Snapshot,
// writes it, and emits evidence.snapshot.persisted. It always runs,
// regardless of individual collector outcomes.
type SnapshotPersister struct {
	objectStore *store.ObjectStore
	recordStore *store.RecordStore
	bus         *events.Bus
}

// NewSnapshotPersister builds a SnapshotPersister.
func NewSnapshotPersister(objectStore *store.ObjectStore, recordStore *store.RecordStore, bus *events.Bus) *SnapshotPersister {
	return &SnapshotPersister{objectStore: objectStore, recordStore: recordStore, bus: bus}
}

// Persist builds, writes, and records the snapshot for one run.
func (p *SnapshotPersister) Persist(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string, results []contracts.CollectorResult) (contracts.Snapshot, error) {
	snapshot := contracts.Snapshot{
		SchemaVersion:  "evidence_snapshot.v1",
		IncidentID:     evt.IncidentID,
		CollectorRunID: collectorRunID,
		CreatedAt:      time.Now().UTC(),
		Service:        evt.Service,
		Environment:    evt.Environment,
		TimeWindow:     evt.TimeWindow,
	}

	for _, r := range results {
		summary := contracts.SnapshotCollectorSummary{
			CollectorType: r.CollectorType,
			Skipped:       r.Skipped,
			EvidenceRef:   r.EvidenceRef,
			Error:         r.Error,
		}
		if r.EvidenceRef != nil {
			summary.Truncated = r.EvidenceRef.Truncated
		}
		snapshot.Collectors = append(snapshot.Collectors, summary)
		// snapshot.truncated is the OR across every collector's truncated
		// and error outcomes, so a single degraded collector always shows
		// up at the snapshot level.
		if summary.Truncated || summary.Error != "" {
			snapshot.Truncated = true
		}
	}

	key := store.SnapshotKey(evt.IncidentID, collectorRunID)
	sha, size, err := p.objectStore.PutJSON(ctx, key, snapshot)
	if err != nil {
		return contracts.Snapshot{}, err
	}

	ref := contracts.EvidenceRef{
		CollectorType: "snapshot",
		Bucket:        p.objectStore.Bucket(),
		Key:           key,
		SHA256:        sha,
		ByteSize:      size,
		Truncated:     snapshot.Truncated,
	}

	if err := p.recordStore.PutSnapshotRef(ctx, evt.IncidentID, collectorRunID, ref); err != nil {
		return contracts.Snapshot{}, err
	}

	p.bus.PublishBestEffort(events.Event{
		Type:       events.EvidenceSnapshotPersisted,
		IncidentID: evt.IncidentID,
		RunID:      collectorRunID,
		Payload:    ref,
	})

	return snapshot, nil
}
