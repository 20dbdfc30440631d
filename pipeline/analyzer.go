package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rajawajahat/opsrunbook-copilot/canon"
	"github.com/rajawajahat/opsrunbook-copilot/collectors"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// OwnerMap is a configured (prefix substring -> repo) table the analyzer
// substring-matches resource names against to compute suspected owners.
type OwnerMap map[string]string

// Analyzer loads a run's snapshot and collector blobs and produces a
// deterministic IncidentPacket.
type Analyzer struct {
	objectStore *store.ObjectStore
	recordStore *store.RecordStore
	bus         *events.Bus
	owners      OwnerMap
	log         *logrus.Entry
}

// NewAnalyzer builds an Analyzer.
func NewAnalyzer(objectStore *store.ObjectStore, recordStore *store.RecordStore, bus *events.Bus, owners OwnerMap, log *logrus.Entry) *Analyzer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Analyzer{objectStore: objectStore, recordStore: recordStore, bus: bus, owners: owners, log: log}
}

// Analyze runs the full analysis pipeline for one run, idempotently.
func (a *Analyzer) Analyze(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string, snapshot contracts.Snapshot) (contracts.IncidentPacket, error) {
	existing, err := a.recordStore.GetPacketRef(ctx, evt.IncidentID, collectorRunID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return contracts.IncidentPacket{}, fmt.Errorf("check packet idempotency: %w", err)
	}
	if existing != nil {
		var packet contracts.IncidentPacket
		if err := a.objectStore.GetJSON(ctx, existing.Key, &packet); err == nil {
			return packet, nil
		}
	}

	var limits []string
	var findings []contracts.Finding
	var hypotheses []contracts.Hypothesis
	var nextActions []contracts.NextAction
	var allRefs []contracts.EvidenceRef

	resourceNames := []string{evt.Service}

	for _, c := range snapshot.Collectors {
		if c.Skipped {
			continue
		}
		if c.Error != "" || c.EvidenceRef == nil {
			limits = append(limits, fmt.Sprintf("collector %s unavailable: %s", c.CollectorType, c.Error))
			continue
		}
		allRefs = append(allRefs, *c.EvidenceRef)

		var blob contracts.EvidenceBlob
		if err := a.objectStore.GetJSON(ctx, c.EvidenceRef.Key, &blob); err != nil {
			a.log.WithError(err).WithField("key", c.EvidenceRef.Key).Warn("failed to load evidence blob, skipping")
			limits = append(limits, fmt.Sprintf("collector %s blob unreadable", c.CollectorType))
			continue
		}
		resourceNames = append(resourceNames, c.EvidenceRef.Key)

		switch c.CollectorType {
		case "logs":
			a.analyzeLogs(blob, *c.EvidenceRef, &findings, &hypotheses, &nextActions)
		case "metrics":
			a.analyzeMetrics(blob, *c.EvidenceRef, &findings, &nextActions)
		case "workflow":
			a.analyzeWorkflow(blob, *c.EvidenceRef, &findings, &hypotheses, &nextActions)
		}
		for _, s := range blob.Sections {
			resourceNames = append(resourceNames, s.Name)
		}
	}

	owners := a.suspectedOwners(resourceNames, findings)

	packet := contracts.IncidentPacket{
		SchemaVersion:   "incident_packet.v1",
		IncidentID:      evt.IncidentID,
		CollectorRunID:  collectorRunID,
		Service:         evt.Service,
		Environment:     evt.Environment,
		TimeWindow:      evt.TimeWindow,
		Findings:        findings,
		Hypotheses:      hypotheses,
		NextActions:     nextActions,
		SuspectedOwners: owners,
		Limits:          limits,
		ModelTrace:      "deterministic-rules-v1",
		AllEvidenceRefs: allRefs,
		CreatedAt:       time.Now().UTC(),
	}

	// The hash is computed twice: once to get a value to put in the
	// packet, and again over the packet including that value, so
	// packet_hashes.sha256 is stable under re-serialization by a
	// consumer that recomputes it.
	firstHash, err := canon.SHA256Hex(packet)
	if err != nil {
		return contracts.IncidentPacket{}, fmt.Errorf("compute initial packet hash: %w", err)
	}
	packet.PacketHashes = contracts.PacketHashes{SHA256: firstHash}
	finalHash, err := canon.SHA256Hex(packet)
	if err != nil {
		return contracts.IncidentPacket{}, fmt.Errorf("compute final packet hash: %w", err)
	}
	packet.PacketHashes.SHA256 = finalHash

	key := store.PacketKey(evt.IncidentID, collectorRunID)
	sha, size, err := a.objectStore.PutJSON(ctx, key, packet)
	if err != nil {
		return contracts.IncidentPacket{}, fmt.Errorf("write packet blob: %w", err)
	}

	ref := contracts.EvidenceRef{CollectorType: "packet", Bucket: a.objectStore.Bucket(), Key: key, SHA256: sha, ByteSize: size}
	if err := a.recordStore.PutPacketRef(ctx, evt.IncidentID, collectorRunID, ref); err != nil {
		return contracts.IncidentPacket{}, fmt.Errorf("write packet record: %w", err)
	}

	a.bus.PublishBestEffort(events.Event{Type: events.IncidentAnalyzed, IncidentID: evt.IncidentID, RunID: collectorRunID, Payload: ref})

	return packet, nil
}

func (a *Analyzer) analyzeLogs(blob contracts.EvidenceBlob, ref contracts.EvidenceRef, findings *[]contracts.Finding, hypotheses *[]contracts.Hypothesis, nextActions *[]contracts.NextAction) {
	var recentErrors []interface{}
	for _, s := range blob.Sections {
		if s.Name == "recent_errors" {
			recentErrors = s.Rows
		}
	}
	if len(recentErrors) == 0 {
		return
	}
	*findings = append(*findings, contracts.Finding{
		ID: "logs-errors-found", Summary: "Recent error-shaped log entries detected", Confidence: 0.8,
		EvidenceRefs: []string{ref.Key},
	})
	*hypotheses = append(*hypotheses, contracts.Hypothesis{
		ID: "logs-cause-unknown", Summary: "Root cause not yet determined from logs alone", Confidence: 0.5,
		EvidenceRefs: []string{ref.Key},
	})
	*nextActions = append(*nextActions, contracts.NextAction{
		ID: "logs-followup-query", Summary: "Run a focused follow-up query over the flagged log groups", Confidence: 0.5,
		EvidenceRefs: []string{ref.Key},
	})
}

func (a *Analyzer) analyzeMetrics(blob contracts.EvidenceBlob, ref contracts.EvidenceRef, findings *[]contracts.Finding, nextActions *[]contracts.NextAction) {
	if len(blob.Sections) == 0 {
		return
	}
	*findings = append(*findings, contracts.Finding{
		ID: "metrics-collected", Summary: "Metric series collected for manual review", Confidence: 0.4,
		EvidenceRefs: []string{ref.Key},
	})
	*nextActions = append(*nextActions, contracts.NextAction{
		ID: "metrics-manual-review", Summary: "Manually review collected metric series for anomalies", Confidence: 0.4,
		EvidenceRefs: []string{ref.Key},
	})
}

func (a *Analyzer) analyzeWorkflow(blob contracts.EvidenceBlob, ref contracts.EvidenceRef, findings *[]contracts.Finding, hypotheses *[]contracts.Hypothesis, nextActions *[]contracts.NextAction) {
	for _, s := range blob.Sections {
		if s.Name == "orchestrator_execution" {
			extra, _ := s.Extra.(map[string]interface{})
			status, _ := extra["status"].(string)
			switch status {
			case string(collectors.ExecFailed), string(collectors.ExecTimedOut), string(collectors.ExecAborted):
				*findings = append(*findings, contracts.Finding{
					ID: "stepfn-orchestrator-failed", Summary: "Orchestrator execution did not complete successfully", Confidence: 0.9,
					EvidenceRefs: []string{ref.Key},
				})
			}
			if lastFailed, _ := extra["last_failed_state"].(string); lastFailed != "" {
				*hypotheses = append(*hypotheses, contracts.Hypothesis{
					ID: "stepfn-last-failed-state", Summary: fmt.Sprintf("Execution last failed in state %q", lastFailed), Confidence: 0.5,
					EvidenceRefs: []string{ref.Key},
				})
			}
		}
		if s.Name == "failed_executions" && len(s.Rows) > 0 {
			*findings = append(*findings, contracts.Finding{
				ID: "stepfn-peer-failures", Summary: "Related orchestrator executions also failed in this window", Confidence: 0.8,
				EvidenceRefs: []string{ref.Key},
			})
			*nextActions = append(*nextActions, contracts.NextAction{
				ID: "stepfn-review-latest-failure", Summary: "Review the most recent failed peer execution", Confidence: 0.8,
				EvidenceRefs: []string{ref.Key},
			})
		}
	}
}

func (a *Analyzer) suspectedOwners(resourceNames []string, findings []contracts.Finding) []contracts.SuspectedOwner {
	matches := make(map[string][]string)
	for prefix, repo := range a.owners {
		for _, name := range resourceNames {
			if strings.Contains(name, prefix) {
				matches[repo] = append(matches[repo], fmt.Sprintf("matched %q in %q", prefix, name))
			}
		}
		for _, f := range findings {
			if strings.Contains(f.Summary, prefix) {
				matches[repo] = append(matches[repo], fmt.Sprintf("matched %q in finding %s", prefix, f.ID))
			}
		}
	}

	if len(matches) == 0 {
		return []contracts.SuspectedOwner{{Repo: "unknown", Confidence: 0.1, Reasons: []string{"no resource name matched any configured owner"}}}
	}

	var owners []contracts.SuspectedOwner
	for repo, reasons := range matches {
		confidence := 0.3 + 0.1*float64(len(reasons))
		if confidence > 0.8 {
			confidence = 0.8
		}
		sort.Strings(reasons)
		owners = append(owners, contracts.SuspectedOwner{Repo: repo, Confidence: confidence, Reasons: reasons})
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].Repo < owners[j].Repo })
	return owners
}
