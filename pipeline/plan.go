package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// actionOrder is the fixed order plan generation always emits actions in: a
// ticket first, a notify second, a PR last. The PR record is always present
// in the plan even when the PR channel is disabled downstream — only the
// executor decides whether to actually run it.
var actionOrder = []contracts.ActionType{contracts.ActionTicket, contracts.ActionNotify, contracts.ActionPR}

// GeneratePlan is a pure function: packet in, ActionPlan out. It never
// touches the network, the clock beyond the supplied createdAt, or any
// store.
func GeneratePlan(packet contracts.IncidentPacket, resolution contracts.RepoResolution, createdAt time.Time) contracts.ActionPlan {
	priority := derivePriority(topConfidence(packet.Findings))

	evidenceByKey := make(map[string]contracts.EvidenceRef, len(packet.AllEvidenceRefs))
	for _, ref := range packet.AllEvidenceRefs {
		evidenceByKey[ref.Key] = ref
	}

	findingRefs := resolveRefs(topFindingKeys(packet.Findings), evidenceByKey)

	actions := make([]contracts.PlannedAction, 0, len(actionOrder))
	for _, t := range actionOrder {
		switch t {
		case contracts.ActionTicket:
			actions = append(actions, ticketAction(packet, priority, findingRefs))
		case contracts.ActionNotify:
			actions = append(actions, notifyAction(packet, priority, findingRefs))
		case contracts.ActionPR:
			actions = append(actions, prAction(packet, resolution, priority, findingRefs))
		}
	}

	return contracts.ActionPlan{
		SchemaVersion:   "incident_action_plan.v1",
		IncidentID:      packet.IncidentID,
		Environment:     packet.Environment,
		Service:         packet.Service,
		SuspectedOwners: packet.SuspectedOwners,
		Actions:         actions,
		CreatedAt:       createdAt,
	}
}

func topConfidence(findings []contracts.Finding) float64 {
	top := 0.0
	for _, f := range findings {
		if f.Confidence > top {
			top = f.Confidence
		}
	}
	return top
}

// derivePriority maps the top finding's confidence to a priority. Per the
// fixed table this service implements, >=0.9 yields P1 and every other
// value, including <0.5, yields P2 — P0 is never produced by this rule and
// is reserved for a future manual-escalation path.
func derivePriority(topConf float64) contracts.Priority {
	if topConf >= 0.9 {
		return contracts.PriorityP1
	}
	return contracts.PriorityP2
}

func topFindingKeys(findings []contracts.Finding) []string {
	sorted := make([]contracts.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	var keys []string
	for _, f := range sorted {
		keys = append(keys, f.EvidenceRefs...)
	}
	return keys
}

func resolveRefs(keys []string, byKey map[string]contracts.EvidenceRef) []contracts.EvidenceRef {
	var refs []contracts.EvidenceRef
	seen := make(map[string]bool)
	for _, k := range keys {
		if seen[k] {
			continue
		}
		if ref, ok := byKey[k]; ok {
			refs = append(refs, ref)
			seen[k] = true
		}
	}
	return refs
}

func ticketAction(packet contracts.IncidentPacket, priority contracts.Priority, refs []contracts.EvidenceRef) contracts.PlannedAction {
	title := fmt.Sprintf("[%s] %s: incident %s — %d finding(s)", packet.Environment, packet.Service, packet.IncidentID, len(packet.Findings))
	return contracts.PlannedAction{
		ActionType:   contracts.ActionTicket,
		Priority:     priority,
		Title:        title,
		Description:  ticketDescription(packet),
		EvidenceRefs: refs,
	}
}

func ticketDescription(packet contracts.IncidentPacket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Findings\n")
	for _, f := range topN(packet.Findings, 5) {
		fmt.Fprintf(&b, "- **%s** (confidence %.2f): %s\n", f.ID, f.Confidence, f.Summary)
	}
	fmt.Fprintf(&b, "\n## Hypotheses\n")
	for _, h := range topNHypotheses(packet.Hypotheses, 5) {
		fmt.Fprintf(&b, "- **%s** (confidence %.2f): %s\n", h.ID, h.Confidence, h.Summary)
	}
	if len(packet.Limits) > 0 {
		fmt.Fprintf(&b, "\n## Limits\n")
		for _, l := range packet.Limits {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	return b.String()
}

func topN(findings []contracts.Finding, n int) []contracts.Finding {
	sorted := make([]contracts.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func topNHypotheses(hyps []contracts.Hypothesis, n int) []contracts.Hypothesis {
	sorted := make([]contracts.Hypothesis, len(hyps))
	copy(sorted, hyps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func notifyAction(packet contracts.IncidentPacket, priority contracts.Priority, refs []contracts.EvidenceRef) contracts.PlannedAction {
	var top string
	if len(packet.Findings) > 0 {
		top = topN(packet.Findings, 1)[0].Summary
	}
	body := fmt.Sprintf("Incident %s (%s/%s)\nWindow: %s to %s\nTop finding: %s",
		packet.IncidentID, packet.Environment, packet.Service,
		packet.TimeWindow.Start.Format(time.RFC3339), packet.TimeWindow.End.Format(time.RFC3339), top)

	return contracts.PlannedAction{
		ActionType:   contracts.ActionNotify,
		Priority:     priority,
		Title:        fmt.Sprintf("Incident notification: %s", packet.IncidentID),
		Description:  body,
		EvidenceRefs: refs,
	}
}

func prAction(packet contracts.IncidentPacket, resolution contracts.RepoResolution, priority contracts.Priority, refs []contracts.EvidenceRef) contracts.PlannedAction {
	return contracts.PlannedAction{
		ActionType:   contracts.ActionPR,
		Priority:     priority,
		Title:        fmt.Sprintf("opsrunbook notes for incident %s", packet.IncidentID),
		Description:  prNotesMarkdown(packet, resolution),
		EvidenceRefs: refs,
	}
}

// prNotesMarkdown is a fixed template, never model-generated: incident
// metadata, findings, an evidence summary, and the repo-resolution trace
// that justified (or failed to justify) opening the PR.
func prNotesMarkdown(packet contracts.IncidentPacket, resolution contracts.RepoResolution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Incident %s\n\n", packet.IncidentID)
	fmt.Fprintf(&b, "- Service: %s\n- Environment: %s\n- Collector run: %s\n\n", packet.Service, packet.Environment, packet.CollectorRunID)
	fmt.Fprintf(&b, "## Findings\n")
	for _, f := range packet.Findings {
		fmt.Fprintf(&b, "- %s (confidence %.2f): %s\n", f.ID, f.Confidence, f.Summary)
	}
	fmt.Fprintf(&b, "\n## Evidence\n")
	for _, ref := range packet.AllEvidenceRefs {
		fmt.Fprintf(&b, "- %s: s3://%s/%s\n", ref.CollectorType, ref.Bucket, ref.Key)
	}
	fmt.Fprintf(&b, "\n## Repo resolution\n")
	fmt.Fprintf(&b, "- repo: %q\n- confidence: %.2f\n- verification: %s\n", resolution.RepoFullName, resolution.Confidence, resolution.Verification)
	for _, r := range resolution.Reasons {
		fmt.Fprintf(&b, "- reason: %s\n", r)
	}
	return b.String()
}
