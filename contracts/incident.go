// Package contracts defines the wire and storage schemas shared across the
// incident pipeline: the structures collectors, the analyzer, the plan
// generator and the action executors pass between each other and persist.
package contracts

import "time"

// TimeWindow is a timezone-aware [Start, End) interval. End must be after
// Start; callers are expected to have already clamped it to the configured
// window cap before it reaches a collector.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Hints points collectors at backend-specific resources. At least one field
// must be non-empty for an IncidentEvent to be accepted.
type Hints struct {
	LogGroups    []string `json:"log_groups,omitempty"`
	MetricQueries []MetricQueryHint `json:"metric_queries,omitempty"`
	WorkflowARNs []string `json:"workflow_arns,omitempty"`
}

// MetricQueryHint names one time series to fetch.
type MetricQueryHint struct {
	Namespace  string            `json:"namespace"`
	MetricName string            `json:"metric_name"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Stat       string            `json:"stat,omitempty"`
}

// IncidentEvent is the ingress payload for POST /v1/incidents.
type IncidentEvent struct {
	EventID     string     `json:"event_id"`
	IncidentID  string     `json:"incident_id,omitempty"`
	Service     string     `json:"service"`
	Environment string     `json:"environment"`
	Severity    string     `json:"severity"`
	TimeWindow  TimeWindow `json:"time_window"`
	Hints       Hints      `json:"hints"`
}

// EvidenceRef is the canonical, immutable pointer to a blob written to the
// object store.
type EvidenceRef struct {
	CollectorType string `json:"collector_type"`
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	SHA256        string `json:"sha256"`
	ByteSize      int    `json:"byte_size"`
	Truncated     bool   `json:"truncated"`
}

// EvidenceSection is one named chunk of a collector's blob (e.g.
// "recent_errors", "top_signatures", a metric series, or a workflow
// section). Rows is nil when the section has been dropped for size.
type EvidenceSection struct {
	Name  string        `json:"name"`
	Rows  []interface{} `json:"rows,omitempty"`
	Note  string        `json:"note,omitempty"`
	Extra interface{}   `json:"extra,omitempty"`
}

// EvidenceBlob is schema evidence.v1 — the content-addressed payload a
// collector writes to the object store.
type EvidenceBlob struct {
	SchemaVersion  string            `json:"schema_version"`
	CollectorType  string            `json:"collector_type"`
	IncidentID     string            `json:"incident_id"`
	CollectorRunID string            `json:"collector_run_id"`
	CreatedAt      time.Time         `json:"created_at"`
	TimeWindow     TimeWindow        `json:"time_window"`
	Sections       []EvidenceSection `json:"sections"`
	Truncated      bool              `json:"truncated"`
}

// CollectorResult is what each collector step returns to the pipeline.
type CollectorResult struct {
	CollectorType string       `json:"collector_type"`
	Skipped       bool         `json:"skipped"`
	EvidenceRef   *EvidenceRef `json:"evidence_ref,omitempty"`
	Error         string       `json:"error,omitempty"`
	Cause         string       `json:"cause,omitempty"`
}

// SnapshotCollectorSummary records one collector's outcome in the snapshot.
type SnapshotCollectorSummary struct {
	CollectorType string       `json:"collector_type"`
	Skipped       bool         `json:"skipped"`
	EvidenceRef   *EvidenceRef `json:"evidence_ref,omitempty"`
	Error         string       `json:"error,omitempty"`
	Truncated     bool         `json:"truncated"`
}

// Snapshot is schema evidence_snapshot.v1.
type Snapshot struct {
	SchemaVersion  string                     `json:"schema_version"`
	IncidentID     string                     `json:"incident_id"`
	CollectorRunID string                     `json:"collector_run_id"`
	CreatedAt      time.Time                  `json:"created_at"`
	Service        string                     `json:"service"`
	Environment    string                     `json:"environment"`
	TimeWindow     TimeWindow                 `json:"time_window"`
	Collectors     []SnapshotCollectorSummary `json:"collectors"`
	Truncated      bool                       `json:"truncated"`
}

// Finding, Hypothesis and NextAction share one shape conceptually; Go keeps
// them as distinct named types for analyzer-side type safety.
type Finding struct {
	ID           string   `json:"id"`
	Summary      string   `json:"summary"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
	Notes        string   `json:"notes,omitempty"`
}

type Hypothesis struct {
	ID           string   `json:"id"`
	Summary      string   `json:"summary"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
	Notes        string   `json:"notes,omitempty"`
}

type NextAction struct {
	ID           string   `json:"id"`
	Summary      string   `json:"summary"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
	Notes        string   `json:"notes,omitempty"`
}

// SuspectedOwner names a repository plausibly responsible for the incident.
type SuspectedOwner struct {
	Repo       string   `json:"repo"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// PacketHashes carries the content hash(es) of the finalized packet.
type PacketHashes struct {
	SHA256 string `json:"sha256"`
}

// IncidentPacket is schema incident_packet.v1 — the analyzer's output.
type IncidentPacket struct {
	SchemaVersion    string           `json:"schema_version"`
	IncidentID       string           `json:"incident_id"`
	CollectorRunID   string           `json:"collector_run_id"`
	Service          string           `json:"service"`
	Environment      string           `json:"environment"`
	TimeWindow       TimeWindow       `json:"time_window"`
	SnapshotRef      EvidenceRef      `json:"snapshot_ref"`
	Findings         []Finding        `json:"findings"`
	Hypotheses       []Hypothesis     `json:"hypotheses"`
	NextActions      []NextAction     `json:"next_actions"`
	SuspectedOwners  []SuspectedOwner `json:"suspected_owners"`
	Limits           []string         `json:"limits"`
	ModelTrace       string           `json:"model_trace"`
	PacketHashes     PacketHashes     `json:"packet_hashes"`
	AllEvidenceRefs  []EvidenceRef    `json:"all_evidence_refs"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ActionType enumerates the three action kinds the plan generator emits.
type ActionType string

const (
	ActionTicket ActionType = "ticket"
	ActionNotify ActionType = "notify"
	ActionPR     ActionType = "pr"
)

// Priority is derived deterministically from the top finding's confidence.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// PlannedAction is one entry in an ActionPlan.
type PlannedAction struct {
	ActionType   ActionType  `json:"action_type"`
	Priority     Priority    `json:"priority"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs"`
	Links        []string    `json:"links,omitempty"`
	DryRun       bool        `json:"dry_run"`
}

// ActionPlan is schema incident_action_plan.v1.
type ActionPlan struct {
	SchemaVersion   string           `json:"schema_version"`
	IncidentID      string           `json:"incident_id"`
	Environment     string           `json:"environment"`
	Service         string           `json:"service"`
	SuspectedOwners []SuspectedOwner `json:"suspected_owners"`
	Actions         []PlannedAction  `json:"actions"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ActionStatus is the outcome of one executed action.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusFailed  ActionStatus = "failed"
	ActionStatusSkipped ActionStatus = "skipped"
)

// ActionResult is schema incident_action_result.v1.
type ActionResult struct {
	SchemaVersion    string            `json:"schema_version"`
	IncidentID       string            `json:"incident_id"`
	ActionType       ActionType        `json:"action_type"`
	Status           ActionStatus      `json:"status"`
	ExternalRefs     map[string]string `json:"external_refs,omitempty"`
	RequestSummary   string            `json:"request_summary,omitempty"`
	ResponseSummary  string            `json:"response_summary,omitempty"`
	Error            string            `json:"error,omitempty"`
	Cause            string            `json:"cause,omitempty"`
	EvidenceRefs     []EvidenceRef     `json:"evidence_refs,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Verification describes how a RepoResolution's repo candidate was
// established.
type Verification string

const (
	VerificationNone     Verification = "none"
	VerificationMapping  Verification = "mapping"
	VerificationVerified Verification = "verified"
	VerificationUnverified Verification = "unverified"
)

// TraceFrame is one normalized application stack frame.
type TraceFrame struct {
	RawPath        string `json:"raw_path"`
	NormalizedPath string `json:"normalized_path"`
	Line           int    `json:"line"`
	Column         int    `json:"column,omitempty"`
	Function       string `json:"function,omitempty"`
}

// RepoResolution is the repo resolver's output.
type RepoResolution struct {
	RepoFullName string       `json:"repo_full_name"`
	Confidence   float64      `json:"confidence"`
	Reasons      []string     `json:"reasons"`
	Verification Verification `json:"verification"`
	TraceFrames  []TraceFrame `json:"trace_frames"`
}

// ChangeType distinguishes an edit to an existing file from a new file.
type ChangeType string

const (
	ChangeEdit   ChangeType = "edit"
	ChangeCreate ChangeType = "create"
)

// RiskLevel classifies how much human oversight a proposed edit needs.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ProposedEdit is one file-level change a PRFixPlan wants applied.
type ProposedEdit struct {
	FilePath     string     `json:"file_path"`
	ChangeType   ChangeType `json:"change_type"`
	Patch        string     `json:"patch,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Rationale    string     `json:"rationale,omitempty"`
	TargetLine   int        `json:"target_line,omitempty"`
	LineRange    [2]int     `json:"line_range,omitempty"`
	FileSHA      string     `json:"file_sha,omitempty"`
}

// PRFixPlan is schema pr_fix_plan.v1.
type PRFixPlan struct {
	SchemaVersion  string         `json:"schema_version"`
	DeliveryID     string         `json:"delivery_id"`
	PRNumber       int            `json:"pr_number"`
	RepoFullName   string         `json:"repo_full_name"`
	Summary        string         `json:"summary"`
	ProposedEdits  []ProposedEdit `json:"proposed_edits"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	RequiresHuman  bool           `json:"requires_human"`
}

// InlineContext carries the position of a pull_request_review_comment.
type InlineContext struct {
	Path             string `json:"path"`
	Position         *int   `json:"position,omitempty"`
	OriginalPosition *int   `json:"original_position,omitempty"`
	Line             *int   `json:"line,omitempty"`
	OriginalLine     *int   `json:"original_line,omitempty"`
	Side             string `json:"side,omitempty"`
	DiffHunk         string `json:"diff_hunk,omitempty"`
}

// RawPayloadRef points back at the persisted raw webhook blob.
type RawPayloadRef struct {
	Bucket string `json:"s3_bucket"`
	Key    string `json:"s3_key"`
}

// GitHubPRReviewEvent is schema github_pr_review_event.v1 — the normalized
// form of an inbound GitHub webhook delivery.
type GitHubPRReviewEvent struct {
	SchemaVersion    string         `json:"schema_version"`
	DeliveryID       string         `json:"delivery_id"`
	EventType        string         `json:"event_type"`
	Action           string         `json:"action"`
	PRNumber         int            `json:"pr_number"`
	RepoFullName     string         `json:"repo_full_name"`
	InstallationID   int64          `json:"installation_id,omitempty"`
	SenderLogin      string         `json:"sender_login"`
	CommentBody      string         `json:"comment_body"`
	CommentURL       string         `json:"comment_url,omitempty"`
	PRURL            string         `json:"pr_url,omitempty"`
	InlineContext    *InlineContext `json:"inline_context,omitempty"`
	ReviewState      string         `json:"review_state,omitempty"`
	ReceivedAt       time.Time      `json:"received_at"`
	RawPayloadRef    *RawPayloadRef `json:"raw_payload_ref,omitempty"`
}

// CodeContext is a window of source lines around one (path, line) pair
// referenced by a review comment, with right-aligned line-number prefixes
// ready to drop into a prompt or a comment body.
type CodeContext struct {
	Path       string `json:"path"`
	TargetLine int    `json:"target_line"`
	Window     string `json:"window"`
}

// ReviewPacket is schema pr_review_packet.v1 — the normalized view of one
// inbound review-cycle trigger, built once from the PR's metadata, file
// list, and code context, then handed to the fix planner unchanged.
type ReviewPacket struct {
	SchemaVersion string          `json:"schema_version"`
	DeliveryID    string          `json:"delivery_id"`
	RepoFullName  string          `json:"repo_full_name"`
	PRNumber      int             `json:"pr_number"`
	HeadRef       string          `json:"head_ref"`
	CommentBody   string          `json:"comment_body"`
	Files         []string        `json:"files"`
	CodeContexts  []CodeContext   `json:"code_contexts"`
	InlineContext *InlineContext  `json:"inline_context,omitempty"`
}

// PatchStatus is the outcome of the safe-patch engine.
type PatchStatus string

const (
	PatchSuccess  PatchStatus = "success"
	PatchFailed   PatchStatus = "failed"
	PatchDeferred PatchStatus = "deferred"
)

// PatchResult is returned by the patcher's Apply.
type PatchResult struct {
	Status        PatchStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	CommitSHA     string      `json:"commit_sha,omitempty"`
	UpdatedFiles  []string    `json:"updated_files,omitempty"`
}
