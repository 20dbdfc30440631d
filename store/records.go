package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// Record is the single table every incident, run, snapshot, packet, action
// plan, action result, and webhook-dedupe entry lives in, addressed by a
// partition key (PK) and sort key (SK) following this scheme:
// PK="INCIDENT#<id>" with SK in {META, RUN#<run_id>, SNAPSHOT#<run_id>,
// PACKET#<run_id>, ACTIONPLAN#<run_id>, ACTION#<action_id>,
// ACTIONS#LATEST}, and PK="WEBHOOK#DELIVERY" / "WEBHOOK#PR#<repo>" /
// "WEBHOOK#PR_REVIEW#<repo>#<pr>" for webhook-ingress bookkeeping.
type Record struct {
	PK        string `gorm:"column:pk;primaryKey"`
	SK        string `gorm:"column:sk;primaryKey"`
	Data      []byte `gorm:"column:data;type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name regardless of struct name pluralization.
func (Record) TableName() string { return "records" }

// RecordStore is the Postgres-backed single-table store for incident and
// webhook state. Connection pool sizing follows this repository's usual
// gorm/postgres pattern: a bounded idle pool, a bounded open pool, and a
// connection lifetime cap so long-lived connections get recycled behind a
// load balancer.
type RecordStore struct {
	db *gorm.DB
}

// NewRecordStore opens a Postgres connection via dsn, tunes its pool, and
// migrates the records table.
func NewRecordStore(dsn string) (*RecordStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate records table: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// NewRecordStoreFromDB wraps an already-opened gorm.DB, used by tests
// against sqlite or a test Postgres instance.
func NewRecordStoreFromDB(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

func incidentPK(incidentID string) string { return "INCIDENT#" + incidentID }

const (
	skMeta          = "META"
	skActionsLatest = "ACTIONS#LATEST"
)

func skRun(runID string) string        { return "RUN#" + runID }
func skSnapshot(runID string) string   { return "SNAPSHOT#" + runID }
func skPacket(runID string) string     { return "PACKET#" + runID }
func skActionPlan(runID string) string { return "ACTIONPLAN#" + runID }
func skAction(actionID string) string  { return "ACTION#" + actionID }

// put upserts one (pk, sk) record with v JSON-encoded into Data.
func (s *RecordStore) put(ctx context.Context, pk, sk string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record %s/%s: %w", pk, sk, err)
	}
	rec := Record{PK: pk, SK: sk, Data: body}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pk"}, {Name: "sk"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", pk, sk, err)
	}
	return nil
}

// get loads one (pk, sk) record into out. Returns gorm.ErrRecordNotFound
// when absent so callers can distinguish "not yet written" from a real
// failure.
func (s *RecordStore) get(ctx context.Context, pk, sk string, out interface{}) error {
	var rec Record
	err := s.db.WithContext(ctx).Where("pk = ? AND sk = ?", pk, sk).First(&rec).Error
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		return fmt.Errorf("unmarshal record %s/%s: %w", pk, sk, err)
	}
	return nil
}

// PutIncidentMeta stores the ingested incident event.
func (s *RecordStore) PutIncidentMeta(ctx context.Context, incidentID string, evt contracts.IncidentEvent) error {
	return s.put(ctx, incidentPK(incidentID), skMeta, evt)
}

// GetIncidentMeta retrieves the ingested incident event.
func (s *RecordStore) GetIncidentMeta(ctx context.Context, incidentID string) (*contracts.IncidentEvent, error) {
	var evt contracts.IncidentEvent
	if err := s.get(ctx, incidentPK(incidentID), skMeta, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// RunRecord tracks one pipeline run's phase state for an incident, the
// record the /v1/incidents/{id}/runs/{run_id} endpoint serves.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// PutRun upserts a run's phase state.
func (s *RecordStore) PutRun(ctx context.Context, incidentID string, run RunRecord) error {
	return s.put(ctx, incidentPK(incidentID), skRun(run.RunID), run)
}

// GetRun retrieves one run's phase state.
func (s *RecordStore) GetRun(ctx context.Context, incidentID, runID string) (*RunRecord, error) {
	var run RunRecord
	if err := s.get(ctx, incidentPK(incidentID), skRun(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every run recorded for an incident, most recent first,
// used to find the "last failed state" when a replay is requested without
// an explicit run_id.
func (s *RecordStore) ListRuns(ctx context.Context, incidentID string) ([]RunRecord, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("pk = ? AND sk LIKE ?", incidentPK(incidentID), "RUN#%").
		Order("updated_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", incidentID, err)
	}
	runs := make([]RunRecord, 0, len(recs))
	for _, r := range recs {
		var run RunRecord
		if err := json.Unmarshal(r.Data, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run record: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PutSnapshotRef stores the EvidenceRef pointing at a run's snapshot object.
func (s *RecordStore) PutSnapshotRef(ctx context.Context, incidentID, runID string, ref contracts.EvidenceRef) error {
	return s.put(ctx, incidentPK(incidentID), skSnapshot(runID), ref)
}

// GetSnapshotRef retrieves the EvidenceRef for a run's snapshot.
func (s *RecordStore) GetSnapshotRef(ctx context.Context, incidentID, runID string) (*contracts.EvidenceRef, error) {
	var ref contracts.EvidenceRef
	if err := s.get(ctx, incidentPK(incidentID), skSnapshot(runID), &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// PutPacketRef stores the EvidenceRef pointing at a run's incident packet.
func (s *RecordStore) PutPacketRef(ctx context.Context, incidentID, runID string, ref contracts.EvidenceRef) error {
	return s.put(ctx, incidentPK(incidentID), skPacket(runID), ref)
}

// GetPacketRef retrieves the EvidenceRef for a run's incident packet.
func (s *RecordStore) GetPacketRef(ctx context.Context, incidentID, runID string) (*contracts.EvidenceRef, error) {
	var ref contracts.EvidenceRef
	if err := s.get(ctx, incidentPK(incidentID), skPacket(runID), &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// PutActionPlan stores the plan generated for a run.
func (s *RecordStore) PutActionPlan(ctx context.Context, incidentID, runID string, plan contracts.ActionPlan) error {
	return s.put(ctx, incidentPK(incidentID), skActionPlan(runID), plan)
}

// GetActionPlan retrieves the plan generated for a run, used by the replay
// endpoint to compare against a freshly regenerated plan.
func (s *RecordStore) GetActionPlan(ctx context.Context, incidentID, runID string) (*contracts.ActionPlan, error) {
	var plan contracts.ActionPlan
	if err := s.get(ctx, incidentPK(incidentID), skActionPlan(runID), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PutActionResult stores one executed action's result, keyed by action ID
// so re-execution of the same plan is a deterministic upsert.
func (s *RecordStore) PutActionResult(ctx context.Context, incidentID, actionID string, result contracts.ActionResult) error {
	return s.put(ctx, incidentPK(incidentID), skAction(actionID), result)
}

// GetActionResult retrieves one action's recorded result, used by the
// idempotency check before re-attempting an action.
func (s *RecordStore) GetActionResult(ctx context.Context, incidentID, actionID string) (*contracts.ActionResult, error) {
	var result contracts.ActionResult
	if err := s.get(ctx, incidentPK(incidentID), skAction(actionID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutActionsLatest stores the most recently executed plan's results for
// quick retrieval by the /actions endpoint without scanning every ACTION#.
func (s *RecordStore) PutActionsLatest(ctx context.Context, incidentID string, results []contracts.ActionResult) error {
	return s.put(ctx, incidentPK(incidentID), skActionsLatest, results)
}

// GetActionsLatest retrieves the most recently executed plan's results.
func (s *RecordStore) GetActionsLatest(ctx context.Context, incidentID string) ([]contracts.ActionResult, error) {
	var results []contracts.ActionResult
	if err := s.get(ctx, incidentPK(incidentID), skActionsLatest, &results); err != nil {
		return nil, err
	}
	return results, nil
}

const webhookDeliveryPK = "WEBHOOK#DELIVERY"

// PutWebhookDelivery records a GitHub delivery ID the first time it's seen.
// It returns false without error when the ID was already recorded, which is
// the dedupe guard webhook ingress relies on to ignore GitHub's retried
// deliveries.
func (s *RecordStore) PutWebhookDelivery(ctx context.Context, deliveryID string) (isNew bool, err error) {
	rec := Record{PK: webhookDeliveryPK, SK: deliveryID, Data: []byte("{}")}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if result.Error != nil {
		return false, fmt.Errorf("put webhook delivery %s: %w", deliveryID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// WebhookDeliveryRecord is the terminal bookkeeping entry for one inbound
// webhook delivery, written once its outcome is known.
type WebhookDeliveryRecord struct {
	Outcome     string    `json:"outcome"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// MarkWebhookDeliveryOutcome overwrites the delivery-dedupe entry with its
// final outcome, for audit and replay inspection.
func (s *RecordStore) MarkWebhookDeliveryOutcome(ctx context.Context, deliveryID string, rec WebhookDeliveryRecord) error {
	return s.put(ctx, webhookDeliveryPK, deliveryID, rec)
}

func webhookPRPK(repoFullName string) string { return "WEBHOOK#PR#" + repoFullName }

// PRReviewState tracks a pull request's review-cycle progress, keyed by repo and PR number.
type PRReviewState struct {
	PRNumber     int       `json:"pr_number"`
	Step         string    `json:"step"`
	LastDelivery string    `json:"last_delivery_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PutPRReviewState upserts a PR's review-cycle state.
func (s *RecordStore) PutPRReviewState(ctx context.Context, repoFullName string, prNumber int, state PRReviewState) error {
	return s.put(ctx, webhookPRPK(repoFullName), fmt.Sprintf("PR#%d", prNumber), state)
}

// GetPRReviewState retrieves a PR's review-cycle state.
func (s *RecordStore) GetPRReviewState(ctx context.Context, repoFullName string, prNumber int) (*PRReviewState, error) {
	var state PRReviewState
	if err := s.get(ctx, webhookPRPK(repoFullName), fmt.Sprintf("PR#%d", prNumber), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func webhookPRReviewPK(repoFullName string, prNumber int) string {
	return fmt.Sprintf("WEBHOOK#PR_REVIEW#%s#%d", repoFullName, prNumber)
}

// PRReviewOutcome is one terminal record of a single review-cycle run,
// written once per delivery at PersistOutcome time.
type PRReviewOutcome struct {
	DeliveryID string    `json:"delivery_id"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	Files      []string  `json:"files,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PutPRReviewOutcome records the terminal outcome of one review-cycle run,
// keyed so every delivery against a PR gets its own append-only entry.
func (s *RecordStore) PutPRReviewOutcome(ctx context.Context, repoFullName string, prNumber int, outcome PRReviewOutcome) error {
	sk := fmt.Sprintf("OUTCOME#%s#%s", outcome.CreatedAt.UTC().Format(time.RFC3339Nano), outcome.DeliveryID)
	return s.put(ctx, webhookPRReviewPK(repoFullName, prNumber), sk, outcome)
}

// ErrNotFound is returned by Get* methods when translated from gorm's
// sentinel so callers outside this package don't need to import gorm.
var ErrNotFound = gorm.ErrRecordNotFound
