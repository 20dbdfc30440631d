// Package webhook implements GitHub webhook ingress: signature
// verification, delivery dedupe, event filtering, pause-command handling,
// and dispatch into the PR review cycle.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/review"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// Status is the outcome reported back to the HTTP caller, per the fixed
// vocabulary the ingress endpoint always answers with.
type Status string

const (
	StatusAlreadyProcessed Status = "already_processed"
	StatusSkipped          Status = "skipped"
	StatusPaused           Status = "paused"
	StatusResumed          Status = "resumed"
	StatusAccepted         Status = "accepted"
)

// ReviewRunner is the capability the ingress dispatches accepted deliveries
// to — satisfied by *review.Cycle.
type ReviewRunner interface {
	Run(ctx context.Context, event contracts.GitHubPRReviewEvent) (review.Outcome, error)
}

// Delivery is one inbound webhook request, already split into the headers
// the contract depends on and the raw body.
type Delivery struct {
	SignatureHeader string // "sha256=<hex>" from X-Hub-Signature-256
	EventType       string // from X-GitHub-Event
	DeliveryID      string // from X-GitHub-Delivery
	Body            []byte
}

// Ingress implements the ten-step webhook contract.
type Ingress struct {
	recordStore *store.RecordStore
	objectStore *store.ObjectStore
	cache       *store.Cache
	runner      ReviewRunner
	cfg         config.ReviewConfig
	secret      string
	botSlug     string
	log         *logrus.Entry
}

// NewIngress builds an Ingress.
func NewIngress(recordStore *store.RecordStore, objectStore *store.ObjectStore, cache *store.Cache, runner ReviewRunner, cfg config.ReviewConfig, secret, botSlug string, log *logrus.Entry) *Ingress {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingress{recordStore: recordStore, objectStore: objectStore, cache: cache, runner: runner, cfg: cfg, secret: secret, botSlug: botSlug, log: log}
}

// errRejected marks a delivery that must be answered with a 4xx, as opposed
// to the 202-with-status-body outcome every other path returns.
type errRejected struct{ reason string }

func (e errRejected) Error() string { return e.reason }

// Handle runs the full ten-step contract for one delivery.
func (in *Ingress) Handle(ctx context.Context, d Delivery) (Status, error) {
	log := in.log.WithField("delivery_id", d.DeliveryID).WithField("event_type", d.EventType)

	// Step 1: signature.
	if !in.verifySignature(d.Body, d.SignatureHeader) {
		return "", errRejected{"missing or invalid signature"}
	}

	// Step 2: required headers.
	if d.EventType == "" || d.DeliveryID == "" {
		return "", errRejected{"missing event type or delivery id header"}
	}

	// Step 3: delivery dedupe.
	isNew, err := in.recordStore.PutWebhookDelivery(ctx, d.DeliveryID)
	if err != nil {
		return "", fmt.Errorf("dedupe delivery: %w", err)
	}
	if !isNew {
		return StatusAlreadyProcessed, nil
	}

	// Step 4: persist raw.
	if err := in.persistRaw(ctx, d); err != nil {
		log.WithError(err).Warn("failed to persist raw webhook payload")
	}

	// Step 5: filter.
	if !acceptedEventTypes[d.EventType] {
		in.markOutcome(ctx, d, "ignored_event_type")
		return StatusSkipped, nil
	}
	event, err := normalize(d.EventType, d.DeliveryID, d.Body, in.cfg.MaxCommentBytes)
	if err != nil {
		if err == errNotPRComment {
			in.markOutcome(ctx, d, "issue_comment_without_pr")
			return StatusSkipped, nil
		}
		return "", fmt.Errorf("normalize payload: %w", err)
	}
	event.ReceivedAt = time.Now().UTC()
	event.RawPayloadRef = &contracts.RawPayloadRef{Key: store.WebhookRawKey(d.DeliveryID)}

	// Step 6: self-event.
	if strings.HasSuffix(event.SenderLogin, "[bot]") || (in.botSlug != "" && event.SenderLogin == in.botSlug) {
		in.markOutcome(ctx, d, "self_event")
		return StatusSkipped, nil
	}

	// Step 7: commands.
	pauseKey := fmt.Sprintf("%s#%d", event.RepoFullName, event.PRNumber)
	if in.cfg.StopCommand != "" && strings.Contains(event.CommentBody, in.cfg.StopCommand) {
		if err := in.cache.SetPaused(ctx, pauseKey, true); err != nil {
			return "", fmt.Errorf("set paused: %w", err)
		}
		in.markOutcome(ctx, d, "paused")
		return StatusPaused, nil
	}
	if in.cfg.ResumeCommand != "" && strings.Contains(event.CommentBody, in.cfg.ResumeCommand) {
		if err := in.cache.SetPaused(ctx, pauseKey, false); err != nil {
			return "", fmt.Errorf("clear paused: %w", err)
		}
		in.markOutcome(ctx, d, "resumed")
		return StatusResumed, nil
	}

	// Step 8: pause gate.
	paused, err := in.cache.IsPaused(ctx, pauseKey)
	if err != nil {
		return "", fmt.Errorf("check paused: %w", err)
	}
	if paused {
		in.markOutcome(ctx, d, "paused_skip")
		return StatusSkipped, nil
	}

	// Step 9: dispatch. Delivery-ID dedupe at step 3 already makes this
	// idempotent; there is no separate workflow-execution registry to
	// collide against in this deployment.
	if _, err := in.runner.Run(ctx, event); err != nil {
		in.markOutcome(ctx, d, "review_cycle_error")
		return "", fmt.Errorf("run review cycle: %w", err)
	}

	// Step 10: mark.
	in.markOutcome(ctx, d, "accepted")
	return StatusAccepted, nil
}

func (in *Ingress) verifySignature(body []byte, header string) bool {
	if in.secret == "" || header == "" {
		return in.secret == "" && header == ""
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(in.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func (in *Ingress) persistRaw(ctx context.Context, d Delivery) error {
	wrapped := struct {
		DeliveryID string          `json:"delivery_id"`
		EventType  string          `json:"event_type"`
		ReceivedAt time.Time       `json:"received_at"`
		Payload    json.RawMessage `json:"payload"`
	}{DeliveryID: d.DeliveryID, EventType: d.EventType, ReceivedAt: time.Now().UTC(), Payload: d.Body}
	_, _, err := in.objectStore.PutJSON(ctx, store.WebhookRawKey(d.DeliveryID), wrapped)
	return err
}

func (in *Ingress) markOutcome(ctx context.Context, d Delivery, outcome string) {
	err := in.recordStore.MarkWebhookDeliveryOutcome(ctx, d.DeliveryID, store.WebhookDeliveryRecord{
		Outcome:     outcome,
		EventType:   d.EventType,
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		in.log.WithError(err).WithField("delivery_id", d.DeliveryID).Warn("failed to mark webhook delivery outcome")
	}
}

// IsRejected reports whether err originated from a validation failure that
// should be answered with a 4xx rather than the normal 202 response.
func IsRejected(err error) bool {
	_, ok := err.(errRejected)
	return ok
}
