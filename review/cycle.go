// Package review implements the seven-step PR review cycle: gather PR
// context, apply guardrails, persist a normalized packet, plan a fix,
// apply it through the safe-patch engine, comment on the PR, and record
// the outcome.
package review

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/forge"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// Host is the narrow GitHub capability the review cycle depends on.
type Host interface {
	GetPullRequest(repoFullName string, prNumber int) (*forge.PullRequest, error)
	ListPullRequestFiles(repoFullName string, prNumber int) ([]forge.PullRequestFile, error)
	GetFile(repoFullName, path, ref string) (*forge.FileContent, error)
	PostIssueComment(repoFullName string, prNumber int, body string) (*forge.IssueComment, error)
}

// Patcher is the capability ApplyFixSafely delegates to.
type Patcher interface {
	Apply(ctx context.Context, repoFullName, branch, commitMessage string, edits []contracts.ProposedEdit) contracts.PatchResult
}

// Cycle drives one PR review cycle end to end.
type Cycle struct {
	host        Host
	patcher     Patcher
	objectStore *store.ObjectStore
	recordStore *store.RecordStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	cfg         config.ReviewConfig
	botSlug     string
	log         *logrus.Entry
}

// NewCycle builds a Cycle.
func NewCycle(host Host, patcher Patcher, objectStore *store.ObjectStore, recordStore *store.RecordStore, bus *events.Bus, metrics *obstrace.Metrics, cfg config.ReviewConfig, botSlug string, log *logrus.Entry) *Cycle {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cycle{host: host, patcher: patcher, objectStore: objectStore, recordStore: recordStore, bus: bus, metrics: metrics, cfg: cfg, botSlug: botSlug, log: log}
}

// Outcome is the terminal result of one review cycle run.
type Outcome struct {
	Status       string // "aborted", "deferred", "success", "failed"
	Reason       string
	PacketRef    string
	PatchResult  contracts.PatchResult
}

// Run executes all seven steps for one normalized webhook event.
func (c *Cycle) Run(ctx context.Context, event contracts.GitHubPRReviewEvent) (Outcome, error) {
	started := time.Now()
	log := c.log.WithField("delivery_id", event.DeliveryID).WithField("repo", event.RepoFullName).WithField("pr_number", event.PRNumber)

	// Step 1: LoadPRContext.
	pr, contexts, packet, err := c.loadPRContext(ctx, event)
	if err != nil {
		c.recordOutcome(ctx, event, Outcome{Status: "failed", Reason: err.Error()})
		return Outcome{Status: "failed", Reason: err.Error()}, fmt.Errorf("load pr context: %w", err)
	}

	// Step 2: Guardrails.
	if reason, abort := c.guardrails(pr, event); abort {
		log.WithField("reason", reason).Info("review cycle aborted by guardrails")
		outcome := Outcome{Status: "aborted", Reason: reason}
		c.recordOutcome(ctx, event, outcome)
		c.recordPhase("aborted", started)
		return outcome, nil
	}

	// Step 3: BuildReviewPacket.
	packetRef, err := c.buildReviewPacket(ctx, event, packet)
	if err != nil {
		outcome := Outcome{Status: "failed", Reason: err.Error()}
		c.recordOutcome(ctx, event, outcome)
		c.recordPhase("failed", started)
		return outcome, fmt.Errorf("build review packet: %w", err)
	}

	// Step 4: LLMPlanFix.
	plan := planFix(event.DeliveryID, event.RepoFullName, event.PRNumber, event.CommentBody, contexts)

	// Step 5: ApplyFixSafely.
	patchResult := c.applyFixSafely(ctx, pr, event, plan)

	// Step 6: PostPRComment.
	if err := c.postComment(event, plan, patchResult); err != nil {
		log.WithError(err).Warn("failed to post pr review comment")
	}

	// Step 7: PersistOutcome.
	outcome := Outcome{Status: string(patchResult.Status), Reason: patchResult.Reason, PacketRef: packetRef, PatchResult: patchResult}
	c.recordOutcome(ctx, event, outcome)
	c.recordPhase(outcome.Status, started)

	c.bus.PublishBestEffort(events.Event{
		Type:       events.ReviewCycleCompleted,
		IncidentID: fmt.Sprintf("pr-review:%s#%d", event.RepoFullName, event.PRNumber),
		Payload:    outcome,
	})

	return outcome, nil
}

func (c *Cycle) recordPhase(status string, started time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordPhase("review_cycle", status, time.Since(started))
}

// loadPRContext is step 1: fetch PR metadata, the changed-file list capped
// at cfg.MaxFiles, and up to cfg.MaxCodeContexts code windows.
func (c *Cycle) loadPRContext(ctx context.Context, event contracts.GitHubPRReviewEvent) (*forge.PullRequest, []loadedContext, contracts.ReviewPacket, error) {
	pr, err := c.host.GetPullRequest(event.RepoFullName, event.PRNumber)
	if err != nil {
		return nil, nil, contracts.ReviewPacket{}, fmt.Errorf("get pull request: %w", err)
	}

	prFiles, err := c.host.ListPullRequestFiles(event.RepoFullName, event.PRNumber)
	if err != nil {
		return nil, nil, contracts.ReviewPacket{}, fmt.Errorf("list pull request files: %w", err)
	}
	files := make([]string, 0, len(prFiles))
	for i, f := range prFiles {
		if i >= c.cfg.MaxFiles {
			break
		}
		files = append(files, f.Filename)
	}

	pairs := extractPathLinePairs(event, c.cfg.MaxCodeContexts)
	contexts := make([]loadedContext, 0, len(pairs))
	codeContexts := make([]contracts.CodeContext, 0, len(pairs))
	for _, p := range pairs {
		lc, rendered, err := c.loadWindow(event.RepoFullName, pr.Head.Ref, p.path, p.line)
		if err != nil {
			c.log.WithError(err).WithField("path", p.path).Warn("could not load code context, continuing without it")
			continue
		}
		contexts = append(contexts, lc)
		codeContexts = append(codeContexts, contracts.CodeContext{Path: p.path, TargetLine: p.line, Window: rendered})
	}

	comment := event.CommentBody
	if len(comment) > c.cfg.MaxCommentBytes {
		comment = comment[:c.cfg.MaxCommentBytes]
	}

	packet := contracts.ReviewPacket{
		SchemaVersion: "pr_review_packet.v1",
		DeliveryID:    event.DeliveryID,
		RepoFullName:  event.RepoFullName,
		PRNumber:      event.PRNumber,
		HeadRef:       pr.Head.Ref,
		CommentBody:   comment,
		Files:         files,
		CodeContexts:  codeContexts,
		InlineContext: event.InlineContext,
	}
	return pr, contexts, packet, nil
}

// loadWindow fetches path at ref and builds a window lines above/below
// targetLine, right-aligning the line-number prefixes.
func (c *Cycle) loadWindow(repoFullName, ref, path string, targetLine int) (loadedContext, string, error) {
	file, err := c.host.GetFile(repoFullName, path, ref)
	if err != nil {
		return loadedContext{}, "", fmt.Errorf("get file %s: %w", path, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(file.Content)
	if err != nil {
		return loadedContext{}, "", fmt.Errorf("decode file %s: %w", path, err)
	}
	lines := strings.Split(string(decoded), "\n")

	start := targetLine - c.cfg.ContextWindow
	if start < 1 {
		start = 1
	}
	end := targetLine + c.cfg.ContextWindow
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return loadedContext{}, "", fmt.Errorf("target line %d out of range for %s (%d lines)", targetLine, path, len(lines))
	}

	width := len(strconv.Itoa(end))
	var b strings.Builder
	windowLines := make([]string, 0, end-start+1)
	for n := start; n <= end; n++ {
		text := lines[n-1]
		windowLines = append(windowLines, text)
		fmt.Fprintf(&b, "%*d: %s\n", width, n, text)
	}
	return loadedContext{path: path, startLine: start, rawLines: windowLines}, b.String(), nil
}

type pathLine struct {
	path string
	line int
}

var backtickPathLine = regexp.MustCompile("`([\\w./-]+\\.[a-zA-Z0-9]+):(\\d+)`")

// extractPathLinePairs pulls up to max (path, line) targets from the event:
// the inline review-comment position first, then any `file:line` references
// in the comment body.
func extractPathLinePairs(event contracts.GitHubPRReviewEvent, max int) []pathLine {
	var pairs []pathLine
	seen := map[string]bool{}
	add := func(path string, line int) {
		key := fmt.Sprintf("%s:%d", path, line)
		if seen[key] || len(pairs) >= max {
			return
		}
		seen[key] = true
		pairs = append(pairs, pathLine{path: path, line: line})
	}

	if event.InlineContext != nil && event.InlineContext.Line != nil {
		add(event.InlineContext.Path, *event.InlineContext.Line)
	}
	for _, m := range backtickPathLine.FindAllStringSubmatch(event.CommentBody, -1) {
		if len(pairs) >= max {
			break
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		add(m[1], line)
	}
	return pairs
}

// guardrails is step 2: aborts loop-inducing or un-marked deliveries.
func (c *Cycle) guardrails(pr *forge.PullRequest, event contracts.GitHubPRReviewEvent) (reason string, abort bool) {
	if strings.HasSuffix(event.SenderLogin, "[bot]") || (c.botSlug != "" && event.SenderLogin == c.botSlug) {
		return "sender is a bot account", true
	}
	if c.cfg.StopCommand != "" && strings.Contains(event.CommentBody, c.cfg.StopCommand) {
		return "stop command issued", true
	}

	marker := c.cfg.GuardrailMarker
	markerPresent := strings.Contains(pr.Body, marker) || pr.User.Login == c.botSlug
	for _, label := range pr.Labels {
		if label.Name == marker {
			markerPresent = true
		}
	}
	if !markerPresent {
		return "guardrail marker absent from pr body, labels, and author", true
	}
	return "", false
}

// buildReviewPacket is step 3.
func (c *Cycle) buildReviewPacket(ctx context.Context, event contracts.GitHubPRReviewEvent, packet contracts.ReviewPacket) (string, error) {
	key := store.ReviewPacketKey(event.RepoFullName, event.PRNumber, event.DeliveryID)
	if _, _, err := c.objectStore.PutJSON(ctx, key, packet); err != nil {
		return "", fmt.Errorf("persist review packet: %w", err)
	}
	return key, nil
}

// applyFixSafely is step 5: a plan requiring human review or classified as
// high risk is deferred without ever reaching the patcher.
func (c *Cycle) applyFixSafely(ctx context.Context, pr *forge.PullRequest, event contracts.GitHubPRReviewEvent, plan contracts.PRFixPlan) contracts.PatchResult {
	if plan.RequiresHuman || plan.RiskLevel == contracts.RiskHigh {
		return contracts.PatchResult{Status: contracts.PatchDeferred, Reason: plan.Summary}
	}
	if len(plan.ProposedEdits) == 0 {
		return contracts.PatchResult{Status: contracts.PatchDeferred, Reason: "no proposed edits"}
	}
	commitMessage := fmt.Sprintf("opsrunbook-copilot: auto-fix from review comment (delivery %s)", event.DeliveryID)
	return c.patcher.Apply(ctx, event.RepoFullName, pr.Head.Ref, commitMessage, plan.ProposedEdits)
}

// postComment is step 6: a fixed-template outcome comment, always
// including the delivery id for traceability.
func (c *Cycle) postComment(event contracts.GitHubPRReviewEvent, plan contracts.PRFixPlan, result contracts.PatchResult) error {
	var body strings.Builder
	fmt.Fprintf(&body, "**opsrunbook-copilot review outcome**\n\n")
	fmt.Fprintf(&body, "- status: `%s`\n", result.Status)
	if result.Reason != "" {
		fmt.Fprintf(&body, "- reason: %s\n", result.Reason)
	}
	if result.CommitSHA != "" {
		fmt.Fprintf(&body, "- commit: `%s`\n", result.CommitSHA)
	}
	if len(result.UpdatedFiles) > 0 {
		fmt.Fprintf(&body, "- files touched: %s\n", strings.Join(result.UpdatedFiles, ", "))
	}
	if plan.RequiresHuman {
		fmt.Fprintf(&body, "- human review required: %s\n", plan.Summary)
	}
	fmt.Fprintf(&body, "\n_delivery: %s_\n", event.DeliveryID)

	_, err := c.host.PostIssueComment(event.RepoFullName, event.PRNumber, body.String())
	return err
}

// recordOutcome is step 7.
func (c *Cycle) recordOutcome(ctx context.Context, event contracts.GitHubPRReviewEvent, outcome Outcome) {
	err := c.recordStore.PutPRReviewOutcome(ctx, event.RepoFullName, event.PRNumber, store.PRReviewOutcome{
		DeliveryID: event.DeliveryID,
		Outcome:    outcome.Status,
		Reason:     outcome.Reason,
		CommitSHA:  outcome.PatchResult.CommitSHA,
		Files:      outcome.PatchResult.UpdatedFiles,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to persist review outcome")
	}
}
