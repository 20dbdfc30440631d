package review

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// loadedContext is the working-memory form of one code context gathered by
// LoadPRContext: raw, unprefixed lines plus the absolute line number the
// first element corresponds to, kept around so planFix can locate and
// rewrite an exact line without re-parsing the rendered window text.
type loadedContext struct {
	path      string
	startLine int // absolute line number of rawLines[0]
	rawLines  []string
}

var (
	reReplace = regexp.MustCompile(`replace "([^"]+)" with "([^"]+)"`)
	reChange  = regexp.MustCompile(`change "([^"]+)" to "([^"]+)"`)
	reTypo    = regexp.MustCompile(`(?i)typo:\s*(.+?)\s+should be\s+([^.\n]+)`)
)

// extractEdit finds the first replace-pattern in comment and reports the
// (from, to) pair it names. The three patterns are tried in a fixed order;
// only the first match in the comment is used, mirroring the single-fix
// scope of one inline review comment.
func extractEdit(comment string) (from, to string, ok bool) {
	for _, re := range []*regexp.Regexp{reReplace, reChange, reTypo} {
		if m := re.FindStringSubmatch(comment); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
		}
	}
	return "", "", false
}

// locate finds which raw line within ctx contains from, returning the
// absolute line number and the line's text. The line-number prefix search
// is what "derives" the target from the snippet rather than the comment.
func (c loadedContext) locate(from string) (line int, text string, ok bool) {
	for i, raw := range c.rawLines {
		if strings.Contains(raw, from) {
			return c.startLine + i, raw, true
		}
	}
	return 0, "", false
}

// buildEdit constructs a one-line unified diff hunk replacing the first
// occurrence of from with to on the context's matched line.
func buildEdit(ctx loadedContext, line int, oldLine, from, to string) contracts.ProposedEdit {
	newLine := strings.Replace(oldLine, from, to, 1)
	patch := fmt.Sprintf("@@ -%d,1 +%d,1 @@\n-%s\n+%s\n", line, line, oldLine, newLine)
	return contracts.ProposedEdit{
		FilePath:   ctx.path,
		ChangeType: contracts.ChangeEdit,
		Patch:      patch,
		Rationale:  fmt.Sprintf("review comment requested replacing %q with %q", from, to),
		TargetLine: line,
	}
}

// planFix is the deterministic LLMPlanFix stub: it looks for a single
// replace-pattern in the comment body, tries to place it against each
// gathered code context in order, and classifies risk from whether context
// and a concrete patch were both available.
func planFix(deliveryID, repoFullName string, prNumber int, comment string, contexts []loadedContext) contracts.PRFixPlan {
	plan := contracts.PRFixPlan{
		SchemaVersion: "pr_fix_plan.v1",
		DeliveryID:    deliveryID,
		PRNumber:      prNumber,
		RepoFullName:  repoFullName,
	}

	hasContext := len(contexts) > 0
	from, to, matched := extractEdit(comment)

	if matched {
		for _, ctx := range contexts {
			line, text, found := ctx.locate(from)
			if !found {
				continue
			}
			plan.ProposedEdits = append(plan.ProposedEdits, buildEdit(ctx, line, text, from, to))
			break
		}
	}

	switch {
	case hasContext && len(plan.ProposedEdits) > 0:
		plan.RiskLevel = contracts.RiskLow
		plan.RequiresHuman = false
		plan.Summary = fmt.Sprintf("auto-fix: replace %q with %q in %s", from, to, plan.ProposedEdits[0].FilePath)
	case hasContext:
		plan.RiskLevel = contracts.RiskMedium
		plan.RequiresHuman = true
		plan.Summary = "code context available but no resolvable replacement pattern; human review required"
	default:
		plan.RiskLevel = contracts.RiskHigh
		plan.RequiresHuman = true
		plan.Summary = "no code context available; human review required"
	}

	return plan
}
