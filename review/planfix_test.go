package review

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

func TestPlanFix_ReplacePatternWithContextProducesLowRiskAutoApply(t *testing.T) {
	contexts := []loadedContext{
		{path: "src/main.go", startLine: 10, rawLines: []string{"func main() {", "  const x = 1", "}"}},
	}
	plan := planFix("dlv-1", "acme/widgets", 7, `replace "const x = 1" with "const x = 2"`, contexts)

	require.Equal(t, contracts.RiskLow, plan.RiskLevel)
	require.False(t, plan.RequiresHuman)
	require.Len(t, plan.ProposedEdits, 1)
	require.Equal(t, "src/main.go", plan.ProposedEdits[0].FilePath)
	require.Equal(t, 11, plan.ProposedEdits[0].TargetLine)
	require.Contains(t, plan.ProposedEdits[0].Patch, "-  const x = 1")
	require.Contains(t, plan.ProposedEdits[0].Patch, "+  const x = 2")
}

func TestPlanFix_ChangePatternRecognized(t *testing.T) {
	contexts := []loadedContext{
		{path: "src/a.go", startLine: 1, rawLines: []string{"var y = 5"}},
	}
	plan := planFix("dlv-1", "acme/widgets", 7, `change "y = 5" to "y = 6"`, contexts)
	require.Equal(t, contracts.RiskLow, plan.RiskLevel)
	require.Len(t, plan.ProposedEdits, 1)
}

func TestPlanFix_TypoPatternRecognized(t *testing.T) {
	contexts := []loadedContext{
		{path: "src/a.go", startLine: 1, rawLines: []string{"// recieve the payload"}},
	}
	plan := planFix("dlv-1", "acme/widgets", 7, "typo: recieve should be receive", contexts)
	require.Equal(t, contracts.RiskLow, plan.RiskLevel)
	require.Len(t, plan.ProposedEdits, 1)
	require.Contains(t, plan.ProposedEdits[0].Patch, "+// receive the payload")
}

func TestPlanFix_ContextPresentButPatternUnresolvedIsMediumRisk(t *testing.T) {
	contexts := []loadedContext{
		{path: "src/a.go", startLine: 1, rawLines: []string{"var z = 1"}},
	}
	plan := planFix("dlv-1", "acme/widgets", 7, "this line looks wrong, please check", contexts)
	require.Equal(t, contracts.RiskMedium, plan.RiskLevel)
	require.True(t, plan.RequiresHuman)
	require.Empty(t, plan.ProposedEdits)
}

func TestPlanFix_MatchedTextNotInAnyContextIsMediumRisk(t *testing.T) {
	contexts := []loadedContext{
		{path: "src/a.go", startLine: 1, rawLines: []string{"var z = 1"}},
	}
	plan := planFix("dlv-1", "acme/widgets", 7, `replace "not present anywhere" with "y"`, contexts)
	require.Equal(t, contracts.RiskMedium, plan.RiskLevel)
	require.True(t, plan.RequiresHuman)
	require.Empty(t, plan.ProposedEdits)
}

func TestPlanFix_NoContextIsHighRisk(t *testing.T) {
	plan := planFix("dlv-1", "acme/widgets", 7, `replace "x" with "y"`, nil)
	require.Equal(t, contracts.RiskHigh, plan.RiskLevel)
	require.True(t, plan.RequiresHuman)
	require.Empty(t, plan.ProposedEdits)
}
