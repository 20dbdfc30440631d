package reporesolve

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

type fakeFileChecker struct {
	calls   int
	existsFor map[string]bool // "repo/path" -> exists
}

func (f *fakeFileChecker) FileExists(repo, path string) (bool, error) {
	f.calls++
	return f.existsFor[repo+"/"+path], nil
}

func TestResolve_MappingRuleWins(t *testing.T) {
	rules := []config.MappingRule{
		{Type: config.MappingExact, Signal: config.SignalServiceName, Pattern: "loggen", Repo: "org/loggen-repo"},
	}
	r := New(rules, nil, nil)
	res := r.Resolve(contracts.IncidentPacket{}, Signals{ServiceName: "loggen"})

	require.Equal(t, "org/loggen-repo", res.RepoFullName)
	require.Equal(t, 0.95, res.Confidence)
	require.Equal(t, contracts.VerificationMapping, res.Verification)
}

func TestResolve_NoMatchReturnsEmptyWithZeroConfidence(t *testing.T) {
	r := New(nil, nil, nil)
	res := r.Resolve(contracts.IncidentPacket{}, Signals{ServiceName: "unknown-service"})

	require.Equal(t, "", res.RepoFullName)
	require.Equal(t, 0.0, res.Confidence)
}

func TestResolve_VerifiedTrace(t *testing.T) {
	checker := &fakeFileChecker{existsFor: map[string]bool{"org/widgets/src/main.go": true}}
	r := New(nil, nil, checker)
	packet := contracts.IncidentPacket{
		Findings: []contracts.Finding{{Summary: "panic at src/main.go:10"}},
		SuspectedOwners: []contracts.SuspectedOwner{{Repo: "org/widgets"}},
	}
	res := r.Resolve(packet, Signals{ServiceName: "widgets"})

	require.Equal(t, "org/widgets", res.RepoFullName)
	require.Equal(t, 0.85, res.Confidence)
	require.Equal(t, contracts.VerificationVerified, res.Verification)
	require.LessOrEqual(t, checker.calls, maxFileExistsCalls)
}

func TestResolve_HeuristicFallback(t *testing.T) {
	r := New(nil, nil, nil)
	packet := contracts.IncidentPacket{
		SuspectedOwners: []contracts.SuspectedOwner{{Repo: "org/widgets"}},
	}
	res := r.Resolve(packet, Signals{ServiceName: "widgets"})

	require.Equal(t, "org/widgets", res.RepoFullName)
	require.Equal(t, 0.50, res.Confidence)
	require.Equal(t, contracts.VerificationUnverified, res.Verification)
}

func TestResolve_BoundedFileExistsCalls(t *testing.T) {
	checker := &fakeFileChecker{existsFor: map[string]bool{}}
	r := New(nil, nil, checker)
	packet := contracts.IncidentPacket{
		Findings: []contracts.Finding{{Summary: "at a.go:1\nat b.go:2\nat c.go:3\nat d.go:4\nat e.go:5"}},
		SuspectedOwners: []contracts.SuspectedOwner{
			{Repo: "org/a"}, {Repo: "org/b"}, {Repo: "org/c"},
		},
	}
	res := r.Resolve(packet, Signals{ServiceName: "widgets"})

	require.LessOrEqual(t, checker.calls, maxFileExistsCalls)
	require.Equal(t, "org/a", res.RepoFullName) // falls through to heuristic since nothing verified
	require.Equal(t, 0.50, res.Confidence)
}

func TestExtractSignals_ParsesLambdaNameAndArnTail(t *testing.T) {
	s := ExtractSignals("checkout", []string{"/aws/lambda/checkout-handler"},
		[]string{"arn:aws:states:us-east-1:123456789012:stateMachine:checkout-flow"},
		[]string{"evidence/inc-1/logs.json"})

	require.Equal(t, "checkout", s.ServiceName)
	require.Contains(t, s.LogGroups, "/aws/lambda/checkout-handler")
	require.Equal(t, "checkout-flow", s.WorkflowName)
}
