// Package reporesolve implements the deterministic, bounded repository
// resolver: mapping rules first, then a narrowly-bounded source-control
// verification pass, then a heuristic fallback.
package reporesolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/traceparse"
)

const (
	confidenceMapping    = 0.95
	confidenceVerified   = 0.85
	confidenceHeuristic  = 0.50
	confidenceNone       = 0.0

	maxCandidateRepos = 2
	maxPathsPerRepo   = 2
	maxFileExistsCalls = 4
)

var lambdaNameRe = regexp.MustCompile(`/aws/lambda/([\w-]+)`)
var arnTailRe = regexp.MustCompile(`arn:aws:[\w-]+:[\w-]*:\d*:[\w-]+[:/]([\w-]+)`)

// FileChecker probes whether path exists in repo at the default branch,
// the single external capability the resolver's verification tier needs.
type FileChecker interface {
	FileExists(repo, path string) (bool, error)
}

// Resolver produces a RepoResolution for one incident packet.
type Resolver struct {
	mappingRules []config.MappingRule
	legacyMap    map[string]string // service name -> repo, step-3 fallback candidate source
	checker      FileChecker
}

// New builds a Resolver over the given mapping rules and an optional
// service->repo legacy map, used by the heuristic tier when no mapping
// rule or suspected owner applies.
func New(mappingRules []config.MappingRule, legacyMap map[string]string, checker FileChecker) *Resolver {
	return &Resolver{mappingRules: mappingRules, legacyMap: legacyMap, checker: checker}
}

// Signals is the set of values extracted from one packet that mapping
// rules are matched against.
type Signals struct {
	ServiceName  string
	LambdaNames  []string
	LogGroups    []string
	WorkflowName string
}

// ExtractSignals pulls resolver signals out of a packet and its originating
// incident event.
func ExtractSignals(service string, logGroups []string, workflowARNs []string, evidenceKeys []string) Signals {
	s := Signals{ServiceName: service, LogGroups: logGroups}
	for _, key := range evidenceKeys {
		for _, m := range lambdaNameRe.FindAllStringSubmatch(key, -1) {
			s.LambdaNames = append(s.LambdaNames, m[1])
		}
	}
	for _, arn := range workflowARNs {
		if m := arnTailRe.FindStringSubmatch(arn); m != nil {
			s.WorkflowName = m[1]
		}
	}
	return s
}

// Resolve runs the four-tier resolution process over one packet.
func (r *Resolver) Resolve(packet contracts.IncidentPacket, signals Signals) contracts.RepoResolution {
	var reasons []string

	if repo, reason, ok := r.matchMappingRules(signals); ok {
		reasons = append(reasons, reason)
		return contracts.RepoResolution{
			RepoFullName: repo,
			Confidence:   confidenceMapping,
			Reasons:      reasons,
			Verification: contracts.VerificationMapping,
			TraceFrames:  r.parseFrames(packet),
		}
	}

	frames := r.parseFrames(packet)
	candidates := r.candidateRepos(packet, signals)

	if repo, reason, ok := r.verifyAgainstHost(candidates, frames); ok {
		reasons = append(reasons, reason)
		return contracts.RepoResolution{
			RepoFullName: repo,
			Confidence:   confidenceVerified,
			Reasons:      reasons,
			Verification: contracts.VerificationVerified,
			TraceFrames:  frames,
		}
	}

	if len(candidates) > 0 {
		reasons = append(reasons, fmt.Sprintf("heuristic candidate: %s", candidates[0]))
		return contracts.RepoResolution{
			RepoFullName: candidates[0],
			Confidence:   confidenceHeuristic,
			Reasons:      reasons,
			Verification: contracts.VerificationUnverified,
			TraceFrames:  frames,
		}
	}

	return contracts.RepoResolution{
		RepoFullName: "",
		Confidence:   confidenceNone,
		Reasons:      []string{"no mapping rule, candidate, or verified match"},
		Verification: contracts.VerificationUnverified,
		TraceFrames:  frames,
	}
}

func (r *Resolver) matchMappingRules(s Signals) (repo, reason string, ok bool) {
	values := []struct {
		signal config.MappingSignal
		value  string
	}{
		{config.SignalServiceName, s.ServiceName},
		{config.SignalWorkflowName, s.WorkflowName},
	}
	for _, lambda := range s.LambdaNames {
		values = append(values, struct {
			signal config.MappingSignal
			value  string
		}{config.SignalLambdaName, lambda})
	}
	for _, lg := range s.LogGroups {
		values = append(values, struct {
			signal config.MappingSignal
			value  string
		}{config.SignalLogGroup, lg})
	}

	for _, rule := range r.mappingRules {
		for _, v := range values {
			if v.value == "" || rule.Signal != v.signal {
				continue
			}
			if rule.Matches(v.value) {
				return rule.Repo, fmt.Sprintf("mapping rule matched %s=%q", rule.Signal, v.value), true
			}
		}
	}
	return "", "", false
}

func (r *Resolver) parseFrames(packet contracts.IncidentPacket) []contracts.TraceFrame {
	var text strings.Builder
	for _, f := range packet.Findings {
		text.WriteString(f.Summary)
		text.WriteString("\n")
		text.WriteString(f.Notes)
		text.WriteString("\n")
	}
	parsed := traceparse.Parse(text.String())
	out := make([]contracts.TraceFrame, 0, len(parsed))
	for _, f := range parsed {
		out = append(out, contracts.TraceFrame{
			RawPath:        f.RawPath,
			NormalizedPath: f.NormalizedPath,
			Line:           f.Line,
			Column:         f.Column,
			Function:       f.Function,
		})
	}
	return out
}

func (r *Resolver) candidateRepos(packet contracts.IncidentPacket, s Signals) []string {
	var candidates []string
	seen := make(map[string]bool)
	add := func(repo string) {
		if repo == "" || seen[repo] {
			return
		}
		seen[repo] = true
		candidates = append(candidates, repo)
	}
	for _, owner := range packet.SuspectedOwners {
		if owner.Repo != "unknown" {
			add(owner.Repo)
		}
	}
	if repo, ok := r.legacyMap[s.ServiceName]; ok {
		add(repo)
	}
	return candidates
}

// verifyAgainstHost probes at most maxCandidateRepos repos x maxPathsPerRepo
// frame paths, under a hard ceiling of maxFileExistsCalls total calls.
func (r *Resolver) verifyAgainstHost(candidates []string, frames []contracts.TraceFrame) (repo, reason string, ok bool) {
	if r.checker == nil || len(candidates) == 0 || len(frames) == 0 {
		return "", "", false
	}

	calls := 0
	repoLimit := len(candidates)
	if repoLimit > maxCandidateRepos {
		repoLimit = maxCandidateRepos
	}

	for _, cand := range candidates[:repoLimit] {
		pathLimit := len(frames)
		if pathLimit > maxPathsPerRepo {
			pathLimit = maxPathsPerRepo
		}
		for _, frame := range frames[:pathLimit] {
			if calls >= maxFileExistsCalls {
				return "", "", false
			}
			calls++
			exists, err := r.checker.FileExists(cand, frame.NormalizedPath)
			if err != nil || !exists {
				continue
			}
			return cand, fmt.Sprintf("verified %s exists in %s", frame.NormalizedPath, cand), true
		}
	}
	return "", "", false
}
