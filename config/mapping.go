package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// MappingRuleType selects how Pattern is compared against a signal value.
type MappingRuleType string

const (
	MappingExact  MappingRuleType = "exact"
	MappingPrefix MappingRuleType = "prefix"
)

// MappingSignal names which extracted signal a rule matches against.
type MappingSignal string

const (
	SignalServiceName  MappingSignal = "service_name"
	SignalLambdaName   MappingSignal = "lambda_name"
	SignalLogGroup     MappingSignal = "log_group"
	SignalWorkflowName MappingSignal = "workflow_name"
)

// MappingRule is one entry of the repo resolver's first, highest-priority
// tier.
type MappingRule struct {
	Type    MappingRuleType `mapstructure:"type"`
	Signal  MappingSignal   `mapstructure:"signal"`
	Pattern string          `mapstructure:"pattern"`
	Repo    string          `mapstructure:"repo"`
}

// Matches reports whether value satisfies this rule.
func (r MappingRule) Matches(value string) bool {
	switch r.Type {
	case MappingExact:
		return value == r.Pattern
	case MappingPrefix:
		return len(value) >= len(r.Pattern) && value[:len(r.Pattern)] == r.Pattern
	default:
		return false
	}
}

// LoadMappingRules reads the YAML mapping-rules file the resolver consults.
// Wired through spf13/viper: a small, file-based structured config read once
// at process start, distinct from the flat env-var surface config.go covers.
func LoadMappingRules(path string) ([]MappingRule, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load mapping rules from %s: %w", path, err)
	}
	var rules []MappingRule
	if err := v.UnmarshalKey("rules", &rules); err != nil {
		return nil, fmt.Errorf("parse mapping rules from %s: %w", path, err)
	}
	return rules, nil
}
