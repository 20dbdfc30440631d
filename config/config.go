// Package config provides environment-variable configuration loading and
// validation for opsrunbook-copilot services, using an EnvConfig / Validator
// / ConfigLoader pattern shared by every service in this repository.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetFloat retrieves a float value from environment with optional default
func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServerConfig contains HTTP ingress server configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

// LoadServerConfig loads server configuration from environment
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
	}
}

// ServiceConfig contains common service identity configuration
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service configuration from environment
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "opsrunbook-copilot"),
		Version:     env.GetString("VERSION", "0.0.1"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// WindowConfig bounds the incident time window accepted at ingress.
type WindowConfig struct {
	MaxMinutes int // default 15
}

// LoadWindowConfig loads window configuration from environment.
func LoadWindowConfig(prefix string) WindowConfig {
	env := NewEnvConfig(prefix)
	return WindowConfig{MaxMinutes: env.GetInt("WINDOW_MAX_MINUTES", 15)}
}

// EvidenceConfig configures the object-store bucket and the budgeter's caps.
type EvidenceConfig struct {
	Bucket            string
	MaxRowsPerSection int
	MaxBytes          int
	PollDeadline      time.Duration // D_poll for the logs collector
}

// LoadEvidenceConfig loads evidence configuration from environment.
func LoadEvidenceConfig(prefix string) EvidenceConfig {
	env := NewEnvConfig(prefix)
	return EvidenceConfig{
		Bucket:            env.GetString("EVIDENCE_BUCKET", ""),
		MaxRowsPerSection: env.GetInt("EVIDENCE_MAX_ROWS", 100),
		MaxBytes:          env.GetInt("EVIDENCE_MAX_BYTES", 200*1024),
		PollDeadline:      env.GetDuration("EVIDENCE_POLL_DEADLINE", 30*time.Second),
	}
}

// ResolverConfig configures the deterministic repo resolver.
type ResolverConfig struct {
	MappingRulesPath   string
	ConfidenceThreshold float64 // T, default 0.7 — gates the PR action
	MaxVerifyCalls     int      // hard per-resolution budget, default 4
}

// LoadResolverConfig loads resolver configuration from environment.
func LoadResolverConfig(prefix string) ResolverConfig {
	env := NewEnvConfig(prefix)
	return ResolverConfig{
		MappingRulesPath:    env.GetString("MAPPING_RULES_PATH", ""),
		ConfidenceThreshold: env.GetFloat("CONFIDENCE_THRESHOLD", 0.7),
		MaxVerifyCalls:      env.GetInt("MAX_VERIFY_CALLS", 4),
	}
}

// ProviderConfig configures the external ticket/chat/source-control
// capabilities and the feature flags that gate them.
type ProviderConfig struct {
	DryRun           bool
	AutomationEnabled bool
	PREnabled        bool

	GitHubOwner          string
	GitHubToken          string // flat PAT path
	GitHubAppID          string // GitHub App path (alternate credential)
	GitHubInstallationID string
	GitHubAppPEM         string
	GitHubWebhookSecret  string
	GitHubBotSlug        string

	TicketBaseURL string
	TicketToken   string

	ChatWebhookURL string
}

// LoadProviderConfig loads provider configuration from environment.
func LoadProviderConfig(prefix string) ProviderConfig {
	env := NewEnvConfig(prefix)
	return ProviderConfig{
		DryRun:            env.GetBool("DRY_RUN", true),
		AutomationEnabled: env.GetBool("AUTOMATION_ENABLED", true),
		PREnabled:         env.GetBool("PR_ACTION_ENABLED", false),

		GitHubOwner:          env.GetString("GITHUB_OWNER", ""),
		GitHubToken:          env.GetString("GITHUB_TOKEN", ""),
		GitHubAppID:          env.GetString("GITHUB_APP_ID", ""),
		GitHubInstallationID: env.GetString("GITHUB_INSTALLATION_ID", ""),
		GitHubAppPEM:         env.GetString("GITHUB_APP_PEM", ""),
		GitHubWebhookSecret:  env.GetString("GITHUB_WEBHOOK_SECRET", ""),
		GitHubBotSlug:        env.GetString("GITHUB_BOT_SLUG", "opsrunbook-copilot-bot"),

		TicketBaseURL: env.GetString("TICKET_BASE_URL", ""),
		TicketToken:   env.GetString("TICKET_TOKEN", ""),

		ChatWebhookURL: env.GetString("CHAT_WEBHOOK_URL", ""),
	}
}

// PatchConfig bounds what the safe-patch engine is allowed to touch.
type PatchConfig struct {
	AllowedPathPrefixes []string
	BlockedPathPatterns []string
	MaxFileBytes        int
	MaxFiles            int
}

// LoadPatchConfig loads safe-patch configuration from environment. The
// blocklist defaults cover CI configuration a fix should never rewrite;
// the allowlist defaults to application source roots.
func LoadPatchConfig(prefix string) PatchConfig {
	env := NewEnvConfig(prefix)
	return PatchConfig{
		AllowedPathPrefixes: env.GetStringSlice("PATCH_ALLOWED_PREFIXES", []string{"src/", "internal/", "pkg/", "lib/", "app/"}),
		BlockedPathPatterns: env.GetStringSlice("PATCH_BLOCKED_PATTERNS", []string{
			".github/workflows/", ".circleci/", ".gitlab-ci.yml", "Jenkinsfile", ".travis.yml",
		}),
		MaxFileBytes: env.GetInt("PATCH_MAX_FILE_BYTES", 500*1024),
		MaxFiles:     env.GetInt("PATCH_MAX_FILES", 5),
	}
}

// ReviewConfig bounds the PR review cycle's context gathering and fix
// classification.
type ReviewConfig struct {
	GuardrailMarker   string // must appear in PR body/labels to proceed
	MaxFiles          int    // file-list cap, default 20
	MaxCodeContexts   int    // (path, line) pairs per delivery, default 3
	ContextWindow     int    // lines above/below the target line
	MaxCommentBytes   int    // normalized comment_body cap, default 4000
	StopCommand       string
	ResumeCommand     string
}

// LoadReviewConfig loads PR review cycle configuration from environment.
func LoadReviewConfig(prefix string) ReviewConfig {
	env := NewEnvConfig(prefix)
	return ReviewConfig{
		GuardrailMarker: env.GetString("REVIEW_GUARDRAIL_MARKER", "opsrunbook_copilot"),
		MaxFiles:        env.GetInt("REVIEW_MAX_FILES", 20),
		MaxCodeContexts: env.GetInt("REVIEW_MAX_CODE_CONTEXTS", 3),
		ContextWindow:   env.GetInt("REVIEW_CONTEXT_WINDOW", 5),
		MaxCommentBytes: env.GetInt("REVIEW_MAX_COMMENT_BYTES", 4000),
		StopCommand:     env.GetString("REVIEW_STOP_COMMAND", "/copilot stop"),
		ResumeCommand:   env.GetString("REVIEW_RESUME_COMMAND", "/copilot resume"),
	}
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// AllConfig aggregates every configuration section the pipeline needs.
type AllConfig struct {
	Server   ServerConfig
	Service  ServiceConfig
	Window   WindowConfig
	Evidence EvidenceConfig
	Resolver ResolverConfig
	Provider ProviderConfig
	Patch    PatchConfig
	Review   ReviewConfig
}

// LoadAll loads and validates the full configuration tree.
func LoadAll(prefix string) (*AllConfig, error) {
	cfg := &AllConfig{
		Server:   LoadServerConfig(prefix),
		Service:  LoadServiceConfig(prefix),
		Window:   LoadWindowConfig(prefix),
		Evidence: LoadEvidenceConfig(prefix),
		Resolver: LoadResolverConfig(prefix),
		Provider: LoadProviderConfig(prefix),
		Patch:    LoadPatchConfig(prefix),
		Review:   LoadReviewConfig(prefix),
	}

	v := NewValidator()
	v.RequireOneOf("Service.Environment", cfg.Service.Environment,
		[]string{"development", "staging", "production"})
	v.RequireOneOf("Service.LogLevel", cfg.Service.LogLevel,
		[]string{"debug", "info", "warn", "error"})
	v.RequirePositiveInt("Server.Port", cfg.Server.Port)
	v.RequirePositiveInt("Window.MaxMinutes", cfg.Window.MaxMinutes)
	if err := v.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
