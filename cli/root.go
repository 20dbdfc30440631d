// Package cli provides the command-line interface and HTTP server bootstrap
// for opsrunbookd, the incident-response pipeline service.
//
// This package orchestrates the complete application lifecycle: loading
// configuration, wiring storage/messaging/observability dependencies,
// assembling the incident pipeline, and running the HTTP ingress server
// with graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rajawajahat/opsrunbook-copilot/actions"
	"github.com/rajawajahat/opsrunbook-copilot/collectors"
	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/forge"
	"github.com/rajawajahat/opsrunbook-copilot/httpapi"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/patch"
	"github.com/rajawajahat/opsrunbook-copilot/pipeline"
	"github.com/rajawajahat/opsrunbook-copilot/reporesolve"
	"github.com/rajawajahat/opsrunbook-copilot/review"
	"github.com/rajawajahat/opsrunbook-copilot/store"
	"github.com/rajawajahat/opsrunbook-copilot/webhook"
)

// cfgFile holds the path to an optional YAML config file overlaying the
// environment-variable configuration read by config.LoadAll.
var cfgFile string

// RootCmd is the opsrunbookd entry point: load configuration, wire the
// incident pipeline, and serve the HTTP ingress until a shutdown signal
// arrives.
var RootCmd = &cobra.Command{
	Use:   "opsrunbookd",
	Short: "automated cloud incident-response pipeline",
	Long: `opsrunbookd ingests incident events, fans evidence collection out across
logs/metrics/workflow backends, analyzes the evidence into a root-cause
packet, resolves the owning repository, and executes the resulting
ticket/notify/PR action plan.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file ($HOME/.opsrunbookd.yaml by default)")
	viper.BindPFlag("config", RootCmd.PersistentFlags().Lookup("config"))
}

// initConfig loads an optional YAML overlay via viper, applying its values
// to the process environment so config.LoadAll (the flat env-var reader
// every service in this repository shares) picks them up uniformly.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".opsrunbookd")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
		for _, key := range viper.AllKeys() {
			envKey := toEnvKey(key)
			if os.Getenv(envKey) == "" {
				os.Setenv(envKey, viper.GetString(key))
			}
		}
	}
}

func toEnvKey(viperKey string) string {
	out := make([]byte, 0, len(viperKey))
	for _, r := range viperKey {
		if r == '.' || r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// runServer wires every dependency the incident pipeline needs and serves
// the HTTP ingress until SIGINT/SIGTERM.
func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadAll("OPSRUNBOOK")
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Service.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Service.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := logger.WithField("service", cfg.Service.Name)

	ctx := context.Background()

	dsn := os.Getenv("OPSRUNBOOK_DATABASE_URL")
	recordStore, err := store.NewRecordStore(dsn)
	if err != nil {
		log.Fatalf("connect record store: %v", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	objectStore := store.NewObjectStore(s3.NewFromConfig(awsCfg), cfg.Evidence.Bucket)
	if err := objectStore.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure evidence bucket: %v", err)
	}

	cache, err := store.NewCache(ctx, store.CacheConfig{RedisURL: os.Getenv("OPSRUNBOOK_REDIS_URL")})
	if err != nil {
		log.Fatalf("connect cache: %v", err)
	}
	defer cache.Close()

	bus, err := events.NewBus(events.Config{URL: os.Getenv("OPSRUNBOOK_AMQP_URL")})
	if err != nil {
		log.Fatalf("connect event bus: %v", err)
	}

	metrics := obstrace.NewMetrics("opsrunbook")
	tracing := obstrace.InitFromEnv(cfg.Service.Name, cfg.Service.Version)
	if tracing != nil {
		defer tracing.Shutdown(ctx)
	}

	mappingRules, err := config.LoadMappingRules(cfg.Resolver.MappingRulesPath)
	if err != nil {
		log.Fatalf("load mapping rules: %v", err)
	}
	resolver := reporesolve.New(mappingRules, nil, nil)

	logsCollector := collectors.NewLogsCollector(collectors.NewCloudWatchLogsBackend(cloudwatchlogs.NewFromConfig(awsCfg)), objectStore, bus, metrics)
	metricsCollector := collectors.NewMetricsCollector(collectors.NewCloudWatchMetricsBackend(cloudwatch.NewFromConfig(awsCfg)), objectStore, bus, metrics)
	workflowCollector := collectors.NewWorkflowCollector(collectors.NewStepFunctionsBackend(sfn.NewFromConfig(awsCfg)), objectStore, bus, metrics)
	fanout := pipeline.NewFanout([]pipeline.Collector{logsCollector, metricsCollector, workflowCollector}, pipeline.DefaultFanoutConfig(), entry)

	snapshots := pipeline.NewSnapshotPersister(objectStore, recordStore, bus)
	analyzer := pipeline.NewAnalyzer(objectStore, recordStore, bus, nil, entry)

	githubCreds := forge.AppCredentials{
		Token:          cfg.Provider.GitHubToken,
		AppID:          cfg.Provider.GitHubAppID,
		InstallationID: cfg.Provider.GitHubInstallationID,
		PrivateKeyPEM:  []byte(cfg.Provider.GitHubAppPEM),
	}
	githubClient := forge.NewClient(githubCreds)

	actionsCfg := actions.Config{
		AutomationEnabled:     cfg.Provider.AutomationEnabled,
		DryRun:                cfg.Provider.DryRun,
		PRConfidenceThreshold: cfg.Resolver.ConfidenceThreshold,
	}
	ticket := actions.NewTicketExecutor(ticketBackend(cfg, actionsCfg), recordStore, bus, metrics, actionsCfg)
	notify := actions.NewNotifyExecutor(notifyBackend(cfg, actionsCfg), recordStore, bus, metrics, actionsCfg)
	pr := actions.NewPRExecutor(prHost(githubClient, actionsCfg), recordStore, bus, metrics, actionsCfg)

	manager := pipeline.NewManager()
	orchestrator := pipeline.NewOrchestrator(manager, fanout, snapshots, analyzer, resolver, ticket, notify, pr, recordStore, bus, entry)

	patchEngine := patch.NewEngine(githubClient, cfg.Patch)
	reviewCycle := review.NewCycle(githubClient, patchEngine, objectStore, recordStore, bus, metrics, cfg.Review, cfg.Provider.GitHubBotSlug, entry)
	ingress := webhook.NewIngress(recordStore, objectStore, cache, reviewCycle, cfg.Review, cfg.Provider.GitHubWebhookSecret, cfg.Provider.GitHubBotSlug, entry)

	server := httpapi.NewServer(recordStore, objectStore, orchestratorRunner{orchestrator}, resolver, ingress, cfg.Window, entry)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		entry.Infof("starting server on %s", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	entry.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal(err)
	}
}

// orchestratorRunner adapts *pipeline.Orchestrator to httpapi.Runner.
type orchestratorRunner struct {
	orch *pipeline.Orchestrator
}

func (r orchestratorRunner) Run(ctx context.Context, evt contracts.IncidentEvent, runID string) {
	r.orch.Run(ctx, evt, runID)
}

func ticketBackend(cfg *config.AllConfig, acfg actions.Config) actions.TicketBackend {
	if acfg.DryRun || cfg.Provider.TicketBaseURL == "" {
		return actions.FakeTicketBackend{}
	}
	return actions.NewRESTTicketBackend(cfg.Provider.TicketBaseURL, cfg.Provider.TicketToken)
}

func notifyBackend(cfg *config.AllConfig, acfg actions.Config) actions.NotifyBackend {
	if acfg.DryRun || cfg.Provider.ChatWebhookURL == "" {
		return actions.FakeNotifyBackend{}
	}
	return actions.NewWebhookNotifyBackend(cfg.Provider.ChatWebhookURL)
}

func prHost(client *forge.Client, acfg actions.Config) actions.PRHost {
	if acfg.DryRun {
		return actions.FakePRHost{}
	}
	return client
}
