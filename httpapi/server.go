// Package httpapi implements the incident-pipeline's ingress HTTP surface:
// incident submission, run/packet retrieval, plan replay, and GitHub webhook
// ingress, on top of the echo framework this repository standardizes on.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rajawajahat/opsrunbook-copilot/canon"
	"github.com/rajawajahat/opsrunbook-copilot/common"
	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/pipeline"
	"github.com/rajawajahat/opsrunbook-copilot/reporesolve"
	"github.com/rajawajahat/opsrunbook-copilot/store"
	"github.com/rajawajahat/opsrunbook-copilot/version"
	"github.com/rajawajahat/opsrunbook-copilot/webhook"
)

// Runner is the capability Server dispatches accepted incidents to,
// satisfied by *pipeline.Orchestrator. Run is expected to run to completion
// in the caller's goroutine — Server backgrounds it itself.
type Runner interface {
	Run(ctx context.Context, evt contracts.IncidentEvent, runID string)
}

// Server holds the dependencies every ingress handler needs.
type Server struct {
	echo        *echo.Echo
	recordStore *store.RecordStore
	objectStore *store.ObjectStore
	runner      Runner
	resolver    pipeline.Resolver
	webhook     *webhook.Ingress
	window      config.WindowConfig
	log         *logrus.Entry
}

// NewServer builds the echo app and registers every route.
func NewServer(recordStore *store.RecordStore, objectStore *store.ObjectStore, runner Runner, resolver pipeline.Resolver, ingress *webhook.Ingress, window config.WindowConfig, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		echo:        echo.New(),
		recordStore: recordStore,
		objectStore: objectStore,
		runner:      runner,
		resolver:    resolver,
		webhook:     ingress,
		window:      window,
		log:         log,
	}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Logger())
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", s.healthz)

	v1 := s.echo.Group("/v1")
	v1.POST("/incidents", s.createIncident)
	v1.GET("/incidents/:id/runs/:run_id", s.getRun)
	v1.GET("/incidents/:id/packet/:run", s.getPacket)
	v1.GET("/incidents/:id/meta/:run", s.getMeta)
	v1.GET("/incidents/:id/snapshot/:run", s.getSnapshot)
	v1.GET("/incidents/:id/actions/:run", s.getActions)
	v1.POST("/incidents/:id/replay", s.replay)
	v1.POST("/webhooks/github", s.githubWebhook)

	return s
}

// Start blocks serving on addr until the process is asked to shut down.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type healthzResponse struct {
	Status        string `json:"status"`
	ModuleVersion string `json:"module_version"`
}

// healthz reports liveness plus the running build's module version, logged
// through the shared service-scoped logger so build identity shows up
// alongside every other structured log line.
func (s *Server) healthz(c echo.Context) error {
	buildVersion := version.GetModuleVersion()
	common.ServiceLogger("opsrunbookd", buildVersion).Debug("health check")
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok", ModuleVersion: buildVersion})
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}

type createIncidentResponse struct {
	IncidentID      string `json:"incident_id"`
	CollectorRunID  string `json:"collector_run_id"`
	ExecutionHandle string `json:"execution_handle"`
}

func (s *Server) createIncident(c echo.Context) error {
	if s.runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline runtime not configured")
	}

	var evt contracts.IncidentEvent
	if err := c.Bind(&evt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid incident event body")
	}
	if evt.Service == "" || evt.Environment == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "service and environment are required")
	}
	if evt.Hints.LogGroups == nil && evt.Hints.MetricQueries == nil && evt.Hints.WorkflowARNs == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one hint field is required")
	}

	maxWindow := time.Duration(s.window.MaxMinutes) * time.Minute
	if evt.TimeWindow.End.Sub(evt.TimeWindow.Start) > maxWindow {
		evt.TimeWindow.Start = evt.TimeWindow.End.Add(-maxWindow)
	}

	if evt.IncidentID == "" {
		evt.IncidentID = uuid.NewString()
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	runID := uuid.NewString()

	ctx := c.Request().Context()
	if err := s.recordStore.PutIncidentMeta(ctx, evt.IncidentID, evt); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist incident meta")
	}
	run := store.RunRecord{RunID: runID, Phase: string(pipeline.PhaseIngest), StartedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := s.recordStore.PutRun(ctx, evt.IncidentID, run); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist run record")
	}

	go s.runner.Run(context.WithoutCancel(ctx), evt, runID)

	return c.JSON(http.StatusAccepted, createIncidentResponse{
		IncidentID:      evt.IncidentID,
		CollectorRunID:  runID,
		ExecutionHandle: "run:" + evt.IncidentID + "/" + runID,
	})
}

// runStatus is the fixed vocabulary §6's run-status endpoint answers with,
// distinct from the internal phase-machine vocabulary in pipeline.Phase.
var runStatus = map[pipeline.Phase]string{
	pipeline.PhaseIngest:   "STARTING",
	pipeline.PhaseCollect:  "RUNNING",
	pipeline.PhaseSnapshot: "RUNNING",
	pipeline.PhaseAnalyze:  "RUNNING",
	pipeline.PhasePlan:     "RUNNING",
	pipeline.PhaseAct:      "RUNNING",
	pipeline.PhasePersist:  "RUNNING",
	pipeline.PhaseComplete: "SUCCEEDED",
	pipeline.PhaseFailed:   "FAILED",
}

type getRunResponse struct {
	Status       string                  `json:"status"`
	EvidenceRefs []contracts.EvidenceRef `json:"evidence_refs"`
	Error        string                  `json:"error,omitempty"`
}

func (s *Server) getRun(c echo.Context) error {
	ctx := c.Request().Context()
	incidentID, runID := c.Param("id"), c.Param("run_id")

	run, err := s.recordStore.GetRun(ctx, incidentID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}

	status := runStatus[pipeline.Phase(run.Phase)]
	if status == "" {
		status = "RUNNING"
	}

	var refs []contracts.EvidenceRef
	if packetRef, err := s.recordStore.GetPacketRef(ctx, incidentID, runID); err == nil {
		var packet contracts.IncidentPacket
		if err := s.objectStore.GetJSON(ctx, packetRef.Key, &packet); err == nil {
			refs = packet.AllEvidenceRefs
		}
	}

	return c.JSON(http.StatusOK, getRunResponse{Status: status, EvidenceRefs: refs, Error: run.Error})
}

func (s *Server) resolveRunID(ctx context.Context, incidentID, run string) (string, error) {
	if run != "latest" {
		return run, nil
	}
	runs, err := s.recordStore.ListRuns(ctx, incidentID)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", store.ErrNotFound
	}
	return runs[0].RunID, nil
}

func (s *Server) getPacket(c echo.Context) error {
	ctx := c.Request().Context()
	incidentID := c.Param("id")
	runID, err := s.resolveRunID(ctx, incidentID, c.Param("run"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no runs found for incident")
	}
	ref, err := s.recordStore.GetPacketRef(ctx, incidentID, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "packet not found")
	}
	var packet contracts.IncidentPacket
	if err := s.objectStore.GetJSON(ctx, ref.Key, &packet); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load packet")
	}
	return c.JSON(http.StatusOK, packet)
}

func (s *Server) getMeta(c echo.Context) error {
	ctx := c.Request().Context()
	incidentID := c.Param("id")
	evt, err := s.recordStore.GetIncidentMeta(ctx, incidentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "incident meta not found")
	}
	return c.JSON(http.StatusOK, evt)
}

func (s *Server) getSnapshot(c echo.Context) error {
	ctx := c.Request().Context()
	incidentID := c.Param("id")
	runID, err := s.resolveRunID(ctx, incidentID, c.Param("run"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no runs found for incident")
	}
	ref, err := s.recordStore.GetSnapshotRef(ctx, incidentID, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "snapshot not found")
	}
	var snapshot contracts.Snapshot
	if err := s.objectStore.GetJSON(ctx, ref.Key, &snapshot); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load snapshot")
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) getActions(c echo.Context) error {
	ctx := c.Request().Context()
	incidentID := c.Param("id")
	results, err := s.recordStore.GetActionsLatest(ctx, incidentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no actions recorded for incident")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load actions")
	}
	return c.JSON(http.StatusOK, results)
}

type replayResponse struct {
	PacketHash       string   `json:"packet_hash"`
	ExistingPlanHash string   `json:"existing_plan_hash"`
	NewPlanHash      string   `json:"new_plan_hash"`
	Match            bool     `json:"match"`
	Diffs            []string `json:"diffs,omitempty"`
}

// replay regenerates the plan for an incident's latest (or a given) run and
// reports whether it matches what is stored, without ever executing an
// action — the plan generator is pure, so a mismatch only ever reflects a
// resolver-signal or code change since the original run.
func (s *Server) replay(c echo.Context) error {
	ctx := c.Request().Context()
	incidentID := c.Param("id")

	runs, err := s.recordStore.ListRuns(ctx, incidentID)
	if err != nil || len(runs) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no runs found for incident")
	}
	runID := runs[0].RunID

	packetRef, err := s.recordStore.GetPacketRef(ctx, incidentID, runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "packet not found for latest run")
	}
	var packet contracts.IncidentPacket
	if err := s.objectStore.GetJSON(ctx, packetRef.Key, &packet); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load packet")
	}
	packetHash, err := canon.SHA256Hex(packet)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to hash packet")
	}

	existingPlan, err := s.recordStore.GetActionPlan(ctx, incidentID, runID)
	var existingHash string
	if err == nil {
		comparable := *existingPlan
		comparable.CreatedAt = time.Time{}
		existingHash, _ = canon.SHA256Hex(comparable)
	}

	evidenceKeys := make([]string, 0, len(packet.AllEvidenceRefs))
	for _, ref := range packet.AllEvidenceRefs {
		evidenceKeys = append(evidenceKeys, ref.Key)
	}
	signals := reporesolve.ExtractSignals(packet.Service, nil, nil, evidenceKeys)
	resolution := s.resolver.Resolve(packet, signals)
	newPlan := pipeline.GeneratePlan(packet, resolution, runs[0].StartedAt)
	comparablePlan := newPlan
	comparablePlan.CreatedAt = time.Time{}
	newHash, err := canon.SHA256Hex(comparablePlan)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to hash regenerated plan")
	}

	var diffs []string
	if existingHash != "" && existingHash != newHash {
		diffs = append(diffs, "regenerated plan differs from the stored plan")
	}

	return c.JSON(http.StatusOK, replayResponse{
		PacketHash:       packetHash,
		ExistingPlanHash: existingHash,
		NewPlanHash:      newHash,
		Match:            existingHash != "" && existingHash == newHash,
		Diffs:            diffs,
	})
}

type webhookResponse struct {
	DeliveryID string         `json:"delivery_id"`
	Status     webhook.Status `json:"status"`
}

func (s *Server) githubWebhook(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	d := webhook.Delivery{
		SignatureHeader: c.Request().Header.Get("X-Hub-Signature-256"),
		EventType:       c.Request().Header.Get("X-GitHub-Event"),
		DeliveryID:      c.Request().Header.Get("X-GitHub-Delivery"),
		Body:            body,
	}
	status, err := s.webhook.Handle(c.Request().Context(), d)
	if err != nil {
		if webhook.IsRejected(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process webhook delivery")
	}
	return c.JSON(http.StatusAccepted, webhookResponse{DeliveryID: d.DeliveryID, Status: status})
}
