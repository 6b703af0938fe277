// Package httpapi exposes the operator-facing control surface over HTTP:
// autopilot status, pause/resume, manual cycle runs, version history,
// bounds inspection, drift events, and a websocket push channel for
// dashboards.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/card"
	"github.com/autopilotd/autopilot/internal/drift"
	"github.com/autopilotd/autopilot/internal/eventlog"
	"github.com/autopilotd/autopilot/internal/history"
	"github.com/autopilotd/autopilot/internal/scheduler"
	"github.com/autopilotd/autopilot/internal/types"
	"github.com/autopilotd/autopilot/pkg/logger"
)

// TriageRunner triggers an out-of-schedule triage pass.
type TriageRunner interface {
	TriggerNow(ctx context.Context) error
}

// AuditRecord is one operator action taken through this API, persisted
// to the audit journal.
type AuditRecord struct {
	At         time.Time      `json:"at"`
	OperatorID string         `json:"operator_id,omitempty"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
}

// API wires the autopilot's control operations into HTTP handlers.
type API struct {
	scheduler *scheduler.Scheduler
	status    *scheduler.AutopilotStatus
	history   *history.Store
	bounds    *bounds.Manager
	drift     *drift.Monitor
	triage    TriageRunner
	cycles    *eventlog.Log[types.CycleOutcome]
	hub       *Hub
	logger    *slog.Logger

	// boundsCache absorbs repeated per-parameter status polling without
	// contending on the Manager's writer lock.
	boundsCache *bounds.SnapshotCache

	audit *eventlog.Log[AuditRecord]

	configVersion string
}

// SetAuditJournal persists every operator action (pause, resume, manual
// cycle, rollback, emergency stop) to an append-only journal. Optional.
func (a *API) SetAuditJournal(j *eventlog.Log[AuditRecord]) { a.audit = j }

func (a *API) recordAudit(action, operatorID string, details map[string]any) {
	if a.audit == nil {
		return
	}
	rec := AuditRecord{At: time.Now().UTC(), OperatorID: operatorID, Action: action, Details: details}
	if err := a.audit.Append(rec); err != nil {
		a.logger.Error("httpapi: writing audit record failed", "error", err, "action", action)
	}
}

// New creates the API. drift, triage, cycles, and hub may be nil; the
// matching endpoints then report empty results or 503.
func New(sched *scheduler.Scheduler, status *scheduler.AutopilotStatus, hist *history.Store, boundsManager *bounds.Manager, driftMonitor *drift.Monitor, triage TriageRunner, cycles *eventlog.Log[types.CycleOutcome], hub *Hub, configVersion string, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	cache, _ := bounds.NewSnapshotCache(256)
	a := &API{
		scheduler: sched, status: status, history: hist, bounds: boundsManager,
		drift: driftMonitor, triage: triage, cycles: cycles, hub: hub,
		boundsCache: cache, configVersion: configVersion, logger: log,
	}
	a.RefreshBounds()
	return a
}

// RefreshBounds repopulates the bounds snapshot cache from the Manager.
// autopilotd calls it after every cycle outcome, and GET /api/v1/bounds
// refreshes it as well; between refreshes (for example after a Drift
// Monitor contraction), per-parameter reads may trail the latest mutation.
func (a *API) RefreshBounds() {
	a.boundsCache.Refresh(a.bounds.List())
}

// Router builds the full route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logger.LoggingMiddleware(a.logger))

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pause", a.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/resume", a.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/cycles/run", a.handleRunCycle).Methods(http.MethodPost)
	api.HandleFunc("/cycles", a.handleListCycles).Methods(http.MethodGet)
	api.HandleFunc("/card", a.handleGetCard).Methods(http.MethodGet)
	api.HandleFunc("/versions", a.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}", a.handleGetVersion).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}/rollback", a.handleRollback).Methods(http.MethodPost)
	api.HandleFunc("/bounds", a.handleListBounds).Methods(http.MethodGet)
	api.HandleFunc("/bounds/{path}", a.handleGetBounds).Methods(http.MethodGet)
	api.HandleFunc("/drift/events", a.handleDriftEvents).Methods(http.MethodGet)
	api.HandleFunc("/triage/run", a.handleRunTriage).Methods(http.MethodPost)
	api.HandleFunc("/canary/emergency-stop", a.handleCanaryEmergencyStop).Methods(http.MethodPost)

	if a.hub != nil {
		r.HandleFunc("/ws/events", a.hub.HandleWebSocket)
	}
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the /api/v1/status payload.
type StatusResponse struct {
	Paused        bool      `json:"paused"`
	PauseReason   string    `json:"pause_reason,omitempty"`
	PauseUntil    time.Time `json:"pause_until,omitzero"`
	HeadVersionID string    `json:"head_version_id"`
	HeadTimestamp time.Time `json:"head_timestamp"`
	ConfigVersion string    `json:"config_version"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	paused, reason := a.status.IsPaused()
	resp := StatusResponse{
		Paused:        paused,
		PauseReason:   reason,
		PauseUntil:    a.status.PauseUntil(),
		ConfigVersion: a.configVersion,
	}
	if head, _, err := a.history.Head(); err == nil {
		resp.HeadVersionID = head.VersionID
		resp.HeadTimestamp = head.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

type pauseRequest struct {
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be positive")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator_pause"
	}
	a.status.Pause(time.Duration(req.DurationMinutes)*time.Minute, reason)
	a.recordAudit("pause", "", map[string]any{"duration_minutes": req.DurationMinutes, "reason": reason})
	a.logger.Info("httpapi: operator paused autopilot", "duration_minutes", req.DurationMinutes, "reason", reason)
	if a.hub != nil {
		a.hub.Broadcast("pause_changed", map[string]any{"paused": true, "reason": reason})
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true, "until": a.status.PauseUntil()})
}

type resumeRequest struct {
	OperatorID string `json:"operator_id"`
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	a.status.Resume()
	a.status.SetEmergencyPause(false)
	a.recordAudit("resume", req.OperatorID, nil)
	a.logger.Info("httpapi: operator resumed autopilot", "operator_id", req.OperatorID)
	if a.hub != nil {
		a.hub.Broadcast("pause_changed", map[string]any{"paused": false, "operator_id": req.OperatorID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (a *API) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	a.recordAudit("run_cycle", "", nil)
	outcome, err := a.scheduler.RunDailyCycle(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrCycleInFlight) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *API) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if a.cycles == nil {
		writeJSON(w, http.StatusOK, []types.CycleOutcome{})
		return
	}
	all, err := a.cycles.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit := queryLimit(r, 50)
	if limit < len(all) {
		all = all[len(all)-limit:]
	}
	writeJSON(w, http.StatusOK, all)
}

func (a *API) handleGetCard(w http.ResponseWriter, r *http.Request) {
	head, c, err := a.history.Head()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	raw, err := c.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version_id": head.VersionID,
		"card":       json.RawMessage(raw),
	})
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.history.List(queryLimit(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := a.history.GetVersion(id)
	if err != nil {
		if errors.Is(err, history.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type rollbackRequest struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

// handleRollback restores a prior version through the History Store's
// atomic rollback protocol and reports the version chain and Card diff
// before/after.
func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	targetID := mux.Vars(r)["id"]

	before, beforeCard, err := a.history.Head()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	newHead, err := a.history.RollbackTo(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, history.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, afterCard, err := a.history.Head()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	diff := card.DiffCards(beforeCard, afterCard)

	a.recordAudit("rollback", req.OperatorID, map[string]any{
		"target_version": targetID, "reason": req.Reason,
		"head_before": before.VersionID, "head_after": newHead.VersionID,
	})
	a.logger.Warn("httpapi: operator rollback",
		"operator_id", req.OperatorID, "target_version", targetID,
		"head_before", before.VersionID, "head_after", newHead.VersionID)
	if a.hub != nil {
		a.hub.Broadcast("rollback", map[string]any{
			"head_before": before.VersionID, "head_after": newHead.VersionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"head_before": before.VersionID,
		"head_after":  newHead.VersionID,
		"diff":        diff,
	})
}

func (a *API) handleListBounds(w http.ResponseWriter, r *http.Request) {
	list := a.bounds.List()
	a.boundsCache.Refresh(list)
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetBounds(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if b, ok := a.boundsCache.Get(path); ok {
		writeJSON(w, http.StatusOK, b)
		return
	}
	b, ok := a.bounds.Get(path)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown parameter "+path)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleDriftEvents(w http.ResponseWriter, r *http.Request) {
	if a.drift == nil {
		writeJSON(w, http.StatusOK, []types.DriftEvent{})
		return
	}
	writeJSON(w, http.StatusOK, a.drift.Events())
}

func (a *API) handleRunTriage(w http.ResponseWriter, r *http.Request) {
	if a.triage == nil {
		writeError(w, http.StatusServiceUnavailable, "triage not configured")
		return
	}
	if err := a.triage.TriggerNow(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

type emergencyStopRequest struct {
	Stop bool `json:"stop"`
}

func (a *API) handleCanaryEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.status.SetCanaryEmergencyStop(req.Stop)
	a.recordAudit("canary_emergency_stop", "", map[string]any{"stop": req.Stop})
	a.logger.Warn("httpapi: canary emergency stop changed", "stop", req.Stop)
	writeJSON(w, http.StatusOK, map[string]bool{"canary_emergency_stop": req.Stop})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
