package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bastion/core"
	"bastion/service"
	"bastion/storage"
)

func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var e core.Event
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload", err, a.logger)
		return
	}
	if e.EventID == "" {
		e.EventID = core.NewEvent().EventID
	}

	if err := a.pipeline.Ingest(r.Context(), &e); err != nil {
		if errors.Is(err, service.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "ingestion rate limit exceeded", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to ingest event", err, a.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": e.EventID})
}

type replayRequest struct {
	From time.Time `json:"from" validate:"required"`
	To   time.Time `json:"to" validate:"required,gtfield=From"`
}

func (a *API) replayEvents(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid replay request", err, a.logger)
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "replay window is invalid", err, a.logger)
		return
	}

	n, err := a.pipeline.Replay(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"events_replayed": n})
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.AlertFilter{
		Status:     core.AlertStatus(q.Get("status")),
		RuleID:     q.Get("rule_id"),
		IncidentID: q.Get("incident_id"),
		Limit:      queryInt(q.Get("limit"), 100),
	}
	f.MinSeverity = queryInt(q.Get("min_severity"), 0)

	alerts, err := a.alerts.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "alert not found", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type statusUpdateRequest struct {
	Status string `json:"status" validate:"required"`
}

func (a *API) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status payload", err, a.logger)
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "status is required", err, a.logger)
		return
	}

	alert, err := a.alerts.UpdateStatus(r.Context(), mux.Vars(r)["id"], core.AlertStatus(req.Status))
	if err != nil {
		writeStoreError(w, "failed to update alert status", err, a.logger)
		return
	}
	if a.hub != nil {
		_ = a.hub.Broadcast("alert", alert)
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := a.incidents.List(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list incidents", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.incidents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "incident not found", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) updateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status payload", err, a.logger)
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "status is required", err, a.logger)
		return
	}

	inc, err := a.incidents.UpdateStatus(r.Context(), mux.Vars(r)["id"], core.IncidentStatus(req.Status))
	if err != nil {
		writeStoreError(w, "failed to update incident status", err, a.logger)
		return
	}
	if a.hub != nil {
		_ = a.hub.Broadcast("incident", inc)
	}
	writeJSON(w, http.StatusOK, inc)
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
