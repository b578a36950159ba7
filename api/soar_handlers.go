package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"bastion/core"
	"bastion/soar"
	"bastion/storage"
)

func (a *API) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := a.store.ListPlaybooks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list playbooks", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, playbooks)
}

func (a *API) getPlaybook(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPlaybook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "playbook not found", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type triggerRequest struct {
	AlertID     string `json:"alert_id" validate:"required"`
	TriggeredBy string `json:"triggered_by" validate:"required"`
}

// triggerPlaybook runs a playbook against an alert on an operator's request,
// outside the automatic trigger matching.
func (a *API) triggerPlaybook(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger payload", err, a.logger)
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "alert_id and triggered_by are required", err, a.logger)
		return
	}

	p, err := a.store.GetPlaybook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "playbook not found", err, a.logger)
		return
	}
	alert, err := a.alerts.Get(r.Context(), req.AlertID)
	if err != nil {
		writeStoreError(w, "alert not found", err, a.logger)
		return
	}

	exec, err := a.engine.Trigger(r.Context(), p, alert, req.TriggeredBy)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateExecution) {
			writeError(w, http.StatusConflict, "an execution for this playbook and alert is already active", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to trigger playbook", err, a.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ExecutionFilter{
		PlaybookID: q.Get("playbook_id"),
		AlertID:    q.Get("alert_id"),
		Status:     core.ExecutionStatus(q.Get("status")),
		Limit:      queryInt(q.Get("limit"), 100),
	}

	execs, err := a.store.ListExecutions(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.store.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "execution not found", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *API) getExecutionLog(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.ExecutionLog(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load execution log", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) executionStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.store.CountExecutionsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count executions", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	execs, err := a.store.ListPendingApprovals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pending approvals", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by" validate:"required"`
	Comment   string `json:"comment"`
}

func (a *API) approveExecution(w http.ResponseWriter, r *http.Request) {
	a.decideExecution(w, r, true)
}

func (a *API) rejectExecution(w http.ResponseWriter, r *http.Request) {
	a.decideExecution(w, r, false)
}

func (a *API) decideExecution(w http.ResponseWriter, r *http.Request, approve bool) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid decision payload", err, a.logger)
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decided_by is required", err, a.logger)
		return
	}

	id := mux.Vars(r)["id"]
	var err error
	if approve {
		err = a.approvals.Approve(id, req.DecidedBy, req.Comment)
	} else {
		err = a.approvals.Reject(id, req.DecidedBy, req.Comment)
	}
	if err != nil {
		if errors.Is(err, soar.ErrNoPendingApproval) {
			writeError(w, http.StatusNotFound, "no approval pending for this execution", err, a.logger)
			return
		}
		if errors.Is(err, soar.ErrAlreadyDecided) {
			writeError(w, http.StatusConflict, "execution has already been decided", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record decision", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id})
}

func (a *API) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.engine.Cancel(id); err != nil {
		if errors.Is(err, soar.ErrExecutionNotActive) {
			writeError(w, http.StatusConflict, "execution is not active", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel execution", err, a.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (a *API) rollbackExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.engine.RequestRollback(id); err != nil {
		if errors.Is(err, soar.ErrExecutionNotActive) {
			writeError(w, http.StatusConflict, "execution is not active", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to request rollback", err, a.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}
