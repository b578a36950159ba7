package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"bastion/core"
)

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.store.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "rule not found", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule core.DetectionRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload", err, a.logger)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "rule validation failed", err, a.logger)
		return
	}
	if err := a.store.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save rule", err, a.logger)
		return
	}
	a.rulesChanged()
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := a.store.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, "rule not found", err, a.logger)
		return
	}

	var rule core.DetectionRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload", err, a.logger)
		return
	}
	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "rule validation failed", err, a.logger)
		return
	}
	if err := a.store.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save rule", err, a.logger)
		return
	}
	a.rulesChanged()
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, "failed to delete rule", err, a.logger)
		return
	}
	a.rulesChanged()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rulesChanged() {
	if a.onRulesChanged != nil {
		a.onRulesChanged()
	}
}
