package soar

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/detect"
)

// Matcher selects which playbooks respond to an alert. The active playbook
// set is replaced wholesale on load, like the evaluator's rule set; playbooks
// referencing unregistered action types are rejected at load time.
type Matcher struct {
	mu        sync.RWMutex
	playbooks []*core.Playbook // sorted by Priority ascending

	registry *Registry
	logger   *zap.SugaredLogger
}

// NewMatcher creates a matcher validating against the given registry.
func NewMatcher(registry *Registry, logger *zap.SugaredLogger) *Matcher {
	return &Matcher{
		registry: registry,
		logger:   logger,
	}
}

// ReplacePlaybooks swaps the active playbook set. Invalid playbooks are
// dropped with a warning.
func (m *Matcher) ReplacePlaybooks(playbooks []*core.Playbook) {
	valid := make([]*core.Playbook, 0, len(playbooks))
	for _, p := range playbooks {
		if err := p.Validate(); err != nil {
			m.logger.Warnw("Dropping invalid playbook", "playbook_id", p.ID, "error", err)
			continue
		}
		if err := m.registry.ValidatePlaybook(p); err != nil {
			m.logger.Warnw("Dropping playbook with unknown action type", "playbook_id", p.ID, "error", err)
			continue
		}
		valid = append(valid, p)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority < valid[j].Priority
	})

	m.mu.Lock()
	m.playbooks = valid
	m.mu.Unlock()

	m.logger.Infow("Playbook set replaced", "playbooks", len(valid), "rejected", len(playbooks)-len(valid))
}

// Playbooks returns the active playbook set snapshot.
func (m *Matcher) Playbooks() []*core.Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Playbook, len(m.playbooks))
	copy(out, m.playbooks)
	return out
}

// Match returns the enabled playbooks triggered by the alert, in priority
// order. One alert can trigger several playbooks; duplicate-run protection is
// per (playbook, alert), enforced at execution creation.
func (m *Matcher) Match(a *core.Alert) []*core.Playbook {
	m.mu.RLock()
	playbooks := m.playbooks
	m.mu.RUnlock()

	var matched []*core.Playbook
	for _, p := range playbooks {
		if !p.Enabled {
			continue
		}
		if !p.Trigger.Matches(a) {
			continue
		}
		if p.Trigger.Condition != nil && !detect.EvalPredicate(p.Trigger.Condition, alertAsEvent(a)) {
			continue
		}
		matched = append(matched, p)
	}
	return matched
}

// alertAsEvent projects alert fields into the event shape so trigger
// conditions reuse the rule predicate evaluator.
func alertAsEvent(a *core.Alert) *core.Event {
	return &core.Event{
		Severity:    a.Severity,
		Category:    a.Category,
		SubjectUser: a.User,
		SourceIP:    a.SourceIP,
		Host:        a.Host,
		ProcessName: a.ProcessName,
		MitreTactic: a.MitreTactic,
		Fields: map[string]interface{}{
			"rule_id":         a.RuleID,
			"rule_name":       a.RuleName,
			"title":           a.Title,
			"event_count":     a.EventCount,
			"mitre_technique": a.MitreTechnique,
		},
	}
}
