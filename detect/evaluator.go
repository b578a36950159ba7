package detect

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// Evaluator runs every enabled detection rule against incoming events and
// produces alerts. Simple rules match statelessly; threshold and correlation
// rules consult their window state. Sigma and ML rules are accepted by the
// model but skipped here.
type Evaluator struct {
	mu    sync.RWMutex
	rules []*core.DetectionRule // sorted by Priority ascending

	thresholds *ThresholdState
	sequences  *SequenceState
	logger     *zap.SugaredLogger
}

// NewEvaluator creates an evaluator over the given window state.
func NewEvaluator(thresholds *ThresholdState, sequences *SequenceState, logger *zap.SugaredLogger) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
		sequences:  sequences,
		logger:     logger,
	}
}

// ReplaceRules swaps the active rule set, used at startup and on reload.
// Rules failing validation are dropped with a warning rather than poisoning
// the whole set.
func (ev *Evaluator) ReplaceRules(rules []*core.DetectionRule) {
	valid := make([]*core.DetectionRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			ev.logger.Warnw("Dropping invalid rule", "rule_id", r.ID, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority < valid[j].Priority
	})

	ev.mu.Lock()
	ev.rules = valid
	ev.mu.Unlock()

	ev.logger.Infow("Rule set replaced", "rules", len(valid), "rejected", len(rules)-len(valid))
}

// Rules returns the active rule set snapshot.
func (ev *Evaluator) Rules() []*core.DetectionRule {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	out := make([]*core.DetectionRule, len(ev.rules))
	copy(out, ev.rules)
	return out
}

// Evaluate runs the event through every enabled rule in priority order and
// returns the alerts generated. One event can fire multiple rules.
func (ev *Evaluator) Evaluate(e *core.Event) []*core.Alert {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	ev.mu.RLock()
	rules := ev.rules
	ev.mu.RUnlock()

	var alerts []*core.Alert
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !ruleFiltersPass(rule, e) {
			continue
		}

		switch rule.Type {
		case core.RuleTypeSigma, core.RuleTypeML:
			metrics.RulesSkipped.WithLabelValues(string(rule.Type)).Inc()
			continue

		case core.RuleTypeSimple:
			if !EvalPredicate(rule.Match, e) {
				continue
			}
			if exceptionMatches(rule, e) {
				continue
			}
			alerts = append(alerts, ev.buildAlert(rule, []string{e.EventID}, 1, e.EventTime, e.EventTime, e))

		case core.RuleTypeThreshold:
			if rule.Threshold.Match != nil && !EvalPredicate(rule.Threshold.Match, e) {
				continue
			}
			if exceptionMatches(rule, e) {
				continue
			}
			firing, fired := ev.thresholds.Observe(rule, e)
			if !fired {
				continue
			}
			alerts = append(alerts, ev.buildAlert(rule, firing.EventIDs, firing.Count, firing.FirstEventAt, firing.LastEventAt, e))

		case core.RuleTypeCorrelation:
			if exceptionMatches(rule, e) {
				continue
			}
			firing, fired := ev.sequences.Observe(rule, e)
			if !fired {
				continue
			}
			alerts = append(alerts, ev.buildAlert(rule, firing.EventIDs, len(firing.EventIDs), firing.FirstEventAt, firing.LastEventAt, e))

		default:
			metrics.RuleEvaluationErrors.WithLabelValues(rule.ID).Inc()
			ev.logger.Warnw("Rule has unknown type", "rule_id", rule.ID, "type", rule.Type)
		}
	}
	return alerts
}

// ruleFiltersPass applies the cheap pre-filters before any predicate work.
func ruleFiltersPass(rule *core.DetectionRule, e *core.Event) bool {
	if len(rule.SourceTypes) > 0 && !stringIn(rule.SourceTypes, e.SourceType) {
		return false
	}
	if len(rule.EventCodes) > 0 && !stringIn(rule.EventCodes, e.EventCode) {
		return false
	}
	if len(rule.Categories) > 0 && !stringIn(rule.Categories, e.Category) {
		return false
	}
	return true
}

// exceptionMatches reports whether any exception predicate whitelists the event.
func exceptionMatches(rule *core.DetectionRule, e *core.Event) bool {
	for i := range rule.Exceptions {
		if EvalPredicate(&rule.Exceptions[i], e) {
			return true
		}
	}
	return false
}

func (ev *Evaluator) buildAlert(rule *core.DetectionRule, eventIDs []string, eventCount int, first, last time.Time, e *core.Event) *core.Alert {
	now := time.Now().UTC()

	// single-writer counters: the evaluator is the only mutator
	rule.MatchCount++
	t := now
	rule.LastMatchAt = &t

	metrics.AlertsGenerated.WithLabelValues(string(rule.Type), severityLabel(rule.Severity)).Inc()

	return &core.Alert{
		ID:             uuid.New().String(),
		Ref:            core.NewAlertRef(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		Severity:       rule.Severity,
		Title:          rule.Name,
		Description:    rule.Description,
		Category:       rule.Category,
		EventIDs:       eventIDs,
		EventCount:     eventCount,
		FirstEventAt:   first,
		LastEventAt:    last,
		Host:           e.Host,
		User:           e.SubjectUser,
		SourceIP:       e.SourceIP,
		ProcessName:    e.ProcessName,
		MitreTactic:    rule.MitreTactic,
		MitreTechnique: rule.MitreTechnique,
		Status:         core.AlertStatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func severityLabel(s int) string {
	switch s {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "4"
	}
}

func stringIn(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
