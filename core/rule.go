package core

import (
	"fmt"
	"strings"
	"time"
)

// RuleType discriminates the matching logic a detection rule carries.
type RuleType string

const (
	// RuleTypeSimple evaluates a predicate tree against a single event
	RuleTypeSimple RuleType = "simple"
	// RuleTypeThreshold fires when a sliding-window counter reaches a threshold
	RuleTypeThreshold RuleType = "threshold"
	// RuleTypeCorrelation fires when an ordered event sequence completes in a window
	RuleTypeCorrelation RuleType = "correlation"
	// RuleTypeSigma carries vendor rule text; accepted by the model, skipped by the evaluator
	RuleTypeSigma RuleType = "sigma"
	// RuleTypeML references a model-backed detector; accepted by the model, skipped by the evaluator
	RuleTypeML RuleType = "ml"
)

// IsValid checks if the rule type is one of the known discriminators
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeSimple, RuleTypeThreshold, RuleTypeCorrelation, RuleTypeSigma, RuleTypeML:
		return true
	default:
		return false
	}
}

// Predicate is one node of a rule's matching tree. A node is either a leaf
// comparison (Field/Op/Value) or a composite (All = conjunction, Any =
// disjunction). Composites ignore the leaf fields.
type Predicate struct {
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string      `json:"op,omitempty" yaml:"op,omitempty"`
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	All   []Predicate `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []Predicate `json:"any,omitempty" yaml:"any,omitempty"`
}

// Leaf operators supported by the evaluator.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpIn          = "in"
	OpGreaterThan = "gt"
	OpGreaterOrEq = "gte"
	OpLessThan    = "lt"
	OpLessOrEq    = "lte"
	OpRegex       = "regex"
)

// Validate walks the predicate tree and rejects malformed nodes. Composite
// nodes must not carry leaf fields; leaves must name a field and an operator.
func (p *Predicate) Validate() error {
	if len(p.All) > 0 && len(p.Any) > 0 {
		return fmt.Errorf("predicate node cannot combine all and any")
	}
	if len(p.All) > 0 || len(p.Any) > 0 {
		if p.Field != "" || p.Op != "" {
			return fmt.Errorf("composite predicate node cannot carry field/op")
		}
		for i := range p.All {
			if err := p.All[i].Validate(); err != nil {
				return err
			}
		}
		for i := range p.Any {
			if err := p.Any[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if strings.TrimSpace(p.Field) == "" {
		return fmt.Errorf("predicate leaf must name a field")
	}
	switch p.Op {
	case OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith,
		OpIn, OpGreaterThan, OpGreaterOrEq, OpLessThan, OpLessOrEq, OpRegex:
		return nil
	default:
		return fmt.Errorf("unsupported predicate operator: %q", p.Op)
	}
}

// ThresholdConfig parameterizes a sliding-window counting rule.
type ThresholdConfig struct {
	// Window is the sliding time window, based on event time
	Window time.Duration `json:"window" yaml:"window"`
	// Count is the number of qualifying events that fires the rule
	Count int `json:"count" yaml:"count"`
	// GroupBy partitions window counters by these event fields
	GroupBy []string `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	// DistinctField, when set, counts distinct values of this field instead of events
	DistinctField string `json:"distinct_field,omitempty" yaml:"distinct_field,omitempty"`
	// Match selects qualifying events; nil matches every event that passed the rule filters
	Match *Predicate `json:"match,omitempty" yaml:"match,omitempty"`
}

// SequenceStep is one ordered stage of a correlation rule.
type SequenceStep struct {
	Name  string    `json:"name" yaml:"name"`
	Match Predicate `json:"match" yaml:"match"`
}

// CorrelationConfig parameterizes an ordered multi-event sequence rule.
type CorrelationConfig struct {
	Window   time.Duration  `json:"window" yaml:"window"`
	GroupBy  []string       `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	Sequence []SequenceStep `json:"sequence" yaml:"sequence"`
}

// DetectionRule is a stored definition of what event pattern produces an
// alert. The matching logic is a tagged union over Type: exactly one of
// Match/Threshold/Correlation is populated for the evaluated types.
type DetectionRule struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	// Severity 0-4 is stamped on resulting alerts
	Severity int `json:"severity" validate:"min=0,max=4"`
	// Priority orders evaluation, ascending
	Priority int      `json:"priority"`
	Type     RuleType `json:"type"`
	Category string   `json:"category,omitempty"`

	// Pre-filters: empty slice means no restriction
	SourceTypes []string `json:"source_types,omitempty"`
	EventCodes  []string `json:"event_codes,omitempty"`
	Categories  []string `json:"categories,omitempty"`

	Match       *Predicate         `json:"match,omitempty"`
	Threshold   *ThresholdConfig   `json:"threshold,omitempty"`
	Correlation *CorrelationConfig `json:"correlation,omitempty"`
	// SigmaYAML holds vendor rule text for sigma-type rules
	SigmaYAML string `json:"sigma_yaml,omitempty"`

	// Exceptions whitelist events: a matching exception suppresses the rule
	Exceptions []Predicate `json:"exceptions,omitempty"`

	MitreTactic    string `json:"mitre_tactic,omitempty"`
	MitreTechnique string `json:"mitre_technique,omitempty"`

	// AutoEscalate controls incident creation when no open incident matches
	AutoEscalate bool `json:"auto_escalate"`
	// EscalateMinSeverity is the minimum alert severity that auto-escalates
	EscalateMinSeverity int `json:"escalate_min_severity"`

	// Mutable counters, single-writer via the alert generator
	MatchCount     int64      `json:"match_count"`
	FalsePositives int64      `json:"false_positives"`
	LastMatchAt    *time.Time `json:"last_match_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the tagged-union shape: each rule type requires its own
// configuration block and forbids the others.
func (r *DetectionRule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown rule type: %q", r.Type)
	}
	if r.Severity < 0 || r.Severity > 4 {
		return fmt.Errorf("rule %s: severity must be 0-4, got %d", r.ID, r.Severity)
	}

	switch r.Type {
	case RuleTypeSimple:
		if r.Match == nil {
			return fmt.Errorf("rule %s: simple rules require a match predicate", r.ID)
		}
		if r.Threshold != nil || r.Correlation != nil {
			return fmt.Errorf("rule %s: simple rules cannot carry threshold/correlation config", r.ID)
		}
		if err := r.Match.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	case RuleTypeThreshold:
		if r.Threshold == nil {
			return fmt.Errorf("rule %s: threshold rules require threshold config", r.ID)
		}
		if r.Correlation != nil {
			return fmt.Errorf("rule %s: threshold rules cannot carry correlation config", r.ID)
		}
		if r.Threshold.Window <= 0 {
			return fmt.Errorf("rule %s: threshold window must be positive", r.ID)
		}
		if r.Threshold.Count < 1 {
			return fmt.Errorf("rule %s: threshold count must be at least 1", r.ID)
		}
		if r.Threshold.Match != nil {
			if err := r.Threshold.Match.Validate(); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
	case RuleTypeCorrelation:
		if r.Correlation == nil {
			return fmt.Errorf("rule %s: correlation rules require correlation config", r.ID)
		}
		if r.Threshold != nil {
			return fmt.Errorf("rule %s: correlation rules cannot carry threshold config", r.ID)
		}
		if r.Correlation.Window <= 0 {
			return fmt.Errorf("rule %s: correlation window must be positive", r.ID)
		}
		if len(r.Correlation.Sequence) < 2 {
			return fmt.Errorf("rule %s: correlation sequence needs at least 2 steps", r.ID)
		}
		for i := range r.Correlation.Sequence {
			if err := r.Correlation.Sequence[i].Match.Validate(); err != nil {
				return fmt.Errorf("rule %s step %d: %w", r.ID, i, err)
			}
		}
	case RuleTypeSigma:
		if strings.TrimSpace(r.SigmaYAML) == "" {
			return fmt.Errorf("rule %s: sigma rules require sigma_yaml", r.ID)
		}
	case RuleTypeML:
		// model reference validated by the (external) ML subsystem
	}

	for i := range r.Exceptions {
		if err := r.Exceptions[i].Validate(); err != nil {
			return fmt.Errorf("rule %s exception %d: %w", r.ID, i, err)
		}
	}
	return nil
}
