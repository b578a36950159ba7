package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"bastion/core"
)

// ruleDoc is the YAML-facing shape of a detection rule. Window durations are
// Go duration strings ("10m", "1h30m").
type ruleDoc struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Enabled     *bool    `yaml:"enabled"`
	Severity    int      `yaml:"severity"`
	Priority    int      `yaml:"priority"`
	Type        string   `yaml:"type"`
	Category    string   `yaml:"category"`
	SourceTypes []string `yaml:"source_types"`
	EventCodes  []string `yaml:"event_codes"`
	Categories  []string `yaml:"categories"`

	Match     *core.Predicate `yaml:"match"`
	Threshold *struct {
		Window        string          `yaml:"window"`
		Count         int             `yaml:"count"`
		GroupBy       []string        `yaml:"group_by"`
		DistinctField string          `yaml:"distinct_field"`
		Match         *core.Predicate `yaml:"match"`
	} `yaml:"threshold"`
	Correlation *struct {
		Window   string              `yaml:"window"`
		GroupBy  []string            `yaml:"group_by"`
		Sequence []core.SequenceStep `yaml:"sequence"`
	} `yaml:"correlation"`
	SigmaYAML string `yaml:"sigma_yaml"`

	Exceptions []core.Predicate `yaml:"exceptions"`

	MitreTactic    string `yaml:"mitre_tactic"`
	MitreTechnique string `yaml:"mitre_technique"`

	AutoEscalate        bool `yaml:"auto_escalate"`
	EscalateMinSeverity int  `yaml:"escalate_min_severity"`
}

// LoadRulesDir reads every .yaml/.yml file under dir (one rule per file) and
// returns the validated rules. Files that fail to parse or validate are
// skipped with a warning so one bad definition cannot block the rest.
func LoadRulesDir(dir string, logger *zap.SugaredLogger) ([]*core.DetectionRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory %s: %w", dir, err)
	}

	var rules []*core.DetectionRule
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rule, err := loadRuleFile(path)
		if err != nil {
			logger.Warnw("Skipping rule file", "path", path, "error", err)
			continue
		}
		rules = append(rules, rule)
	}

	logger.Infow("Loaded detection rules", "dir", dir, "count", len(rules))
	return rules, nil
}

func loadRuleFile(path string) (*core.DetectionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	rule, err := doc.toRule()
	if err != nil {
		return nil, err
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (d *ruleDoc) toRule() (*core.DetectionRule, error) {
	now := time.Now().UTC()
	rule := &core.DetectionRule{
		ID:                  d.ID,
		Name:                d.Name,
		Description:         d.Description,
		Enabled:             true,
		Severity:            d.Severity,
		Priority:            d.Priority,
		Type:                core.RuleType(d.Type),
		Category:            d.Category,
		SourceTypes:         d.SourceTypes,
		EventCodes:          d.EventCodes,
		Categories:          d.Categories,
		Match:               d.Match,
		SigmaYAML:           d.SigmaYAML,
		Exceptions:          d.Exceptions,
		MitreTactic:         d.MitreTactic,
		MitreTechnique:      d.MitreTechnique,
		AutoEscalate:        d.AutoEscalate,
		EscalateMinSeverity: d.EscalateMinSeverity,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if d.Enabled != nil {
		rule.Enabled = *d.Enabled
	}

	if d.Threshold != nil {
		w, err := time.ParseDuration(d.Threshold.Window)
		if err != nil {
			return nil, fmt.Errorf("threshold window: %w", err)
		}
		rule.Threshold = &core.ThresholdConfig{
			Window:        w,
			Count:         d.Threshold.Count,
			GroupBy:       d.Threshold.GroupBy,
			DistinctField: d.Threshold.DistinctField,
			Match:         d.Threshold.Match,
		}
	}
	if d.Correlation != nil {
		w, err := time.ParseDuration(d.Correlation.Window)
		if err != nil {
			return nil, fmt.Errorf("correlation window: %w", err)
		}
		rule.Correlation = &core.CorrelationConfig{
			Window:   w,
			GroupBy:  d.Correlation.GroupBy,
			Sequence: d.Correlation.Sequence,
		}
	}
	return rule, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
