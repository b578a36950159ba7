package soar

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

// playbookDoc is the YAML-facing shape of a playbook definition.
type playbookDoc struct {
	ID          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Enabled     *bool                 `yaml:"enabled"`
	Priority    int                   `yaml:"priority"`
	Trigger     core.TriggerPredicate `yaml:"trigger"`
	Actions     []core.PlaybookAction `yaml:"actions"`

	RequiresApproval      bool  `yaml:"requires_approval"`
	AutoApproveSeverities []int `yaml:"auto_approve_severities"`
}

// LoadPlaybooksDir reads every .yaml/.yml file under dir (one playbook per
// file). Files that fail to parse or validate are skipped with a warning.
func LoadPlaybooksDir(dir string, logger *zap.SugaredLogger) ([]*core.Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbooks directory %s: %w", dir, err)
	}

	var playbooks []*core.Playbook
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadPlaybookFile(path)
		if err != nil {
			logger.Warnw("Skipping playbook file", "path", path, "error", err)
			continue
		}
		playbooks = append(playbooks, p)
	}

	logger.Infow("Loaded playbooks", "dir", dir, "count", len(playbooks))
	return playbooks, nil
}

func loadPlaybookFile(path string) (*core.Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc playbookDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	now := time.Now().UTC()
	p := &core.Playbook{
		ID:                    doc.ID,
		Name:                  doc.Name,
		Description:           doc.Description,
		Enabled:               true,
		Priority:              doc.Priority,
		Trigger:               doc.Trigger,
		Actions:               doc.Actions,
		RequiresApproval:      doc.RequiresApproval,
		AutoApproveSeverities: doc.AutoApproveSeverities,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if doc.Enabled != nil {
		p.Enabled = *doc.Enabled
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
