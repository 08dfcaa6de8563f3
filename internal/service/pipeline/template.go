package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

type templateFile struct {
	Stages []templateStage `yaml:"stages"`
}

type templateStage struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Timeout     string `yaml:"timeout"`
	Simulate    string `yaml:"simulate"`
}

// LoadTemplate reads a stage template from a YAML file. An empty path yields the default template.
func LoadTemplate(path string) ([]domain.StageDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return domain.DefaultStageTemplate(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage template: %w", err)
	}
	return ParseTemplate(raw)
}

// ParseTemplate decodes a YAML stage template. Entries whose key matches a
// default stage inherit its name, description and pacing unless overridden.
func ParseTemplate(raw []byte) ([]domain.StageDefinition, error) {
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode stage template: %w", err)
	}
	defaults := make(map[string]domain.StageDefinition)
	for _, def := range domain.DefaultStageTemplate() {
		defaults[def.Key] = def
	}

	out := make([]domain.StageDefinition, 0, len(file.Stages))
	for i, entry := range file.Stages {
		key := strings.TrimSpace(entry.Key)
		def := defaults[key]
		def.Key = key
		if entry.Name != "" {
			def.Name = entry.Name
		}
		if entry.Description != "" {
			def.Description = entry.Description
		}
		if entry.Timeout != "" {
			d, err := time.ParseDuration(entry.Timeout)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("stage %d: invalid timeout %q", i, entry.Timeout)
			}
			def.Timeout = d
		}
		if entry.Simulate != "" {
			d, err := time.ParseDuration(entry.Simulate)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("stage %d: invalid simulate %q", i, entry.Simulate)
			}
			def.Simulate = d
		}
		out = append(out, def)
	}
	if err := domain.ValidateStageTemplate(out); err != nil {
		return nil, err
	}
	return out, nil
}
