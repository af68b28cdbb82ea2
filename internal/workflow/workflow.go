// Package workflow loads file-defined pipelines and turns them into task
// lists for the orchestrator.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/igoryan-dao/cascade/internal/task"
)

// Definition is a named, file-defined pipeline.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Model overrides the configured default for every step.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`

	// Path is where the definition was loaded from; not part of the file.
	Path string `yaml:"-" json:"-"`
}

// Step is one task in the pipeline file. Array order is dependency order:
// a step may only depend on steps declared before it.
type Step struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	Prompt        string   `yaml:"prompt" json:"prompt"`
	DependsOn     []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition     string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	ResumeFrom    string   `yaml:"resume_from,omitempty" json:"resume_from,omitempty"`
	OutputSession bool     `yaml:"output_session,omitempty" json:"output_session,omitempty"`
}

// Load parses a YAML workflow definition.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", filepath.Base(path), err)
	}

	if def.Name == "" {
		def.Name = trimExt(filepath.Base(path))
	}
	def.Path = path

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", def.Name, err)
	}
	return &def, nil
}

// Scan loads every workflow definition under dir. Unparseable files are
// skipped so one broken definition does not hide the rest.
func Scan(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to parse workflow %s: %v\n", entry.Name(), err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate checks step ids, conditions and dependency ordering.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		if s.Prompt == "" {
			return fmt.Errorf("step %s has no prompt", s.ID)
		}
		switch task.Condition(s.Condition) {
		case "", task.OnSuccess, task.OnFailure, task.Always:
		default:
			return fmt.Errorf("step %s has unknown condition %q", s.ID, s.Condition)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %s depends on %q which is not declared before it", s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// Tasks converts the definition into an ordered task list.
func (d *Definition) Tasks() []*task.Record {
	tasks := make([]*task.Record, len(d.Steps))
	for i, s := range d.Steps {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		tasks[i] = &task.Record{
			ID:               s.ID,
			Name:             name,
			Prompt:           s.Prompt,
			Status:           task.StatusPending,
			DependsOn:        append([]string(nil), s.DependsOn...),
			Condition:        task.Condition(s.Condition),
			ResumeFromTaskID: s.ResumeFrom,
			OutputSession:    s.OutputSession,
		}
	}
	return tasks
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
