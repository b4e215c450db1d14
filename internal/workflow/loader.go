package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Library holds workflow definitions loaded from a directory of YAML files
type Library struct {
	dir       string
	workflows map[string]*Workflow
}

// NewLibrary loads every .yaml/.yml file in dir as a workflow definition.
// Files that fail to parse or validate are skipped with a warning so one
// bad definition does not take down the whole library.
func NewLibrary(dir string) (*Library, error) {
	lib := &Library{
		dir:       dir,
		workflows: make(map[string]*Workflow),
	}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Reload re-reads all definitions from disk
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflow dir: %w", err)
	}

	loaded := make(map[string]*Workflow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		wf, err := LoadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", entry.Name(), err)
			continue
		}
		loaded[wf.ID] = wf
	}

	l.workflows = loaded
	return nil
}

// Get returns a workflow by id
func (l *Library) Get(id string) (*Workflow, bool) {
	wf, ok := l.workflows[id]
	return wf, ok
}

// List returns all loaded workflows
func (l *Library) List() []*Workflow {
	out := make([]*Workflow, 0, len(l.workflows))
	for _, wf := range l.workflows {
		out = append(out, wf)
	}
	return out
}

// LoadFile parses and validates a single YAML workflow definition
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks the structural integrity of a workflow definition
func Validate(wf *Workflow) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.ID)
	}

	ids := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %s has a step without an id", wf.ID)
		}
		if ids[step.ID] {
			return fmt.Errorf("workflow %s has duplicate step id %q", wf.ID, step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range wf.Steps {
		if step.NextStep != "" && !ids[step.NextStep] {
			return fmt.Errorf("step %s: nextStep %q does not exist", step.ID, step.NextStep)
		}
		if step.Decision != nil {
			if step.Decision.TrueBranch != "" && !ids[step.Decision.TrueBranch] {
				return fmt.Errorf("step %s: trueBranch %q does not exist", step.ID, step.Decision.TrueBranch)
			}
			if step.Decision.FalseBranch != "" && !ids[step.Decision.FalseBranch] {
				return fmt.Errorf("step %s: falseBranch %q does not exist", step.ID, step.Decision.FalseBranch)
			}
		}
		if step.Loop != nil {
			if step.Loop.Source == "" || step.Loop.ItemVar == "" {
				return fmt.Errorf("step %s: loop requires both source and itemVar", step.ID)
			}
		}
		hasInput := step.InputRequest != nil && step.InputRequest.Enabled
		if step.Prompt == "" && !hasInput {
			return fmt.Errorf("step %s: needs a prompt or an enabled inputRequest", step.ID)
		}
	}

	return nil
}
