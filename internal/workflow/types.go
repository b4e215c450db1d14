package workflow

import "time"

// Workflow is an immutable definition of ordered, branching steps.
// Steps reference each other by id, never by array position.
type Workflow struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step     `json:"steps" yaml:"steps"`
	Variables   []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Variable declares an input with an optional default
type Variable struct {
	Name    string      `json:"name" yaml:"name"`
	Type    string      `json:"type,omitempty" yaml:"type,omitempty"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Step is one node in the workflow graph
type Step struct {
	ID                   string        `json:"id" yaml:"id"`
	Order                int           `json:"order" yaml:"order"` // Position hint, not authoritative
	Name                 string        `json:"name,omitempty" yaml:"name,omitempty"`
	Prompt               string        `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Decision             *Decision     `json:"decision,omitempty" yaml:"decision,omitempty"`
	NextStep             string        `json:"nextStep,omitempty" yaml:"nextStep,omitempty"`
	Loop                 *Loop         `json:"loop,omitempty" yaml:"loop,omitempty"`
	InputRequest         *InputRequest `json:"inputRequest,omitempty" yaml:"inputRequest,omitempty"`
	OutputFormat         string        `json:"outputFormat,omitempty" yaml:"outputFormat,omitempty"` // text, json, file
	OutputVar            string        `json:"outputVar,omitempty" yaml:"outputVar,omitempty"`
	RequiresConfirmation bool          `json:"requiresConfirmation,omitempty" yaml:"requiresConfirmation,omitempty"`
	AllowedTools         []string      `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
}

// Decision picks between two successor steps based on the model's boolean verdict
type Decision struct {
	Condition   string `json:"condition" yaml:"condition"`
	TrueBranch  string `json:"trueBranch" yaml:"trueBranch"`
	FalseBranch string `json:"falseBranch" yaml:"falseBranch"`
}

// Loop re-executes a step once per item of a named collection variable
type Loop struct {
	Source  string `json:"source" yaml:"source"`
	ItemVar string `json:"itemVar" yaml:"itemVar"`
}

// InputRequest pauses the step before AI execution to collect raw user text
type InputRequest struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Prompt  string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// Status is the lifecycle state of an execution
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WaitReason distinguishes what a paused execution is waiting for
type WaitReason string

const (
	WaitInput        WaitReason = "input"
	WaitConfirmation WaitReason = "confirmation"
)

// LoopState is present only while an active loop iterates a step
type LoopState struct {
	StepID       string        `json:"step_id"`
	Items        []interface{} `json:"items"`
	CurrentIndex int           `json:"current_index"`
	ItemVar      string        `json:"item_var"`
}

// StepResult captures one completed step visit
type StepResult struct {
	StepID         string      `json:"step_id"`
	Success        bool        `json:"success"`
	Output         string      `json:"output"`
	ParsedOutput   interface{} `json:"parsed_output,omitempty"`
	DecisionResult *bool       `json:"decision_result,omitempty"`
	GeneratedFiles []string    `json:"generated_files,omitempty"`
	CompletedAt    time.Time   `json:"completed_at"`
}

// HistoryEntry is one record of the append-only execution log. Unlike
// StepResults, it keeps every loop iteration's output.
type HistoryEntry struct {
	StepID    string    `json:"step_id"`
	StepOrder int       `json:"step_order"`
	Iteration int       `json:"iteration"`
	Prompt    string    `json:"prompt"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionContext is the single mutable, persisted entity per run.
// It is owned exclusively by one Executor; listeners only see snapshots.
type ExecutionContext struct {
	WorkflowID    string                 `json:"workflow_id"`
	ExecutionID   string                 `json:"execution_id"`
	CurrentStepID string                 `json:"current_step_id,omitempty"` // Empty iff terminal
	Variables     map[string]interface{} `json:"variables"`
	StepResults   map[string]*StepResult `json:"step_results"`
	Status        Status                 `json:"status"`
	WaitReason    WaitReason             `json:"wait_reason,omitempty"`
	LoopState     *LoopState             `json:"loop_state,omitempty"`
	History       []HistoryEntry         `json:"history"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// Snapshot returns a read-only copy safe to hand to event listeners
func (c *ExecutionContext) Snapshot() ExecutionContext {
	snap := *c

	snap.Variables = make(map[string]interface{}, len(c.Variables))
	for k, v := range c.Variables {
		snap.Variables[k] = v
	}

	snap.StepResults = make(map[string]*StepResult, len(c.StepResults))
	for k, v := range c.StepResults {
		result := *v
		snap.StepResults[k] = &result
	}

	if c.LoopState != nil {
		ls := *c.LoopState
		ls.Items = append([]interface{}{}, c.LoopState.Items...)
		snap.LoopState = &ls
	}

	snap.History = append([]HistoryEntry{}, c.History...)

	return snap
}

// FindStep returns the step with the given id, or nil
func (w *Workflow) FindStep(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// FirstStep resolves the entry step: order==1 if present, else minimal order
func (w *Workflow) FirstStep() *Step {
	var first *Step
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Order == 1 {
			return step
		}
		if first == nil || step.Order < first.Order {
			first = step
		}
	}
	return first
}

// NextByOrder returns the step with the smallest order greater than the
// given order, or nil when none remains
func (w *Workflow) NextByOrder(order int) *Step {
	var next *Step
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Order > order && (next == nil || step.Order < next.Order) {
			next = step
		}
	}
	return next
}
