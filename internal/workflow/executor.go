package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/orchestrator"
	"github.com/skein-dev/skein/internal/protocol"
	"github.com/skein-dev/skein/internal/provider"
)

const workflowSystemPrompt = "You are executing one step of an automated workflow. Complete the step's instruction using the available tools when needed, then report the result. Be concise and factual."

// Runner executes one step's AI work. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
}

// Executor is the step state machine for a single execution. It owns the
// ExecutionContext exclusively; one run-loop mutates it, listeners only
// receive snapshots.
type Executor struct {
	workflow *Workflow
	runner   Runner
	store    ExecutionStore
	emitter  *events.Emitter
	execCtx  *ExecutionContext

	mu        sync.Mutex
	cancelled atomic.Bool
	cancelFn  context.CancelFunc
}

// NewExecutor creates an executor with a fresh execution context. Declared
// variable defaults are applied first, then overridden by inputs.
func NewExecutor(wf *Workflow, runner Runner, store ExecutionStore, emitter *events.Emitter, inputs map[string]interface{}) *Executor {
	vars := make(map[string]interface{})
	for _, decl := range wf.Variables {
		if decl.Default != nil {
			vars[decl.Name] = decl.Default
		}
	}
	for k, v := range inputs {
		vars[k] = v
	}

	execCtx := &ExecutionContext{
		WorkflowID:  wf.ID,
		ExecutionID: uuid.NewString(),
		Variables:   vars,
		StepResults: make(map[string]*StepResult),
		Status:      StatusIdle,
		StartedAt:   time.Now(),
	}
	if first := wf.FirstStep(); first != nil {
		execCtx.CurrentStepID = first.ID
	}

	return &Executor{
		workflow: wf,
		runner:   runner,
		store:    store,
		emitter:  emitter,
		execCtx:  execCtx,
	}
}

// NewExecutorFromContext attaches to a previously persisted execution,
// typically one that paused for input in another process
func NewExecutorFromContext(wf *Workflow, runner Runner, store ExecutionStore, emitter *events.Emitter, execCtx *ExecutionContext) *Executor {
	if execCtx.Variables == nil {
		execCtx.Variables = make(map[string]interface{})
	}
	if execCtx.StepResults == nil {
		execCtx.StepResults = make(map[string]*StepResult)
	}
	return &Executor{
		workflow: wf,
		runner:   runner,
		store:    store,
		emitter:  emitter,
		execCtx:  execCtx,
	}
}

// Context returns a snapshot of the execution state
func (e *Executor) Context() ExecutionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execCtx.Snapshot()
}

// Start begins the run-loop from the context's current step
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.execCtx.Status != StatusIdle {
		e.mu.Unlock()
		return fmt.Errorf("execution %s already started (status %s)", e.execCtx.ExecutionID, e.execCtx.Status)
	}
	e.execCtx.Status = StatusRunning
	e.mu.Unlock()

	e.emit(events.StatusUpdate, "", StatusRunning)
	return e.runLoop(e.withCancel(ctx))
}

// Resume re-enters the run-loop after a pause. For an input gate the text
// becomes the paused step's output verbatim, with no provider call and no
// decision evaluation. For a confirmation gate a negative reply cancels.
func (e *Executor) Resume(ctx context.Context, input string) error {
	e.mu.Lock()
	status := e.execCtx.Status
	reason := e.execCtx.WaitReason
	stepID := e.execCtx.CurrentStepID
	e.mu.Unlock()

	if status != StatusPaused && status != StatusRunning {
		return fmt.Errorf("cannot resume execution %s from status %s", e.execCtx.ExecutionID, status)
	}

	if reason == WaitConfirmation {
		if !ParseDecision(input) {
			e.Cancel()
			return nil
		}
		e.mu.Lock()
		e.execCtx.Status = StatusRunning
		e.execCtx.WaitReason = ""
		e.mu.Unlock()
		e.emit(events.StatusUpdate, stepID, StatusRunning)
		return e.runLoop(e.withCancel(ctx))
	}

	step := e.workflow.FindStep(stepID)
	if step == nil {
		err := fmt.Errorf("step not found: %s", stepID)
		e.fail(err)
		return err
	}

	e.mu.Lock()
	e.execCtx.Status = StatusRunning
	e.execCtx.WaitReason = ""
	e.mu.Unlock()

	prompt := ""
	if step.InputRequest != nil {
		prompt = step.InputRequest.Prompt
	}
	e.completeStep(step, prompt, input, nil, nil)

	e.mu.Lock()
	paused := e.execCtx.Status == StatusPaused
	e.mu.Unlock()
	if paused {
		return nil
	}
	return e.runLoop(e.withCancel(ctx))
}

// Cancel aborts the in-flight provider call and finalizes the execution.
// After it returns, no further step results or persistence writes happen.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)

	e.mu.Lock()
	if e.cancelFn != nil {
		e.cancelFn()
	}
	if e.execCtx.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	e.execCtx.Status = StatusCancelled
	e.execCtx.CompletedAt = &now
	e.execCtx.CurrentStepID = ""
	e.execCtx.WaitReason = ""
	if e.store != nil {
		if err := e.store.Save(e.execCtx); err != nil {
			log.Printf("[Workflow] Persist failed for %s: %v", e.execCtx.ExecutionID, err)
		}
	}
	e.mu.Unlock()

	e.emit(events.ExecutionCancelled, "", nil)
}

func (e *Executor) withCancel(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFn = cancel
	e.mu.Unlock()
	return runCtx
}

func (e *Executor) runLoop(ctx context.Context) error {
	for {
		if e.cancelled.Load() {
			return nil
		}

		e.mu.Lock()
		stepID := e.execCtx.CurrentStepID
		e.mu.Unlock()

		if stepID == "" {
			e.finalizeCompleted()
			return nil
		}

		step := e.workflow.FindStep(stepID)
		if step == nil {
			// Broken graph reference is fatal, nothing partial is emitted
			err := fmt.Errorf("step not found: %s", stepID)
			log.Printf("[Workflow] %s: %v", e.execCtx.ExecutionID, err)
			e.fail(err)
			return err
		}

		e.emit(events.StepStart, step.ID, nil)

		if step.InputRequest != nil && step.InputRequest.Enabled {
			e.pause(WaitInput, step.InputRequest.Prompt, step.ID)
			return nil
		}

		if err := e.executeStep(ctx, step); err != nil {
			if e.cancelled.Load() || errors.Is(err, context.Canceled) {
				return nil
			}
			e.fail(err)
			return err
		}

		e.mu.Lock()
		paused := e.execCtx.Status == StatusPaused
		e.mu.Unlock()
		if paused {
			return nil
		}
	}
}

func (e *Executor) executeStep(ctx context.Context, step *Step) error {
	e.mu.Lock()
	prompt := Substitute(step.Prompt, e.execCtx.Variables)
	history := e.buildHistory(step.ID)
	e.mu.Unlock()

	if step.Decision != nil {
		prompt += decisionInstruction
	}

	result, err := e.runner.Run(ctx, &orchestrator.Request{
		Message:      prompt,
		History:      history,
		SystemPrompt: workflowSystemPrompt,
		AllowedTools: step.AllowedTools,
	})
	if err != nil {
		return err
	}

	// A cancellation that raced the response must not commit a step result
	if e.cancelled.Load() || ctx.Err() != nil {
		return context.Canceled
	}

	var decision *bool
	if step.Decision != nil {
		d := ParseDecision(result.Content)
		decision = &d
	}

	files := DetectGeneratedFiles(result.Content, result.ToolResults, step.OutputFormat)

	e.completeStep(step, prompt, result.Content, decision, files)
	return nil
}

// completeStep records the result, picks the next step and persists.
// Covers output parsing, decision branching, loop continuation and
// initiation, and the by-order fallback.
func (e *Executor) completeStep(step *Step, prompt, output string, decision *bool, files []string) {
	e.mu.Lock()

	var parsed interface{}
	if step.OutputFormat == "json" {
		parsed = ExtractJSON(output)
	}

	if step.OutputVar != "" {
		if parsed != nil {
			e.execCtx.Variables[step.OutputVar] = parsed
		} else {
			e.execCtx.Variables[step.OutputVar] = output
		}
	}

	iteration := 0
	if ls := e.execCtx.LoopState; ls != nil && ls.StepID == step.ID {
		iteration = ls.CurrentIndex
	}

	result := &StepResult{
		StepID:         step.ID,
		Success:        true,
		Output:         output,
		ParsedOutput:   parsed,
		DecisionResult: decision,
		GeneratedFiles: files,
		CompletedAt:    time.Now(),
	}
	e.execCtx.StepResults[step.ID] = result
	e.execCtx.History = append(e.execCtx.History, HistoryEntry{
		StepID:    step.ID,
		StepOrder: step.Order,
		Iteration: iteration,
		Prompt:    prompt,
		Output:    output,
		Timestamp: result.CompletedAt,
	})

	resultCopy := *result
	e.mu.Unlock()

	e.emit(events.StepComplete, step.ID, resultCopy)

	e.mu.Lock()
	nextID := e.nextAfter(step, decision)
	e.execCtx.CurrentStepID = nextID

	if step.RequiresConfirmation {
		e.execCtx.Status = StatusPaused
		e.execCtx.WaitReason = WaitConfirmation
		e.persistLocked()
		e.mu.Unlock()
		e.emit(events.WaitingForInput, step.ID, map[string]interface{}{
			"reason": string(WaitConfirmation),
			"prompt": fmt.Sprintf("Step %s finished. Continue?", step.ID),
		})
		return
	}

	e.mu.Unlock()

	if nextID != "" {
		// Forward-looking signal so listeners show progress before the
		// next provider round-trip completes
		e.emit(events.StepStart, nextID, nil)
	}

	e.mu.Lock()
	e.persistLocked()
	e.mu.Unlock()
}

// nextAfter resolves the successor step id. Caller holds the mutex.
func (e *Executor) nextAfter(step *Step, decision *bool) string {
	next := ""
	if step.Decision != nil && decision != nil {
		if *decision {
			next = step.Decision.TrueBranch
		} else {
			next = step.Decision.FalseBranch
		}
	} else if step.NextStep != "" {
		next = step.NextStep
	}

	// Loop continuation for the step that just finished
	if ls := e.execCtx.LoopState; ls != nil && ls.StepID == step.ID {
		ls.CurrentIndex++
		if ls.CurrentIndex < len(ls.Items) {
			e.execCtx.Variables[ls.ItemVar] = ls.Items[ls.CurrentIndex]
			return step.ID
		}
		e.execCtx.LoopState = nil
		if next == step.ID {
			next = step.NextStep
		}
	}

	// Loop initiation when the resolved successor declares a loop
	if next != "" {
		if nextStep := e.workflow.FindStep(next); nextStep != nil && nextStep.Loop != nil {
			items, ok := toArray(e.execCtx.Variables[nextStep.Loop.Source])
			if ok && len(items) > 0 {
				e.execCtx.LoopState = &LoopState{
					StepID:  nextStep.ID,
					Items:   items,
					ItemVar: nextStep.Loop.ItemVar,
				}
				e.execCtx.Variables[nextStep.Loop.ItemVar] = items[0]
			} else {
				// Empty or non-array source skips the loop step entirely
				next = nextStep.NextStep
				if next == "" {
					if byOrder := e.workflow.NextByOrder(nextStep.Order); byOrder != nil {
						next = byOrder.ID
					}
				}
			}
		}
	}

	if next == "" {
		if byOrder := e.workflow.NextByOrder(step.Order); byOrder != nil {
			next = byOrder.ID
		}
	}

	return next
}

// buildHistory assembles user/assistant pairs for steps that already
// succeeded, ordered by step order, so later steps can reference earlier
// results in natural language. Caller holds the mutex.
func (e *Executor) buildHistory(currentStepID string) []protocol.Message {
	steps := make([]Step, len(e.workflow.Steps))
	copy(steps, e.workflow.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	var msgs []protocol.Message
	for _, step := range steps {
		if step.ID == currentStepID {
			continue
		}
		result, ok := e.execCtx.StepResults[step.ID]
		if !ok || !result.Success {
			continue
		}

		userContent := step.Prompt
		for i := len(e.execCtx.History) - 1; i >= 0; i-- {
			if e.execCtx.History[i].StepID == step.ID {
				userContent = e.execCtx.History[i].Prompt
				break
			}
		}
		if userContent == "" {
			userContent = fmt.Sprintf("(input for step %s)", step.ID)
		}

		msgs = append(msgs,
			protocol.Message{Role: "user", Content: userContent},
			protocol.Message{Role: "assistant", Content: result.Output},
		)
	}
	return msgs
}

func (e *Executor) pause(reason WaitReason, prompt, stepID string) {
	e.mu.Lock()
	e.execCtx.Status = StatusPaused
	e.execCtx.WaitReason = reason
	e.persistLocked()
	e.mu.Unlock()

	e.emit(events.WaitingForInput, stepID, map[string]interface{}{
		"reason": string(reason),
		"prompt": prompt,
	})
}

func (e *Executor) fail(err error) {
	e.mu.Lock()
	if e.execCtx.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	e.execCtx.Status = StatusFailed
	e.execCtx.CompletedAt = &now
	e.execCtx.CurrentStepID = ""
	e.persistLocked()
	e.mu.Unlock()

	// Error keeps the raw text; the payload carries the user-facing
	// translation while the typed error is still in hand
	event := events.Event{
		Type:        events.WorkflowFailed,
		ExecutionID: e.execCtx.ExecutionID,
		Context:     e.Context(),
		Payload: map[string]interface{}{
			"message": provider.TranslateError(err),
		},
		Error: err.Error(),
	}
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}

func (e *Executor) finalizeCompleted() {
	e.mu.Lock()
	if e.execCtx.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	e.execCtx.Status = StatusCompleted
	e.execCtx.CompletedAt = &now
	e.persistLocked()
	e.mu.Unlock()

	e.emit(events.WorkflowComplete, "", nil)
}

// persistLocked saves best-effort; failures are logged, never fatal.
// Caller holds the mutex. Skipped after cancellation so a cancelled run
// produces no further writes.
func (e *Executor) persistLocked() {
	if e.store == nil || e.cancelled.Load() {
		return
	}
	if err := e.store.Save(e.execCtx); err != nil {
		log.Printf("[Workflow] Persist failed for %s: %v", e.execCtx.ExecutionID, err)
	}
}

func (e *Executor) emit(t events.EventType, stepID string, payload interface{}) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{
		Type:        t,
		ExecutionID: e.execCtx.ExecutionID,
		StepID:      stepID,
		Context:     e.Context(),
		Payload:     payload,
	})
}

func toArray(v interface{}) ([]interface{}, bool) {
	switch arr := v.(type) {
	case nil:
		return nil, false
	case []interface{}:
		return arr, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
