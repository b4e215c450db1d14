package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/orchestrator"
	"github.com/skein-dev/skein/internal/provider"
)

// fakeRunner scripts responses per step prompt
type fakeRunner struct {
	mu      sync.Mutex
	fn      func(req *orchestrator.Request) (*orchestrator.Result, error)
	prompts []string
}

func (f *fakeRunner) Run(_ context.Context, req *orchestrator.Request) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Message)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(req)
	}
	return &orchestrator.Result{Content: "done: " + req.Message}, nil
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.prompts...)
}

// memStore counts saves for persistence assertions
type memStore struct {
	mu     sync.Mutex
	saves  int
	last   *ExecutionContext
	onSave func()
}

func (s *memStore) Save(execCtx *ExecutionContext) error {
	s.mu.Lock()
	s.saves++
	snap := execCtx.Snapshot()
	s.last = &snap
	hook := s.onSave
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *memStore) Load(string) (*ExecutionContext, error) { return nil, fmt.Errorf("not found") }
func (s *memStore) List() ([]*ExecutionContext, error)     { return nil, nil }
func (s *memStore) Delete(string) error                    { return nil }

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func collectEvents(emitter *events.Emitter) *eventLog {
	log := &eventLog{}
	emitter.Subscribe(func(ev events.Event) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.events = append(log.events, ev)
	})
	return log
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) ofType(t events.EventType) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func linearWorkflow() *Workflow {
	return &Workflow{
		ID: "linear",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "step one"},
			{ID: "2", Order: 2, Prompt: "step two"},
			{ID: "3", Order: 3, Prompt: "step three"},
		},
	}
}

func TestExecutor_LinearByOrder(t *testing.T) {
	runner := &fakeRunner{}
	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	ex := NewExecutor(linearWorkflow(), runner, nil, emitter, nil)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	prompts := runner.seen()
	want := []string{"step one", "step two", "step three"}
	if len(prompts) != len(want) {
		t.Fatalf("Expected %d steps, got %d: %v", len(want), len(prompts), prompts)
	}
	for i, p := range want {
		if prompts[i] != p {
			t.Errorf("Step %d: expected prompt %q, got %q", i+1, p, prompts[i])
		}
	}

	final := ex.Context()
	if final.Status != StatusCompleted {
		t.Errorf("Expected status completed, got %s", final.Status)
	}
	if final.CurrentStepID != "" {
		t.Errorf("Expected empty current step, got %s", final.CurrentStepID)
	}
	if final.CompletedAt == nil {
		t.Error("Expected completedAt to be stamped")
	}

	if n := len(log.ofType(events.WorkflowComplete)); n != 1 {
		t.Errorf("Expected 1 workflow_complete event, got %d", n)
	}
	if n := len(log.ofType(events.StepComplete)); n != 3 {
		t.Errorf("Expected 3 step_complete events, got %d", n)
	}
}

func TestExecutor_DecisionBranches(t *testing.T) {
	build := func() *Workflow {
		return &Workflow{
			ID: "branching",
			Steps: []Step{
				{ID: "1", Order: 1, Prompt: "check", Decision: &Decision{
					Condition:   "is it valid",
					TrueBranch:  "2",
					FalseBranch: "3",
				}},
				{ID: "2", Order: 2, Prompt: "true path", NextStep: "4"},
				{ID: "3", Order: 3, Prompt: "false path", NextStep: "4"},
				{ID: "4", Order: 4, Prompt: "finish"},
			},
		}
	}

	cases := []struct {
		name     string
		verdict  string
		expected string
	}{
		{"true picks trueBranch", `{"decision": true}`, "true path"},
		{"false picks falseBranch", `{"decision": false}`, "false path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			runner.fn = func(req *orchestrator.Request) (*orchestrator.Result, error) {
				if strings.Contains(req.Message, "check") {
					return &orchestrator.Result{Content: tc.verdict}, nil
				}
				return &orchestrator.Result{Content: "ok"}, nil
			}

			ex := NewExecutor(build(), runner, nil, events.NewEmitter(), nil)
			if err := ex.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			prompts := runner.seen()
			if len(prompts) < 2 || prompts[1] != tc.expected {
				t.Errorf("Expected second prompt %q, got %v", tc.expected, prompts)
			}
		})
	}
}

func TestExecutor_DecisionInstructionAppended(t *testing.T) {
	wf := &Workflow{
		ID: "d",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "validate this", Decision: &Decision{
				TrueBranch: "2", FalseBranch: "2",
			}},
			{ID: "2", Order: 2, Prompt: "end"},
		},
	}

	runner := &fakeRunner{}
	ex := NewExecutor(wf, runner, nil, events.NewEmitter(), nil)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	prompts := runner.seen()
	if !strings.Contains(prompts[0], `"decision"`) {
		t.Errorf("Decision step prompt missing JSON instruction: %q", prompts[0])
	}
	if strings.Contains(prompts[1], `"decision"`) {
		t.Errorf("Plain step prompt should not carry the decision instruction: %q", prompts[1])
	}
}

func TestExecutor_LoopIteratesAllItems(t *testing.T) {
	wf := &Workflow{
		ID: "looping",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "gather", NextStep: "loop"},
			{ID: "loop", Order: 2, Prompt: "process {{it}}", NextStep: "after",
				Loop: &Loop{Source: "items", ItemVar: "it"}},
			{ID: "after", Order: 3, Prompt: "wrap up"},
		},
	}

	runner := &fakeRunner{}
	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	inputs := map[string]interface{}{"items": []interface{}{"a", "b", "c"}}
	ex := NewExecutor(wf, runner, nil, emitter, inputs)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	prompts := runner.seen()
	want := []string{"gather", "process a", "process b", "process c", "wrap up"}
	if len(prompts) != len(want) {
		t.Fatalf("Expected %d prompts, got %d: %v", len(want), len(prompts), prompts)
	}
	for i, p := range want {
		if prompts[i] != p {
			t.Errorf("Prompt %d: expected %q, got %q", i, p, prompts[i])
		}
	}

	loopCompletes := 0
	for _, ev := range log.ofType(events.StepComplete) {
		if ev.StepID == "loop" {
			loopCompletes++
		}
	}
	if loopCompletes != 3 {
		t.Errorf("Expected 3 step_complete events for the loop step, got %d", loopCompletes)
	}

	final := ex.Context()
	if final.LoopState != nil {
		t.Error("Loop state should be cleared after the last iteration")
	}
	if final.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", final.Status)
	}
}

func TestExecutor_EmptyLoopSourceSkipsStep(t *testing.T) {
	wf := &Workflow{
		ID: "empty-loop",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "gather", NextStep: "loop"},
			{ID: "loop", Order: 2, Prompt: "process {{it}}", NextStep: "after",
				Loop: &Loop{Source: "items", ItemVar: "it"}},
			{ID: "after", Order: 3, Prompt: "wrap up"},
		},
	}

	runner := &fakeRunner{}
	inputs := map[string]interface{}{"items": []interface{}{}}
	ex := NewExecutor(wf, runner, nil, events.NewEmitter(), inputs)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	prompts := runner.seen()
	want := []string{"gather", "wrap up"}
	if len(prompts) != 2 || prompts[1] != want[1] {
		t.Errorf("Expected loop step skipped, prompts: %v", prompts)
	}
}

func TestExecutor_InputRequestPausesAndResumes(t *testing.T) {
	wf := &Workflow{
		ID: "gated",
		Steps: []Step{
			{ID: "1", Order: 1, OutputVar: "answer",
				InputRequest: &InputRequest{Enabled: true, Prompt: "say something"}},
			{ID: "2", Order: 2, Prompt: "got {{answer}}"},
		},
	}

	runner := &fakeRunner{}
	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	ex := NewExecutor(wf, runner, nil, emitter, nil)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	paused := ex.Context()
	if paused.Status != StatusPaused {
		t.Fatalf("Expected paused, got %s", paused.Status)
	}
	if len(runner.seen()) != 0 {
		t.Fatal("No provider call should happen before input arrives")
	}
	if n := len(log.ofType(events.WaitingForInput)); n != 1 {
		t.Errorf("Expected 1 waiting_for_input event, got %d", n)
	}

	if err := ex.Resume(context.Background(), "hello"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	final := ex.Context()
	if final.Status != StatusCompleted {
		t.Errorf("Expected completed after resume, got %s", final.Status)
	}

	result := final.StepResults["1"]
	if result == nil || result.Output != "hello" {
		t.Fatalf("Expected input step result %q, got %+v", "hello", result)
	}

	prompts := runner.seen()
	if len(prompts) != 1 || prompts[0] != "got hello" {
		t.Errorf("Input should flow into the next step's variables, prompts: %v", prompts)
	}
}

func TestExecutor_ConfirmationGate(t *testing.T) {
	build := func() *Workflow {
		return &Workflow{
			ID: "confirm",
			Steps: []Step{
				{ID: "1", Order: 1, Prompt: "risky work", RequiresConfirmation: true, NextStep: "2"},
				{ID: "2", Order: 2, Prompt: "continue"},
			},
		}
	}

	t.Run("affirmative reply advances", func(t *testing.T) {
		runner := &fakeRunner{}
		ex := NewExecutor(build(), runner, nil, events.NewEmitter(), nil)
		if err := ex.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		snap := ex.Context()
		if snap.Status != StatusPaused || snap.WaitReason != WaitConfirmation {
			t.Fatalf("Expected confirmation pause, got %s/%s", snap.Status, snap.WaitReason)
		}

		if err := ex.Resume(context.Background(), "yes"); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if final := ex.Context(); final.Status != StatusCompleted {
			t.Errorf("Expected completed, got %s", final.Status)
		}
		if prompts := runner.seen(); len(prompts) != 2 {
			t.Errorf("Expected both steps to run, prompts: %v", prompts)
		}
	})

	t.Run("negative reply cancels", func(t *testing.T) {
		runner := &fakeRunner{}
		ex := NewExecutor(build(), runner, nil, events.NewEmitter(), nil)
		if err := ex.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := ex.Resume(context.Background(), "no"); err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if final := ex.Context(); final.Status != StatusCancelled {
			t.Errorf("Expected cancelled, got %s", final.Status)
		}
	})
}

func TestExecutor_CancelStopsWithoutFurtherWrites(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	runner := &fakeRunner{}
	first := true
	runner.fn = func(req *orchestrator.Request) (*orchestrator.Result, error) {
		if first {
			first = false
			close(started)
			<-release
			return nil, context.Canceled
		}
		return &orchestrator.Result{Content: "ok"}, nil
	}

	store := &memStore{}
	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	ex := NewExecutor(linearWorkflow(), runner, store, emitter, nil)

	done := make(chan error, 1)
	go func() { done <- ex.Start(context.Background()) }()

	<-started
	ex.Cancel()
	savesAtCancel := store.saveCount()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Start returned error after cancel: %v", err)
	}

	if final := ex.Context(); final.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", final.Status)
	}
	if n := len(log.ofType(events.StepComplete)); n != 0 {
		t.Errorf("No step_complete may follow cancellation, got %d", n)
	}
	if store.saveCount() != savesAtCancel {
		t.Errorf("No persistence writes may follow Cancel(): %d -> %d", savesAtCancel, store.saveCount())
	}
	if n := len(log.ofType(events.ExecutionCancelled)); n != 1 {
		t.Errorf("Expected 1 execution_cancelled event, got %d", n)
	}
}

func TestExecutor_MissingStepIsFatal(t *testing.T) {
	wf := &Workflow{
		ID: "broken",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "go", NextStep: "ghost"},
		},
	}

	runner := &fakeRunner{}
	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	ex := NewExecutor(wf, runner, nil, emitter, nil)
	if err := ex.Start(context.Background()); err == nil {
		t.Fatal("Expected error for missing step id")
	}

	if final := ex.Context(); final.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", final.Status)
	}
	if n := len(log.ofType(events.WorkflowFailed)); n != 1 {
		t.Errorf("Expected 1 workflow_failed event, got %d", n)
	}
}

func TestExecutor_RunnerErrorFailsExecution(t *testing.T) {
	runner := &fakeRunner{}
	runner.fn = func(*orchestrator.Request) (*orchestrator.Result, error) {
		return nil, fmt.Errorf("api unreachable")
	}

	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	ex := NewExecutor(linearWorkflow(), runner, nil, emitter, nil)
	if err := ex.Start(context.Background()); err == nil {
		t.Fatal("Expected transport error to surface")
	}

	failed := log.ofType(events.WorkflowFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 workflow_failed event, got %d", len(failed))
	}
	if !strings.Contains(failed[0].Error, "api unreachable") {
		t.Errorf("Failure event should carry the raw error, got %q", failed[0].Error)
	}
}

func TestExecutor_FailureEventTranslatesProviderErrors(t *testing.T) {
	runner := &fakeRunner{}
	runner.fn = func(*orchestrator.Request) (*orchestrator.Result, error) {
		return nil, &provider.APIError{Provider: "openai", StatusCode: 401}
	}

	emitter := events.NewEmitter()
	log := collectEvents(emitter)

	ex := NewExecutor(linearWorkflow(), runner, nil, emitter, nil)
	if err := ex.Start(context.Background()); err == nil {
		t.Fatal("Expected provider error to surface")
	}

	failed := log.ofType(events.WorkflowFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 workflow_failed event, got %d", len(failed))
	}
	if !strings.Contains(failed[0].Error, "API error 401") {
		t.Errorf("Error field should keep the raw text, got %q", failed[0].Error)
	}
	if msg := events.FailureMessage(failed[0]); !strings.Contains(msg, "check the API key") {
		t.Errorf("Expected translated auth message, got %q", msg)
	}
}

func TestExecutor_NextStepStartPrecedesPersist(t *testing.T) {
	var mu sync.Mutex
	var trace []string
	record := func(entry string) {
		mu.Lock()
		trace = append(trace, entry)
		mu.Unlock()
	}

	store := &memStore{onSave: func() { record("save") }}
	emitter := events.NewEmitter()
	emitter.Subscribe(func(ev events.Event) {
		record(string(ev.Type) + ":" + ev.StepID)
	})

	wf := &Workflow{
		ID: "pair",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "one"},
			{ID: "2", Order: 2, Prompt: "two"},
		},
	}
	ex := NewExecutor(wf, &fakeRunner{}, store, emitter, nil)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	startIdx, saveIdx := -1, -1
	for i, entry := range trace {
		if entry == "step_start:2" && startIdx < 0 {
			startIdx = i
		}
		if entry == "save" && saveIdx < 0 {
			saveIdx = i
		}
	}
	if startIdx < 0 || saveIdx < 0 {
		t.Fatalf("Trace missing expected entries: %v", trace)
	}
	if saveIdx < startIdx {
		t.Errorf("Persist must follow the forward step_start, trace: %v", trace)
	}
}

func TestExecutor_OutputVarAndJSONParsing(t *testing.T) {
	wf := &Workflow{
		ID: "vars",
		Steps: []Step{
			{ID: "1", Order: 1, Prompt: "produce", OutputFormat: "json", OutputVar: "data", NextStep: "2"},
			{ID: "2", Order: 2, Prompt: "use {{data}}"},
		},
	}

	runner := &fakeRunner{}
	runner.fn = func(req *orchestrator.Request) (*orchestrator.Result, error) {
		if req.Message == "produce" {
			return &orchestrator.Result{Content: `Here you go: {"count": 2}`}, nil
		}
		return &orchestrator.Result{Content: "ok"}, nil
	}

	ex := NewExecutor(wf, runner, nil, events.NewEmitter(), nil)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	prompts := runner.seen()
	if prompts[1] != `use {"count":2}` {
		t.Errorf("Expected parsed JSON substituted, got %q", prompts[1])
	}
}

func TestExecutor_HistoryCarriesPriorSteps(t *testing.T) {
	runner := &fakeRunner{}
	var lastHistoryLen int
	runner.fn = func(req *orchestrator.Request) (*orchestrator.Result, error) {
		lastHistoryLen = len(req.History)
		return &orchestrator.Result{Content: "out " + req.Message}, nil
	}

	ex := NewExecutor(linearWorkflow(), runner, nil, events.NewEmitter(), nil)
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Third step sees two user/assistant pairs
	if lastHistoryLen != 4 {
		t.Errorf("Expected 4 history messages for the final step, got %d", lastHistoryLen)
	}
}

func TestExecutor_NextAfterIsDeterministic(t *testing.T) {
	wf := linearWorkflow()
	ex := NewExecutor(wf, &fakeRunner{}, nil, events.NewEmitter(), nil)

	step := wf.FindStep("1")
	first := ex.nextAfter(step, nil)
	second := ex.nextAfter(step, nil)
	if first != second || first != "2" {
		t.Errorf("nextAfter must be deterministic absent loop state: %q vs %q", first, second)
	}
}

func TestExecutor_LoopHistoryKeepsEveryIteration(t *testing.T) {
	wf := &Workflow{
		ID: "loop-log",
		Steps: []Step{
			{ID: "loop", Order: 1, Prompt: "handle {{x}}",
				Loop: &Loop{Source: "xs", ItemVar: "x"}},
		},
	}
	// The entry step itself declares the loop; seed it by running a
	// predecessor-free workflow with a pre-opened loop state
	runner := &fakeRunner{}
	inputs := map[string]interface{}{"xs": []interface{}{1, 2}}

	ex := NewExecutor(wf, runner, nil, events.NewEmitter(), inputs)
	// Entry steps do not pass through nextAfter, so open the loop directly
	ex.execCtx.LoopState = &LoopState{StepID: "loop", Items: []interface{}{1, 2}, ItemVar: "x"}
	ex.execCtx.Variables["x"] = 1

	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := ex.Context()
	if len(final.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(final.History))
	}
	if final.History[0].Iteration != 0 || final.History[1].Iteration != 1 {
		t.Errorf("History iterations wrong: %+v", final.History)
	}
	if len(final.StepResults) != 1 {
		t.Errorf("Step results keep only the latest visit, got %d entries", len(final.StepResults))
	}
}
