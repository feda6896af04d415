// Package orchestrator drives the bounded agent loop: route, budget
// check, model call, tool dispatch, checkpoint, terminal outcome.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gliderlab/taskpilot/ledger"
	"github.com/gliderlab/taskpilot/memstore"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/kv"
	"github.com/gliderlab/taskpilot/pkg/llm"
	"github.com/gliderlab/taskpilot/prompt"
	"github.com/gliderlab/taskpilot/router"
	"github.com/gliderlab/taskpilot/storage"
	"github.com/gliderlab/taskpilot/tools"
)

// Orchestrator owns every live task loop.
type Orchestrator struct {
	cfg     *config.Config
	roster  *llm.Roster
	led     *ledger.Ledger
	mem     *memstore.Store
	db      *storage.Storage
	reg     *tools.Registry
	rtr     *router.Router
	prompts *prompt.Builder
	store   *kv.KV
	emitter Emitter
	unsure  UncertaintyClassifier

	mu    sync.Mutex
	tasks map[string]*task

	// task id generation
	lastIDStamp string
	idSeq       int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, roster *llm.Roster, led *ledger.Ledger, mem *memstore.Store, db *storage.Storage, reg *tools.Registry, store *kv.KV, emitter Emitter) *Orchestrator {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		roster:     roster,
		led:        led,
		mem:        mem,
		db:         db,
		reg:        reg,
		rtr:        router.New(roster, cfg, led),
		prompts:    prompt.NewBuilder(mem, cfg.Memory),
		store:      store,
		emitter:    emitter,
		unsure:     NewMarkerClassifier(),
		tasks:      make(map[string]*task),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// SetClassifier swaps the uncertainty heuristic. Call before Submit.
func (o *Orchestrator) SetClassifier(c UncertaintyClassifier) {
	o.unsure = c
}

// Close cancels all loops and waits for them to exit.
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.wg.Wait()
}

// Submit accepts a new task and starts its loop. tierOverride, when set,
// skips classification exactly like a "!tier" prefix in the text.
func (o *Orchestrator) Submit(text, origin, tierOverride string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty task text")
	}
	switch tierOverride {
	case "":
	case config.TierFast:
		text = router.OverrideFast + " " + text
	case config.TierDeep:
		text = router.OverrideDeep + " " + text
	default:
		return "", fmt.Errorf("unknown tier override %q", tierOverride)
	}

	id := o.nextTaskID()
	rec := &storage.Task{
		ID:     id,
		Origin: origin,
		Input:  text,
		State:  string(StatePending),
	}
	if err := o.db.CreateTask(rec); err != nil {
		return "", err
	}

	t := &task{rec: rec, state: StatePending}
	o.mu.Lock()
	o.tasks[id] = t
	o.mu.Unlock()

	log.Printf("[TASK] %s submitted (origin: %s)", id, origin)
	o.spawn(t, true)
	return id, nil
}

// Resume continues a checkpoint_wait task with user input. Only one
// resume transition is honored; a second call while running is rejected.
func (o *Orchestrator) Resume(taskID, input string) error {
	t, err := o.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != StateCheckpointWait {
		state := t.state
		t.mu.Unlock()
		return &errTaskState{taskID: taskID, state: state, op: "resume"}
	}
	t.state = StateRunning
	t.rec.State = string(StateRunning)
	t.transcript = append(t.transcript, llm.Message{Role: llm.RoleUser, Content: input})
	steps := t.rec.Steps
	t.mu.Unlock()

	if _, err := o.mem.AppendSession(taskID, steps, memstore.KindUserInput, input); err != nil {
		log.Printf("[WARN] task %s: record resume input: %v", taskID, err)
	}
	if err := o.db.UpdateTask(t.rec); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	if err := o.store.DeleteSnapshot(taskID); err != nil && !kv.IsNotFound(err) {
		log.Printf("[WARN] task %s: drop snapshot: %v", taskID, err)
	}

	log.Printf("[TASK] %s resumed", taskID)
	o.spawn(t, false)
	return nil
}

// Cancel moves a task to cancelled from any non-terminal state, stops
// its loop, and guarantees no further model calls.
func (o *Orchestrator) Cancel(taskID string) error {
	t, err := o.lookup(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state.Terminal() {
		state := t.state
		t.mu.Unlock()
		return &errTaskState{taskID: taskID, state: state, op: "cancel"}
	}
	t.state = StateCancelled
	t.rec.State = string(StateCancelled)
	now := time.Now().UTC()
	t.rec.CompletedAt = &now
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if err := o.db.UpdateTask(t.rec); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}
	if err := o.store.DeleteSnapshot(taskID); err != nil && !kv.IsNotFound(err) {
		log.Printf("[WARN] task %s: drop snapshot: %v", taskID, err)
	}
	o.finishBookkeeping(taskID)
	o.emitter.Emit(taskID, EmitProgress, map[string]interface{}{"status": string(StateCancelled)})
	log.Printf("[TASK] %s cancelled", taskID)
	return nil
}

// Status returns the persisted view of a task.
func (o *Orchestrator) Status(taskID string) (*storage.Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	o.mu.Unlock()
	if ok {
		t.mu.Lock()
		rec := *t.rec
		t.mu.Unlock()
		return &rec, nil
	}
	return o.db.GetTask(taskID)
}

// ActiveCount reports tasks currently in memory by state.
func (o *Orchestrator) ActiveCount() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range o.tasks {
		t.mu.Lock()
		counts[string(t.state)]++
		t.mu.Unlock()
	}
	return counts
}

// RecoverStale repairs state after a restart: tasks stuck in running or
// pending become failed unless a checkpoint snapshot survives, in which
// case they return to checkpoint_wait.
func (o *Orchestrator) RecoverStale() error {
	for _, state := range []string{string(StateRunning), string(StatePending)} {
		stale, err := o.db.TasksByState(state)
		if err != nil {
			return fmt.Errorf("scan %s tasks: %w", state, err)
		}
		for _, rec := range stale {
			if _, err := o.store.LoadSnapshot(rec.ID); err == nil {
				rec.State = string(StateCheckpointWait)
				if err := o.db.UpdateTask(rec); err != nil {
					return err
				}
				log.Printf("[RECOVER] task %s restored to checkpoint_wait", rec.ID)
				continue
			}
			rec.State = string(StateFailed)
			rec.Error = "recovered after restart"
			now := time.Now().UTC()
			rec.CompletedAt = &now
			if err := o.db.UpdateTask(rec); err != nil {
				return err
			}
			if note, err := o.store.GetProgress(rec.ID); err == nil && note != "" {
				log.Printf("[RECOVER] task %s marked failed (last progress: %s)", rec.ID, note)
			} else {
				log.Printf("[RECOVER] task %s marked failed", rec.ID)
			}
		}
	}
	return nil
}

// ---- internals ----

func (o *Orchestrator) nextTaskID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	stamp := now.Format("20060102_150405")
	if stamp == o.lastIDStamp {
		o.idSeq++
	} else {
		o.lastIDStamp = stamp
		o.idSeq = 0
	}
	return newTaskID(now, o.idSeq)
}

// lookup finds a live task, rehydrating a parked one from its snapshot
// after a restart.
func (o *Orchestrator) lookup(taskID string) (*task, error) {
	o.mu.Lock()
	if t, ok := o.tasks[taskID]; ok {
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()

	rec, err := o.db.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	if rec.State != string(StateCheckpointWait) {
		return nil, &errTaskState{taskID: taskID, state: State(rec.State), op: "load"}
	}

	payload, err := o.store.LoadSnapshot(taskID)
	if err != nil {
		return nil, fmt.Errorf("task %s: no checkpoint snapshot: %w", taskID, err)
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("task %s: corrupt snapshot: %w", taskID, err)
	}

	t := &task{
		rec:               rec,
		state:             StateCheckpointWait,
		tierName:          snap.Tier,
		transcript:        snap.Transcript,
		thresholdNotified: snap.ThresholdNotified,
	}
	o.mu.Lock()
	if existing, ok := o.tasks[taskID]; ok {
		t = existing
	} else {
		o.tasks[taskID] = t
	}
	o.mu.Unlock()
	return t, nil
}

// spawn starts (or restarts) the loop goroutine for a task.
func (o *Orchestrator) spawn(t *task, fresh bool) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	t.setCancel(cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(ctx, t, fresh)
	}()
}

// run executes the loop until the task parks or terminates.
func (o *Orchestrator) run(ctx context.Context, t *task, fresh bool) {
	taskID := t.rec.ID

	if fresh {
		tierName, clean, err := o.rtr.Route(ctx, taskID, t.rec.Input)
		if err != nil {
			o.fail(t, fmt.Sprintf("routing: %v", err))
			return
		}
		t.mu.Lock()
		if !t.state.CanTransition(StateRunning) {
			// a Cancel won the race during routing; its state stands
			t.mu.Unlock()
			return
		}
		t.state = StateRunning
		t.rec.State = string(StateRunning)
		t.rec.Tier = tierName
		t.rec.Input = clean
		t.tierName = tierName
		t.transcript = []llm.Message{{Role: llm.RoleUser, Content: clean}}
		t.mu.Unlock()
		if err := o.db.SetTaskRoute(taskID, tierName, clean); err != nil {
			o.fail(t, fmt.Sprintf("persist tier: %v", err))
			return
		}
		if err := o.db.UpdateTask(t.rec); err != nil {
			o.fail(t, fmt.Sprintf("persist state: %v", err))
			return
		}
	}

	t.mu.Lock()
	tier, ok := o.cfg.Tiers[t.tierName]
	t.mu.Unlock()
	if !ok {
		o.fail(t, fmt.Sprintf("unknown tier %q", t.tierName))
		return
	}

	for {
		if ctx.Err() != nil {
			return // cancelled; Cancel already persisted the state
		}

		// 1. budget pre-check: block strictly before a ceiling breach
		estimate := ledger.EstimateCallCost(tier)
		decision, err := o.led.Check(ctx, taskID, estimate)
		if err != nil {
			o.fail(t, fmt.Sprintf("ledger check: %v", err))
			return
		}
		if !decision.Ok {
			summary := fmt.Sprintf("Stopped before exceeding the %s budget ceiling (task spend $%.4f).%s",
				decision.Breach, decision.TaskSpend, o.partialAnswer(t))
			o.finish(t, StateAbortedBudget, summary, "")
			return
		}

		// 2. step ceiling
		t.mu.Lock()
		steps := t.rec.Steps
		notified := t.thresholdNotified
		t.mu.Unlock()
		if steps >= o.cfg.Loop.MaxSteps {
			summary := fmt.Sprintf("Stopped at the %d-step ceiling.%s", o.cfg.Loop.MaxSteps, o.partialAnswer(t))
			o.finish(t, StateAbortedSteps, summary, "")
			return
		}

		// 3. step-threshold checkpoint, once per task
		if !notified && steps >= o.cfg.CheckpointStep() {
			t.mu.Lock()
			t.thresholdNotified = true
			t.mu.Unlock()
			question := fmt.Sprintf("I have used %d of %d steps. Continue, adjust the approach, or stop?", steps, o.cfg.Loop.MaxSteps)
			o.checkpoint(t, question)
			return
		}

		// 4. build context and call the model
		system, err := o.prompts.System(t.rec, tier, o.reg.Specs())
		if err != nil {
			o.fail(t, fmt.Sprintf("build context: %v", err))
			return
		}
		t.mu.Lock()
		transcript := append([]llm.Message(nil), t.transcript...)
		t.mu.Unlock()

		provider, err := o.roster.Get(tier.Provider)
		if err != nil {
			o.fail(t, err.Error())
			return
		}
		resp, callErr := provider.Chat(ctx, &llm.ChatRequest{
			Model:     tier.Model,
			System:    system,
			Messages:  transcript,
			MaxTokens: tier.MaxOutputTokens,
			Tools:     o.reg.Specs(),
		})

		// record cost unconditionally, success or not
		entry := &storage.CostLogEntry{TaskID: taskID, Tier: t.tierName, Model: tier.Model}
		if resp != nil {
			entry.InputTokens = resp.Usage.InputTokens
			entry.OutputTokens = resp.Usage.OutputTokens
			entry.CostUSD = ledger.CostFor(tier, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		if err := o.led.Record(context.WithoutCancel(ctx), entry); err != nil {
			// a paid call whose cost we cannot durably record is fatal
			o.fail(t, fmt.Sprintf("record cost: %v", err))
			return
		}
		t.mu.Lock()
		t.rec.CostUSD += entry.CostUSD
		t.mu.Unlock()

		if callErr != nil {
			if ctx.Err() != nil {
				return
			}
			o.fail(t, callErr.Error())
			return
		}

		// 5-7. interpret the response
		if len(resp.ToolCalls) > 0 {
			if err := o.toolRound(ctx, t, resp); err != nil {
				o.fail(t, err.Error())
				return
			}
			continue
		}
		if o.unsure.Uncertain(resp.Text) {
			t.mu.Lock()
			t.transcript = append(t.transcript, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
			t.mu.Unlock()
			o.checkpoint(t, resp.Text)
			return
		}
		o.finish(t, StateCompleted, resp.Text, "")
		return
	}
}

// toolRound dispatches one response's tool calls sequentially and
// advances the step counter by one.
func (o *Orchestrator) toolRound(ctx context.Context, t *task, resp *llm.ChatResponse) error {
	taskID := t.rec.ID

	t.mu.Lock()
	t.transcript = append(t.transcript, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})
	step := t.rec.Steps
	t.mu.Unlock()

	for _, call := range resp.ToolCalls {
		var args map[string]interface{}
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				args = nil
			}
		}

		var content string
		var truncated bool
		result, failure := o.reg.Dispatch(ctx, call.Name, args)
		if failure != nil {
			// tool failures are fed back to the model, never fatal
			content = fmt.Sprintf("tool %s failed (%s): %s", call.Name, failure.Kind, failure.Message)
		} else {
			content = result.Content
			truncated = result.Truncated
		}

		t.mu.Lock()
		t.transcript = append(t.transcript, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		t.mu.Unlock()

		// exactly one session item per result, tied to the requesting step
		note := fmt.Sprintf("%s: %s", call.Name, clip(content, 500))
		if _, err := o.mem.AppendSession(taskID, step, memstore.KindToolResult, note); err != nil {
			return fmt.Errorf("record tool result: %w", err)
		}

		o.emitter.Emit(taskID, EmitProgress, map[string]interface{}{
			"step":      step,
			"tool":      call.Name,
			"failed":    failure != nil,
			"truncated": truncated,
		})
	}

	t.mu.Lock()
	t.rec.Steps++
	t.mu.Unlock()
	if err := o.db.UpdateTask(t.rec); err != nil {
		return fmt.Errorf("persist step: %w", err)
	}
	if err := o.store.SetProgress(taskID, fmt.Sprintf("step %d", step+1)); err != nil {
		log.Printf("[WARN] task %s: progress note: %v", taskID, err)
	}
	return nil
}

// checkpoint parks the task: state persisted, snapshot saved, question
// emitted, loop goroutine exits.
func (o *Orchestrator) checkpoint(t *task, question string) {
	taskID := t.rec.ID

	t.mu.Lock()
	if !t.state.CanTransition(StateCheckpointWait) {
		t.mu.Unlock()
		return
	}
	t.state = StateCheckpointWait
	t.rec.State = string(StateCheckpointWait)
	snap := snapshot{
		TaskID:            taskID,
		Tier:              t.tierName,
		Steps:             t.rec.Steps,
		ThresholdNotified: t.thresholdNotified,
		Question:          question,
		Transcript:        append([]llm.Message(nil), t.transcript...),
		SavedAt:           time.Now().UTC(),
	}
	t.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		o.fail(t, fmt.Sprintf("marshal snapshot: %v", err))
		return
	}
	if err := o.store.SaveSnapshot(taskID, string(payload)); err != nil {
		o.fail(t, fmt.Sprintf("save snapshot: %v", err))
		return
	}
	if err := o.db.UpdateTask(t.rec); err != nil {
		o.fail(t, fmt.Sprintf("persist checkpoint: %v", err))
		return
	}

	o.emitter.Emit(taskID, EmitCheckpointQuestion, map[string]interface{}{
		"question": question,
		"steps":    snap.Steps,
	})
	log.Printf("[TASK] %s parked at checkpoint (step %d)", taskID, snap.Steps)
}

// finish drives a task to a terminal state and reports the outcome.
func (o *Orchestrator) finish(t *task, state State, result, errMsg string) {
	taskID := t.rec.ID

	t.mu.Lock()
	if !t.state.CanTransition(state) {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.rec.State = string(state)
	t.rec.Result = result
	t.rec.Error = errMsg
	now := time.Now().UTC()
	t.rec.CompletedAt = &now
	input := t.rec.Input
	steps := t.rec.Steps
	t.mu.Unlock()

	if err := o.db.UpdateTask(t.rec); err != nil {
		log.Printf("[ERROR] task %s: persist terminal state: %v", taskID, err)
	}
	if state == StateCompleted && strings.TrimSpace(result) != "" {
		o.promoteSummary(taskID, input, result, steps)
	}
	if err := o.mem.ArchiveTask(taskID); err != nil {
		log.Printf("[WARN] task %s: archive session memory: %v", taskID, err)
	}
	if err := o.store.DeleteSnapshot(taskID); err != nil && !kv.IsNotFound(err) {
		log.Printf("[WARN] task %s: drop snapshot: %v", taskID, err)
	}
	o.finishBookkeeping(taskID)

	switch state {
	case StateFailed:
		o.emitter.Emit(taskID, EmitError, map[string]interface{}{"error": errMsg})
	default:
		o.emitter.Emit(taskID, EmitFinalResult, map[string]interface{}{
			"state":  string(state),
			"result": result,
		})
	}
	log.Printf("[TASK] %s finished: %s", taskID, state)
}

func (o *Orchestrator) fail(t *task, errMsg string) {
	o.finish(t, StateFailed, "", errMsg)
}

// promoteSummary lifts a completed task's outcome into long-term memory
// so later tasks see it in their context. Recorded as a final session
// note first, then promoted, tagged with the task's own keywords.
func (o *Orchestrator) promoteSummary(taskID, input, result string, steps int) {
	summary := fmt.Sprintf("completed task %q: %s", clip(strings.TrimSpace(input), 160), clip(result, 400))
	note, err := o.mem.AppendSession(taskID, steps, memstore.KindNote, summary)
	if err != nil {
		log.Printf("[WARN] task %s: record summary note: %v", taskID, err)
		return
	}
	if _, err := o.mem.PromoteSessionItem(note, memstore.ExtractKeywords(input, 5)); err != nil {
		log.Printf("[WARN] task %s: promote summary: %v", taskID, err)
	}
}

// finishBookkeeping releases per-task resources held outside the task.
func (o *Orchestrator) finishBookkeeping(taskID string) {
	o.led.Forget(taskID)
	o.mu.Lock()
	delete(o.tasks, taskID)
	o.mu.Unlock()
}

// partialAnswer pulls the last assistant text out of the transcript for
// abort summaries.
func (o *Orchestrator) partialAnswer(t *task) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.transcript) - 1; i >= 0; i-- {
		m := t.transcript[i]
		if m.Role == llm.RoleAssistant && m.Content != "" {
			return " Partial progress: " + clip(m.Content, 400)
		}
	}
	return ""
}

// clip bounds s to max bytes, cutting on a rune boundary.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
