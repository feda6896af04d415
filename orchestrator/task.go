package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gliderlab/taskpilot/pkg/llm"
	"github.com/gliderlab/taskpilot/storage"
)

// Emit kinds pushed to the transport layer.
const (
	EmitProgress           = "progress"
	EmitCheckpointQuestion = "checkpoint_question"
	EmitFinalResult        = "final_result"
	EmitError              = "error"
)

// Emitter is the core-to-transport notification surface.
type Emitter interface {
	Emit(taskID, kind string, payload map[string]interface{})
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(taskID, kind string, payload map[string]interface{}) {}

// task is the in-memory runtime of one job. The persisted portion lives
// in rec; transcript and loop bookkeeping stay here.
type task struct {
	mu sync.Mutex

	rec      *storage.Task
	state    State
	tierName string

	transcript []llm.Message

	// thresholdNotified keeps the step-limit checkpoint from firing on
	// every step after a resume past the threshold
	thresholdNotified bool

	cancel context.CancelFunc
}

// setCancel swaps the loop's cancel func under the task lock.
func (t *task) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// snapshot is the JSON payload persisted to the KV store when a task
// parks in checkpoint_wait.
type snapshot struct {
	TaskID            string        `json:"task_id"`
	Tier              string        `json:"tier"`
	Steps             int           `json:"steps"`
	ThresholdNotified bool          `json:"threshold_notified"`
	Question          string        `json:"question"`
	Transcript        []llm.Message `json:"transcript"`
	SavedAt           time.Time     `json:"saved_at"`
}

// newTaskID builds a time-derived id; seq disambiguates same-second
// submissions.
func newTaskID(ts time.Time, seq int) string {
	id := "t_" + ts.UTC().Format("20060102_150405")
	if seq > 0 {
		id = fmt.Sprintf("%s_%d", id, seq)
	}
	return id
}

// errTaskState signals an operation applied in the wrong state.
type errTaskState struct {
	taskID string
	state  State
	op     string
}

func (e *errTaskState) Error() string {
	return fmt.Sprintf("%s: task %s is %s", e.op, e.taskID, e.state)
}
