package migrator

import (
	"sync"

	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/records"
)

// Hook function types for run events
type (
	// ConflictHook is called when a conflict record is routed to manual review
	ConflictHook func(source string, conflict records.ConflictRecord)

	// BatchCompleteHook is called when a batch has committed its cursor
	BatchCompleteHook func(batch pipeline.BatchResult)

	// TransitionHook is called on every batch state change
	TransitionHook func(t pipeline.Transition)

	// RunCompleteHook is called when a source run finishes, failed or not
	RunCompleteHook func(result *pipeline.RunResult)
)

// hooks manages event callbacks. Callbacks run on worker goroutines and
// must be safe for concurrent use.
type hooks struct {
	mu              sync.RWMutex
	onConflict      []ConflictHook
	onBatchComplete []BatchCompleteHook
	onTransition    []TransitionHook
	onRunComplete   []RunCompleteHook
}

// newHooks creates a new hooks instance
func newHooks() *hooks {
	return &hooks{}
}

// OnConflict registers a callback for conflicts
func (h *hooks) OnConflict(fn ConflictHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConflict = append(h.onConflict, fn)
}

// OnBatchComplete registers a callback for committed batches
func (h *hooks) OnBatchComplete(fn BatchCompleteHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onBatchComplete = append(h.onBatchComplete, fn)
}

// OnTransition registers a callback for batch state changes
func (h *hooks) OnTransition(fn TransitionHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransition = append(h.onTransition, fn)
}

// OnRunComplete registers a callback for finished source runs
func (h *hooks) OnRunComplete(fn RunCompleteHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRunComplete = append(h.onRunComplete, fn)
}

// pipelineHooks adapts the registered callbacks for one source's pipeline.
func (h *hooks) pipelineHooks(source string) pipeline.Hooks {
	return pipeline.Hooks{
		OnTransition: func(t pipeline.Transition) {
			h.mu.RLock()
			defer h.mu.RUnlock()
			for _, fn := range h.onTransition {
				fn(t)
			}
		},
		OnBatch: func(b pipeline.BatchResult) {
			h.mu.RLock()
			defer h.mu.RUnlock()
			for _, fn := range h.onBatchComplete {
				fn(b)
			}
		},
		OnConflict: func(c records.ConflictRecord) {
			h.mu.RLock()
			defer h.mu.RUnlock()
			for _, fn := range h.onConflict {
				fn(source, c)
			}
		},
	}
}

func (h *hooks) triggerRunComplete(result *pipeline.RunResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.onRunComplete {
		fn(result)
	}
}
