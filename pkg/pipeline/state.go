package pipeline

import (
	"fmt"
	"time"

	"github.com/agentstation/migrator/pkg/records"
)

// State is a step of the per-batch state machine.
type State string

// Batch states, in order. Failed is reachable from every state but Done.
const (
	Extracting  State = "extracting"
	Reconciling State = "reconciling"
	Throttling  State = "throttling"
	Writing     State = "writing"
	Auditing    State = "auditing"
	Done        State = "done"
	Failed      State = "failed"
)

var successor = map[State]State{
	Extracting:  Reconciling,
	Reconciling: Throttling,
	Throttling:  Writing,
	Writing:     Auditing,
	Auditing:    Done,
}

// Next returns the state that follows s on success.
func (s State) Next() (State, bool) {
	n, ok := successor[s]
	return n, ok
}

// Terminal reports whether s ends the batch.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// CanTransition reports whether a batch in s may move to to.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	n, ok := successor[s]
	return ok && n == to
}

// Transition is one state change of a batch.
type Transition struct {
	RunID  string
	Source string
	Batch  int64
	Cursor records.Cursor
	From   State
	To     State
	Err    error
	At     time.Time
}

// String renders the transition for logs.
func (t Transition) String() string {
	return fmt.Sprintf("batch %d: %s -> %s", t.Batch, t.From, t.To)
}
