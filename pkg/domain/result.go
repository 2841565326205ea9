package domain

import "encoding/json"

// RunResult is the outcome of Start or Resume, tagged by Status.
//
//   - StatusCompleted: State holds the final state.
//   - StatusPaused: Interrupt describes the gated node awaiting a decision.
//   - StatusFailed: Err explains the failure; LastGoodStep is the resumable checkpoint.
type RunResult struct {
	ThreadID     string            `json:"thread_id"`
	Status       RunStatus         `json:"status"`
	Step         int               `json:"step"`
	State        State             `json:"state,omitempty"`
	Interrupt    *InterruptRequest `json:"interrupt,omitempty"`
	Err          error             `json:"-"`
	LastGoodStep int               `json:"last_good_step"`
}

// Completed builds a completed result.
func Completed(threadID string, step int, state State) *RunResult {
	return &RunResult{ThreadID: threadID, Status: StatusCompleted, Step: step, State: state, LastGoodStep: step}
}

// Paused builds a paused result.
func Paused(threadID string, step int, req *InterruptRequest) *RunResult {
	return &RunResult{ThreadID: threadID, Status: StatusPaused, Step: step, Interrupt: req, LastGoodStep: step}
}

// Failed builds a failed result.
func Failed(threadID string, lastGoodStep int, err error) *RunResult {
	return &RunResult{ThreadID: threadID, Status: StatusFailed, Step: lastGoodStep, Err: err, LastGoodStep: lastGoodStep}
}

// MarshalJSON renders Err as a string so results can cross process boundaries.
func (r RunResult) MarshalJSON() ([]byte, error) {
	type alias RunResult
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
