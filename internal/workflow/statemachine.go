package workflow

// runTransitions is the legal-transition table for Run.Status (§4.4).
var runTransitions = map[RunStatus][]RunStatus{
	RunCreated:   {RunQueued, RunCanceled},
	RunQueued:    {RunRunning, RunCanceled},
	RunRunning:   {RunSucceeded, RunFailed, RunCanceled},
	RunSucceeded: {},
	RunFailed:    {},
	RunCanceled:  {},
}

// stepTransitions is the legal-transition table for StepResult.Status (§4.4).
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:   {StepRunning, StepCanceled},
	StepRunning:   {StepSucceeded, StepFailed, StepCanceled},
	StepSucceeded: {},
	StepFailed:    {},
	StepCanceled:  {},
}

func isLegalRunTransition(from, to RunStatus) bool {
	for _, t := range runTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func isLegalStepTransition(from, to StepStatus) bool {
	for _, t := range stepTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionRun validates and applies a run status transition, returning
// RUN.INVALID_TRANSITION if the move is not in the legal-transition table.
func TransitionRun(r *Run, to RunStatus) *Error {
	if !isLegalRunTransition(r.Status, to) {
		return NewError(CodeRunInvalidTransition,
			"illegal run transition",
			WithRunID(r.ID),
			WithDetails(map[string]any{
				"current":     string(r.Status),
				"target":      string(to),
				"validTargets": validRunTargets(r.Status),
			}),
		)
	}
	r.Status = to
	return nil
}

// TransitionStep validates and applies a step result status transition,
// returning STEP.INVALID_TRANSITION if the move is not in the legal-
// transition table.
func TransitionStep(sr *StepResult, to StepStatus) *Error {
	if !isLegalStepTransition(sr.Status, to) {
		return NewError(CodeStepInvalidTransition,
			"illegal step transition",
			WithStepID(sr.StepID),
			WithDetails(map[string]any{
				"current":      string(sr.Status),
				"target":       string(to),
				"validTargets": validStepTargets(sr.Status),
			}),
		)
	}
	sr.Status = to
	return nil
}

func validRunTargets(from RunStatus) []string {
	targets := runTransitions[from]
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = string(t)
	}
	return out
}

func validStepTargets(from StepStatus) []string {
	targets := stepTransitions[from]
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = string(t)
	}
	return out
}

func isTerminalRunStatus(s RunStatus) bool {
	return len(runTransitions[s]) == 0
}

func isTerminalStepStatus(s StepStatus) bool {
	return len(stepTransitions[s]) == 0
}
