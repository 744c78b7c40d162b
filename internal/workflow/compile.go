package workflow

import (
	"time"

	"github.com/stanislavbg/bilko/internal/workflow/validate"
)

const (
	defaultBackoffStrategy = BackoffExponential
	defaultBackoffBaseMs   = 1000
)

// CompilationResult is the output of compileWorkflow: either a usable
// CompiledPlan, or the accumulated reasons compilation failed.
type CompilationResult struct {
	Success bool
	Plan    *CompiledPlan
	Errors  []*Error
}

// ValidationResult mirrors validate.Result in the public vocabulary of this
// package (§4.1's {valid, errors, warnings, determinismViolations}).
type ValidationResult struct {
	Valid                 bool
	Errors                []*Error
	Warnings              []*Error
	DeterminismViolations []*Error
}

// ValidateWorkflow runs the validator (component F) over w.
func ValidateWorkflow(w *Workflow, extraRules ...validate.Rule) ValidationResult {
	res := validate.Validate(w, extraRules...)
	return ValidationResult{
		Valid:                 res.Valid,
		Errors:                diagnosticsToErrors(res.Errors),
		Warnings:              diagnosticsToErrors(res.Warnings),
		DeterminismViolations: diagnosticsToErrors(res.DeterminismViolations),
	}
}

func diagnosticsToErrors(diags []validate.Diagnostic) []*Error {
	out := make([]*Error, 0, len(diags))
	for _, d := range diags {
		out = append(out, NewError(d.Code, d.Message, WithStepID(d.StepID), WithSuggestedFixes(d.Fixes...)))
	}
	return out
}

// CompileWorkflow runs the full compiler pipeline of §4.2: validate,
// topologically sort, compile each step with defaults applied, check
// handler input contracts, analyze determinism, and hash. Any phase's
// failure short-circuits the rest and returns the accumulated errors.
func CompileWorkflow(w *Workflow, registry *HandlerRegistry) CompilationResult {
	validation := validate.Validate(w)
	if !validation.Valid {
		return CompilationResult{Success: false, Errors: diagnosticsToErrors(validation.Errors)}
	}

	order, ok := topologicalSort(w)
	if !ok {
		return CompilationResult{Success: false, Errors: []*Error{
			NewError(CodeWorkflowCompilation, "topological sort did not produce a full order; an unreported cycle exists"),
		}}
	}

	steps := make(map[string]CompiledStep, len(w.Steps))
	for _, s := range w.Steps {
		steps[s.ID] = compileStep(s)
	}

	if registry != nil {
		if errs := checkHandlerContracts(steps, registry); len(errs) > 0 {
			return CompilationResult{Success: false, Errors: errs}
		}
	}

	analysis := analyzeDeterminism(w)

	plan := &CompiledPlan{
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		ExecutionOrder:  order,
		Steps:           steps,
		Determinism:     analysis,
		SpecVersion:     w.SpecVersion,
		CompiledAt:      time.Now().UTC(),
	}
	plan.WorkflowHash = DigestOf(w)
	plan.PlanHash = DigestOf(struct {
		ExecutionOrder []string                `json:"executionOrder"`
		Steps          map[string]CompiledStep `json:"steps"`
	}{order, steps})

	return CompilationResult{Success: true, Plan: plan}
}

// topologicalSort orders steps via Kahn's algorithm over the
// dependency->dependent adjacency. It returns ok=false if the resulting
// order is short of a full permutation (the validator is expected to have
// already caught cycles; this is the compiler's own belt-and-suspenders
// check per §4.2 step 2).
func topologicalSort(w *Workflow) (order []string, ok bool) {
	indegree := make(map[string]int, len(w.Steps))
	adjacency := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		if _, exists := indegree[s.ID]; !exists {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			adjacency[dep] = append(adjacency[dep], s.ID)
			indegree[s.ID]++
		}
	}

	var queue []string
	for _, s := range w.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	// Deterministic tie-break: process ready steps in workflow declaration
	// order rather than map iteration order.
	declOrder := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		declOrder[s.ID] = i
	}
	sortByDeclOrder(queue, declOrder)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		var newlyReady []string
		for _, next := range adjacency[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				newlyReady = append(newlyReady, next)
			}
		}
		sortByDeclOrder(newlyReady, declOrder)
		queue = append(queue, newlyReady...)
		sortByDeclOrder(queue, declOrder)
	}

	return order, len(order) == len(w.Steps)
}

func sortByDeclOrder(ids []string, declOrder map[string]int) {
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 && declOrder[ids[j-1]] > declOrder[ids[j]] {
			ids[j-1], ids[j] = ids[j], ids[j-1]
			j--
		}
	}
}

func compileStep(s Step) CompiledStep {
	policy := s.Policy
	if policy.BackoffStrategy == "" {
		policy.BackoffStrategy = defaultBackoffStrategy
	}
	if policy.BackoffBaseMs == 0 {
		policy.BackoffBaseMs = defaultBackoffBaseMs
	}
	return CompiledStep{
		StepID:                s.ID,
		Type:                  s.Type,
		DependsOn:             s.DependsOn,
		Inputs:                s.Inputs,
		Policy:                policy,
		ImplementationVersion: s.Type + "@1.0.0",
		Determinism:           s.Determinism,
	}
}

// analyzeDeterminism derives the achievable grade per §3: starts at Pure,
// demoted to Replayable when any step uses time or external APIs, demoted
// to BestEffort when any non-deterministic external dependency declares
// evidenceCapture=none, or an AI step declares timeSource=wall-clock.
func analyzeDeterminism(w *Workflow) DeterminismAnalysis {
	target := w.Determinism.TargetGrade
	if target == "" {
		target = GradeBestEffort
	}
	achievable := GradePure
	var violations []DeterminismViolation

	for _, s := range w.Steps {
		external := validate.IsExternalAPIStepType(s.Type) || validate.IsAIStepType(s.Type)
		if external || s.Determinism.UsesTime {
			achievable = demote(achievable, GradeReplayable)
		}
		for _, dep := range s.Determinism.ExternalDependencies {
			if !dep.Deterministic && dep.EvidenceCapture == EvidenceNone {
				achievable = demote(achievable, GradeBestEffort)
				violations = append(violations, DeterminismViolation{
					Rule: "non-deterministic-dependency-uncaptured", StepID: s.ID,
					Message: "external dependency " + dep.Name + " is non-deterministic with no evidence capture",
				})
			}
		}
		if validate.IsAIStepType(s.Type) && s.Determinism.TimeSource == "wall-clock" {
			achievable = demote(achievable, GradeBestEffort)
			violations = append(violations, DeterminismViolation{
				Rule: "ai-step-wall-clock", StepID: s.ID,
				Message: "AI step declares timeSource=wall-clock",
			})
		}
	}

	return DeterminismAnalysis{
		Target:     target,
		Achievable: achievable,
		Satisfied:  len(violations) == 0,
		Violations: violations,
	}
}

var gradeRank = map[DeterminismGrade]int{
	GradePure:       0,
	GradeReplayable: 1,
	GradeBestEffort: 2,
}

// demote returns whichever of current/candidate is less reproducible; the
// achievable grade only ever moves down from Pure.
func demote(current, candidate DeterminismGrade) DeterminismGrade {
	if gradeRank[candidate] > gradeRank[current] {
		return candidate
	}
	return current
}
