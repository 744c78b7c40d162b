// Package validate checks a workflow document for structural, graph, and
// determinism problems before it is compiled.
//
// Independent lintXxx functions each inspect one concern and return their
// own diagnostics; Validate concatenates them all rather than stopping at
// the first failure, so a caller sees every problem in one pass.
package validate

import (
	"sort"

	wf "github.com/stanislavbg/bilko/internal/workflow"
)

// Severity classifies a Diagnostic.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one finding produced by a lint rule.
type Diagnostic struct {
	Code     wf.Code
	Rule     string
	Severity Severity
	Message  string
	StepID   string
	Fixes    []wf.SuggestedFix
}

// Rule lets callers register extra project-specific checks alongside the
// built-in ones.
type Rule interface {
	Name() string
	Apply(w *wf.Workflow) []Diagnostic
}

// Result is the validator's output.
type Result struct {
	Valid                bool
	Errors               []Diagnostic
	Warnings             []Diagnostic
	DeterminismViolations []Diagnostic
}

// supportedSpecVersions is the closed set of DSL versions this validator
// accepts.
var supportedSpecVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
}

// Validate is total: it returns a Result for every input, including a nil
// or structurally empty workflow, and never panics.
func Validate(w *wf.Workflow, extraRules ...Rule) Result {
	if w == nil {
		return Result{
			Valid: false,
			Errors: []Diagnostic{{
				Code: wf.CodeValidationBadField, Rule: "workflow_nil", Severity: SeverityError,
				Message: "workflow is nil",
			}},
		}
	}

	// Fail fast on missing top-level fields; a workflow missing these can't
	// be meaningfully graph-checked.
	if d := lintTopLevelFields(w); len(d) > 0 {
		return finalize(d, nil)
	}

	var diags []Diagnostic
	diags = append(diags, lintSpecVersion(w)...)
	diags = append(diags, lintSize(w)...)
	diags = append(diags, lintStepFields(w)...)
	diags = append(diags, lintStepGraph(w)...)
	var determinismDiags []Diagnostic
	determinismDiags = append(determinismDiags, lintDeterminism(w)...)
	diags = append(diags, determinismDiags...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(w)...)
		}
	}

	return finalize(diags, determinismDiags)
}

func finalize(diags, determinismDiags []Diagnostic) Result {
	res := Result{Valid: true}
	for _, d := range diags {
		switch d.Severity {
		case SeverityError:
			res.Errors = append(res.Errors, d)
			res.Valid = false
		default:
			res.Warnings = append(res.Warnings, d)
		}
	}
	res.DeterminismViolations = determinismDiags
	return res
}

// ValidateOrError runs Validate and returns nil if the workflow is valid,
// otherwise a single *wf.Error with the first error's code, message and
// step id and the suggested fixes of every error-severity diagnostic
// (callers that need the full list should call Validate directly).
func ValidateOrError(w *wf.Workflow, extraRules ...Rule) *wf.Error {
	res := Validate(w, extraRules...)
	if res.Valid {
		return nil
	}
	first := res.Errors[0]
	var fixes []wf.SuggestedFix
	for _, e := range res.Errors {
		fixes = append(fixes, e.Fixes...)
	}
	return wf.NewError(first.Code, first.Message, wf.WithStepID(first.StepID), wf.WithSuggestedFixes(fixes...))
}

func lintTopLevelFields(w *wf.Workflow) []Diagnostic {
	var diags []Diagnostic
	if w.ID == "" {
		diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "missing_id", Severity: SeverityError, Message: "workflow.id is required"})
	}
	if w.SpecVersion == "" {
		diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "missing_spec_version", Severity: SeverityError, Message: "workflow.specVersion is required"})
	}
	if w.EntryStepID == "" {
		diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "missing_entry_step", Severity: SeverityError, Message: "workflow.entryStepId is required"})
	}
	if len(w.Steps) == 0 {
		diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "no_steps", Severity: SeverityError, Message: "workflow must declare at least one step"})
	}
	return diags
}

func lintSpecVersion(w *wf.Workflow) []Diagnostic {
	if !supportedSpecVersions[w.SpecVersion] {
		return []Diagnostic{{
			Code: wf.CodeValidationBadField, Rule: "unsupported_spec_version", Severity: SeverityError,
			Message: "specVersion " + w.SpecVersion + " is not supported",
			Fixes: []wf.SuggestedFix{{Type: "set_field", Params: map[string]any{"field": "specVersion", "value": "1.1"}}},
		}}
	}
	return nil
}

func lintSize(w *wf.Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, s := range w.Steps {
		if s.Policy.MaxAttempts < 1 || s.Policy.MaxAttempts > 10 {
			diags = append(diags, Diagnostic{
				Code: wf.CodeValidationBadField, Rule: "max_attempts_range", Severity: SeverityError, StepID: s.ID,
				Message: "policy.maxAttempts must be between 1 and 10",
			})
		}
		if s.Policy.TimeoutMs < 1000 || s.Policy.TimeoutMs > 600_000 {
			diags = append(diags, Diagnostic{
				Code: wf.CodeValidationBadField, Rule: "timeout_range", Severity: SeverityError, StepID: s.ID,
				Message: "policy.timeoutMs must be between 1000 and 600000",
			})
		}
	}
	return diags
}

func lintStepFields(w *wf.Workflow) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, s := range w.Steps {
		if s.ID == "" {
			diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "step_missing_id", Severity: SeverityError, Message: "step has no id"})
			continue
		}
		if seen[s.ID] {
			diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "duplicate_step_id", Severity: SeverityError, StepID: s.ID, Message: "duplicate step id"})
		}
		seen[s.ID] = true
		if s.Type == "" {
			diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "step_missing_type", Severity: SeverityError, StepID: s.ID, Message: "step.type is required"})
		}
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				diags = append(diags, Diagnostic{Code: wf.CodeValidationBadField, Rule: "self_dependency", Severity: SeverityError, StepID: s.ID, Message: "step cannot depend on itself"})
			}
		}
	}
	return diags
}

func lintStepGraph(w *wf.Workflow) []Diagnostic {
	var diags []Diagnostic
	ids := map[string]bool{}
	for _, s := range w.Steps {
		ids[s.ID] = true
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				diags = append(diags, Diagnostic{
					Code: wf.CodeValidationBadField, Rule: "unresolved_dependency", Severity: SeverityError, StepID: s.ID,
					Message: "dependsOn references unknown step " + dep,
				})
			}
		}
	}
	if w.EntryStepID != "" && ids[w.EntryStepID] {
		entry, _ := w.StepByID(w.EntryStepID)
		if len(entry.DependsOn) > 0 {
			diags = append(diags, Diagnostic{
				Code: wf.CodeValidationBadField, Rule: "entry_has_dependencies", Severity: SeverityError, StepID: w.EntryStepID,
				Message: "entry step must have no dependencies",
			})
		}
	}
	if len(diags) > 0 {
		// Don't run cycle/reachability checks over an already-inconsistent graph.
		return diags
	}

	if cyc := detectCycle(w); len(cyc) > 0 {
		diags = append(diags, Diagnostic{
			Code: wf.CodeValidationCycleDetected, Rule: "cycle_detected", Severity: SeverityError,
			Message: "dependency cycle detected: " + joinIDs(cyc),
			Fixes:   []wf.SuggestedFix{{Type: "remove_dependency", Description: "break the cycle by removing one dependsOn edge"}},
		})
		return diags
	}

	unreachable := unreachableSteps(w)
	for _, id := range unreachable {
		diags = append(diags, Diagnostic{
			Code: wf.CodeValidationUnreachable, Rule: "unreachable_step", Severity: SeverityError, StepID: id,
			Message: "step is not reachable from entryStepId",
		})
	}
	return diags
}

// detectCycle runs DFS with a 3-color (white/gray/black) scheme over the
// dependency->dependent direction and returns the ids involved in the first
// cycle found, or nil if the graph is acyclic.
func detectCycle(w *wf.Workflow) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	forward := forwardEdges(w)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range forward[id] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				cycle = append(cycle, stack...)
				cycle = append(cycle, next)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := stepIDsSorted(w)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// forwardEdges builds dependency -> dependents (the direction steps become
// runnable in), from each step's dependsOn list.
func forwardEdges(w *wf.Workflow) map[string][]string {
	fwd := map[string][]string{}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			fwd[dep] = append(fwd[dep], s.ID)
		}
	}
	return fwd
}

func unreachableSteps(w *wf.Workflow) []string {
	fwd := forwardEdges(w)
	reached := map[string]bool{w.EntryStepID: true}
	queue := []string{w.EntryStepID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range fwd[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	var missing []string
	for _, s := range w.Steps {
		if !reached[s.ID] {
			missing = append(missing, s.ID)
		}
	}
	sort.Strings(missing)
	return missing
}

// IsExternalAPIStepType and IsAIStepType define the category sets the
// determinism rules key off; prefixes keep the sets open-ended without a
// central registry of every handler type.
func IsExternalAPIStepType(t string) bool {
	return hasPrefix(t, "http.") || hasPrefix(t, "external.")
}

func IsAIStepType(t string) bool {
	return hasPrefix(t, "ai.") || hasPrefix(t, "llm.")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func lintDeterminism(w *wf.Workflow) []Diagnostic {
	var diags []Diagnostic
	target := w.Determinism.TargetGrade
	if target == "" {
		target = wf.GradeBestEffort
	}

	for _, s := range w.Steps {
		external := IsExternalAPIStepType(s.Type) || IsAIStepType(s.Type)

		if target == wf.GradePure {
			if external {
				diags = append(diags, Diagnostic{
					Code: wf.CodeWorkflowDeterminismViolation, Rule: "pure-no-external-api", Severity: SeverityError, StepID: s.ID,
					Message: "target grade Pure forbids external-API or AI step types",
				})
			}
			if s.Determinism.UsesTime {
				diags = append(diags, Diagnostic{
					Code: wf.CodeWorkflowDeterminismViolation, Rule: "pure-no-time", Severity: SeverityError, StepID: s.ID,
					Message: "target grade Pure forbids steps that use time",
				})
			}
		}

		if target == wf.GradeReplayable && external && !s.Determinism.UsesExternalAPIs {
			diags = append(diags, Diagnostic{
				Code: wf.CodeWorkflowDeterminismViolation, Rule: "replayable-declare-external", Severity: SeverityError, StepID: s.ID,
				Message: "external-API or AI step types must declare usesExternalApis=true at target grade Replayable",
			})
		}

		if target == wf.GradeReplayable {
			for _, dep := range s.Determinism.ExternalDependencies {
				if !dep.Deterministic && dep.EvidenceCapture == wf.EvidenceNone {
					diags = append(diags, Diagnostic{
						Code: wf.CodeWorkflowDeterminismViolation, Rule: "replayable-evidence-capture", Severity: SeverityError, StepID: s.ID,
						Message: "non-deterministic external dependency " + dep.Name + " must declare evidenceCapture != none at target grade Replayable",
					})
				}
			}
		}
	}
	return diags
}

func stepIDsSorted(w *wf.Workflow) []string {
	ids := make([]string, 0, len(w.Steps))
	for _, s := range w.Steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
