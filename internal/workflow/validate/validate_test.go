package validate

import (
	"testing"

	wf "github.com/stanislavbg/bilko/internal/workflow"
)

func basicStep(id string, deps ...string) wf.Step {
	return wf.Step{
		ID:        id,
		Name:      id,
		Type:      "transform.map",
		DependsOn: deps,
		Policy:    wf.Policy{TimeoutMs: 5000, MaxAttempts: 3},
	}
}

func validWorkflow() *wf.Workflow {
	return &wf.Workflow{
		ID:          "wf-1",
		SpecVersion: "1.1",
		EntryStepID: "a",
		Steps: []wf.Step{
			basicStep("a"),
			basicStep("b", "a"),
			basicStep("c", "a"),
		},
	}
}

func TestValidate_NilWorkflowIsInvalidNeverPanics(t *testing.T) {
	res := Validate(nil)
	if res.Valid {
		t.Fatalf("expected a nil workflow to be invalid")
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != wf.CodeValidationBadField {
		t.Fatalf("expected a single VALIDATION.BAD_FIELD error, got %v", res.Errors)
	}
}

func TestValidate_WellFormedWorkflowIsValid(t *testing.T) {
	res := Validate(validWorkflow())
	if !res.Valid {
		t.Fatalf("expected a well-formed workflow to be valid, got errors %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", res.Errors)
	}
}

func TestValidate_MissingTopLevelFieldsShortCircuits(t *testing.T) {
	w := &wf.Workflow{}
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected an empty workflow to be invalid")
	}
	// missing_id, missing_spec_version, missing_entry_step, no_steps
	if len(res.Errors) != 4 {
		t.Fatalf("expected exactly 4 top-level field errors, got %d: %+v", len(res.Errors), res.Errors)
	}
}

func TestValidate_UnsupportedSpecVersion(t *testing.T) {
	w := validWorkflow()
	w.SpecVersion = "9.9"
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected an unsupported specVersion to fail validation")
	}
	found := false
	for _, e := range res.Errors {
		if e.Rule == "unsupported_spec_version" {
			found = true
			if len(e.Fixes) == 0 {
				t.Fatalf("expected a suggested fix for unsupported spec version")
			}
		}
	}
	if !found {
		t.Fatalf("expected an unsupported_spec_version diagnostic, got %+v", res.Errors)
	}
}

func TestValidate_PolicyOutOfRange(t *testing.T) {
	w := validWorkflow()
	w.Steps[0].Policy.MaxAttempts = 0
	w.Steps[1].Policy.TimeoutMs = 100
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected out-of-range policy fields to fail validation")
	}
	var sawAttempts, sawTimeout bool
	for _, e := range res.Errors {
		switch e.Rule {
		case "max_attempts_range":
			sawAttempts = true
		case "timeout_range":
			sawTimeout = true
		}
	}
	if !sawAttempts || !sawTimeout {
		t.Fatalf("expected both max_attempts_range and timeout_range diagnostics, got %+v", res.Errors)
	}
}

func TestValidate_DuplicateStepIDAndMissingType(t *testing.T) {
	w := validWorkflow()
	w.Steps = append(w.Steps, basicStep("a"))
	w.Steps[0].Type = ""
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected duplicate id / missing type to fail validation")
	}
	var sawDup, sawType bool
	for _, e := range res.Errors {
		switch e.Rule {
		case "duplicate_step_id":
			sawDup = true
		case "step_missing_type":
			sawType = true
		}
	}
	if !sawDup || !sawType {
		t.Fatalf("expected duplicate_step_id and step_missing_type diagnostics, got %+v", res.Errors)
	}
}

func TestValidate_SelfDependencyRejected(t *testing.T) {
	w := validWorkflow()
	w.Steps[1].DependsOn = []string{"b"}
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected a self-dependency to fail validation")
	}
	found := false
	for _, e := range res.Errors {
		if e.Rule == "self_dependency" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a self_dependency diagnostic, got %+v", res.Errors)
	}
}

func TestValidate_UnresolvedDependency(t *testing.T) {
	w := validWorkflow()
	w.Steps[1].DependsOn = []string{"ghost"}
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected an unresolved dependency to fail validation")
	}
	if res.Errors[0].Rule != "unresolved_dependency" {
		t.Fatalf("expected unresolved_dependency, got %+v", res.Errors)
	}
}

func TestValidate_EntryStepWithDependenciesRejected(t *testing.T) {
	w := validWorkflow()
	w.EntryStepID = "b"
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected an entry step with dependencies to fail validation")
	}
	found := false
	for _, e := range res.Errors {
		if e.Rule == "entry_has_dependencies" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected entry_has_dependencies, got %+v", res.Errors)
	}
}

func TestValidate_CycleDetected(t *testing.T) {
	w := &wf.Workflow{
		ID: "wf-cycle", SpecVersion: "1.1", EntryStepID: "a",
		Steps: []wf.Step{
			basicStep("a"),
			basicStep("b", "a", "c"),
			basicStep("c", "b"),
		},
	}
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected a cyclic graph to fail validation")
	}
	if res.Errors[0].Code != wf.CodeValidationCycleDetected {
		t.Fatalf("expected CodeValidationCycleDetected, got %s", res.Errors[0].Code)
	}
}

func TestValidate_UnreachableStepDetected(t *testing.T) {
	w := validWorkflow()
	w.Steps = append(w.Steps, basicStep("orphan"))
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected an unreachable step to fail validation")
	}
	found := false
	for _, e := range res.Errors {
		if e.Code == wf.CodeValidationUnreachable && e.StepID == "orphan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unreachable diagnostic for step 'orphan', got %+v", res.Errors)
	}
}

func TestValidate_PureGradeForbidsExternalAndTime(t *testing.T) {
	w := validWorkflow()
	w.Determinism = wf.WorkflowDeterminism{TargetGrade: wf.GradePure}
	w.Steps[1].Type = "http.get"
	w.Steps[2].Determinism.UsesTime = true
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected Pure grade violations to fail validation")
	}
	var sawExternal, sawTime bool
	for _, e := range res.Errors {
		switch e.Rule {
		case "pure-no-external-api":
			sawExternal = true
		case "pure-no-time":
			sawTime = true
		}
	}
	if !sawExternal || !sawTime {
		t.Fatalf("expected pure-no-external-api and pure-no-time diagnostics, got %+v", res.Errors)
	}
}

func TestValidate_ReplayableRequiresExternalDeclaration(t *testing.T) {
	w := validWorkflow()
	w.Determinism = wf.WorkflowDeterminism{TargetGrade: wf.GradeReplayable}
	w.Steps[1].Type = "http.get"
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected an undeclared external step to fail at Replayable")
	}
	found := false
	for _, e := range res.Errors {
		if e.Rule == "replayable-declare-external" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected replayable-declare-external, got %+v", res.Errors)
	}
}

func TestValidate_ReplayableRequiresEvidenceCaptureForNonDeterministicDependency(t *testing.T) {
	w := validWorkflow()
	w.Determinism = wf.WorkflowDeterminism{TargetGrade: wf.GradeReplayable}
	w.Steps[1].Type = "http.get"
	w.Steps[1].Determinism.UsesExternalAPIs = true
	w.Steps[1].Determinism.ExternalDependencies = []wf.ExternalDependency{
		{Name: "weather-api", Deterministic: false, EvidenceCapture: wf.EvidenceNone},
	}
	res := Validate(w)
	if res.Valid {
		t.Fatalf("expected a missing evidence-capture declaration to fail at Replayable")
	}
	found := false
	for _, e := range res.Errors {
		if e.Rule == "replayable-evidence-capture" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected replayable-evidence-capture, got %+v", res.Errors)
	}
}

func TestValidate_BestEffortToleratesExternalAndTime(t *testing.T) {
	w := validWorkflow()
	w.Determinism = wf.WorkflowDeterminism{TargetGrade: wf.GradeBestEffort}
	w.Steps[1].Type = "http.get"
	w.Steps[2].Determinism.UsesTime = true
	res := Validate(w)
	if !res.Valid {
		t.Fatalf("expected BestEffort to tolerate external/time steps, got %+v", res.Errors)
	}
}

type alwaysFailsRule struct{}

func (alwaysFailsRule) Name() string { return "always_fails" }
func (alwaysFailsRule) Apply(w *wf.Workflow) []Diagnostic {
	return []Diagnostic{{Code: wf.CodeValidationBadField, Rule: "always_fails", Severity: SeverityError, Message: "nope"}}
}

func TestValidate_ExtraRulesAreApplied(t *testing.T) {
	res := Validate(validWorkflow(), alwaysFailsRule{})
	if res.Valid {
		t.Fatalf("expected an extra rule's failure to invalidate the workflow")
	}
	if res.Errors[0].Rule != "always_fails" {
		t.Fatalf("expected the extra rule's diagnostic, got %+v", res.Errors)
	}
}

func TestValidate_NilExtraRuleIsSkipped(t *testing.T) {
	res := Validate(validWorkflow(), nil)
	if !res.Valid {
		t.Fatalf("expected a nil extra rule to be skipped without panicking, got %+v", res.Errors)
	}
}

func TestValidateOrError_ReturnsNilForValidWorkflow(t *testing.T) {
	if err := ValidateOrError(validWorkflow()); err != nil {
		t.Fatalf("expected no error for a valid workflow, got %v", err)
	}
}

func TestValidateOrError_ReturnsFirstErrorWithAggregatedFixes(t *testing.T) {
	w := validWorkflow()
	w.SpecVersion = "9.9"
	err := ValidateOrError(w)
	if err == nil {
		t.Fatalf("expected an error for an unsupported spec version")
	}
	if err.Code != wf.CodeValidationBadField {
		t.Fatalf("expected VALIDATION.BAD_FIELD, got %s", err.Code)
	}
	if len(err.SuggestedFixes) == 0 {
		t.Fatalf("expected the diagnostics' suggested fixes to be carried on the error")
	}
}

func TestIsExternalAPIStepType(t *testing.T) {
	cases := map[string]bool{
		"http.get":        true,
		"external.webhook": true,
		"transform.map":   false,
		"ai.summarize":    false,
	}
	for typ, want := range cases {
		if got := IsExternalAPIStepType(typ); got != want {
			t.Fatalf("IsExternalAPIStepType(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestIsAIStepType(t *testing.T) {
	cases := map[string]bool{
		"ai.summarize": true,
		"llm.chat":     true,
		"http.get":     false,
		"transform.map": false,
	}
	for typ, want := range cases {
		if got := IsAIStepType(typ); got != want {
			t.Fatalf("IsAIStepType(%q) = %v, want %v", typ, got, want)
		}
	}
}
