package workflow

import "testing"

func TestReferencePlanner_ProposeWorkflowCompiles(t *testing.T) {
	p := NewReferencePlanner("")
	proposal, err := p.ProposeWorkflow("summarize the weekly report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plan, errs := ValidateProposal(proposal, NewHandlerRegistry())
	if len(errs) != 0 {
		t.Fatalf("expected the proposed workflow to validate, got %v", errs)
	}
	if plan == nil {
		t.Fatalf("expected a non-nil compiled plan")
	}
}

func TestApplyPatch_AddsUpdatesRemovesAndBumpsVersion(t *testing.T) {
	base := Workflow{
		ID: "wf", Version: 3, SpecVersion: "1.1", EntryStepID: "a",
		Steps: []Step{
			{ID: "a", Type: "transform.map", Policy: Policy{TimeoutMs: 1000, MaxAttempts: 1}},
			{ID: "b", Type: "transform.map", DependsOn: []string{"a"}, Policy: Policy{TimeoutMs: 1000, MaxAttempts: 1}},
		},
	}
	patch := WorkflowPatch{
		WorkflowID:    "wf",
		BaseVersion:   3,
		RemoveStepIDs: []string{"b"},
		AddSteps:      []Step{{ID: "c", Type: "transform.map", DependsOn: []string{"a"}, Policy: Policy{TimeoutMs: 1000, MaxAttempts: 1}}},
		UpdateSteps:   map[string]Step{"a": {Type: "transform.map", Policy: Policy{TimeoutMs: 9000, MaxAttempts: 2}}},
	}
	updated := ApplyPatch(base, patch)

	if updated.Version != 4 {
		t.Fatalf("expected version bumped to 4, got %d", updated.Version)
	}
	if _, ok := updated.StepByID("b"); ok {
		t.Fatalf("expected step b to be removed")
	}
	if _, ok := updated.StepByID("c"); !ok {
		t.Fatalf("expected step c to be added")
	}
	a, ok := updated.StepByID("a")
	if !ok {
		t.Fatalf("expected step a to still exist")
	}
	if a.ID != "a" {
		t.Fatalf("expected updated step to preserve its own id, got %q", a.ID)
	}
	if a.Policy.TimeoutMs != 9000 {
		t.Fatalf("expected step a's policy to be updated, got %d", a.Policy.TimeoutMs)
	}
}

func TestValidatePatch_RejectsStaleBaseVersion(t *testing.T) {
	base := Workflow{ID: "wf", Version: 2, SpecVersion: "1.1", EntryStepID: "a",
		Steps: []Step{{ID: "a", Type: "transform.map", Policy: Policy{TimeoutMs: 1000, MaxAttempts: 1}}}}
	patch := WorkflowPatch{WorkflowID: "wf", BaseVersion: 1}

	_, _, errs := ValidatePatch(base, patch, NewHandlerRegistry())
	if len(errs) != 1 || errs[0].Code != CodePlannerVersionConflict {
		t.Fatalf("expected a single PLANNER.VERSION_CONFLICT, got %v", errs)
	}
}

func TestReferencePlanner_ProposeRepair_RaisesMaxAttemptsOnNonTimeoutError(t *testing.T) {
	p := NewReferencePlanner("")
	proposal, _ := p.ProposeWorkflow("goal")
	stepID := proposal.Workflow.Steps[0].ID

	req := RepairRequest{
		Workflow: proposal.Workflow,
		Errors:   []*Error{NewError(CodeStepExternalTransient, "flaky", WithStepID(stepID))},
	}
	patch, err := p.ProposeRepair(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	updatedStep, ok := patch.UpdateSteps[stepID]
	if !ok {
		t.Fatalf("expected a patch updating step %s", stepID)
	}
	if updatedStep.Policy.MaxAttempts != proposal.Workflow.Steps[0].Policy.MaxAttempts+1 {
		t.Fatalf("expected maxAttempts raised by one, got %d", updatedStep.Policy.MaxAttempts)
	}
}

func TestReferencePlanner_ProposeRepair_RelaxesTimeoutOnTimeoutError(t *testing.T) {
	p := NewReferencePlanner("")
	proposal, _ := p.ProposeWorkflow("goal")
	stepID := proposal.Workflow.Steps[0].ID
	originalTimeout := proposal.Workflow.Steps[0].Policy.TimeoutMs

	req := RepairRequest{
		Workflow: proposal.Workflow,
		Errors:   []*Error{NewError(CodeRunTimeout, "too slow", WithStepID(stepID))},
	}
	patch, err := p.ProposeRepair(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	updatedStep := patch.UpdateSteps[stepID]
	if updatedStep.Policy.TimeoutMs != originalTimeout+originalTimeout/2 {
		t.Fatalf("expected timeout relaxed by 50%%, got %d (original %d)", updatedStep.Policy.TimeoutMs, originalTimeout)
	}
}

func TestCertifyPlanner_ReferencePlannerPasses(t *testing.T) {
	result := CertifyPlanner(NewReferencePlanner(""), NewHandlerRegistry())
	if !result.Passed {
		t.Fatalf("expected the reference planner to pass certification, got %+v errors=%v", result.Tests, result.Errors)
	}
}

type brokenPlanner struct{}

func (brokenPlanner) GetVersionInfo() VersionInfo { return VersionInfo{} }
func (brokenPlanner) ProposeWorkflow(string) (WorkflowProposal, error) {
	return WorkflowProposal{}, nil
}
func (brokenPlanner) ProposePatch(Workflow, string) (WorkflowPatch, error) {
	return WorkflowPatch{}, nil
}
func (brokenPlanner) ProposeRepair(RepairRequest) (WorkflowPatch, error) {
	return WorkflowPatch{}, nil
}

func TestCertifyPlanner_IncompleteVersionInfoFails(t *testing.T) {
	result := CertifyPlanner(brokenPlanner{}, NewHandlerRegistry())
	if result.Passed {
		t.Fatalf("expected certification to fail for a planner with no version info")
	}
}
